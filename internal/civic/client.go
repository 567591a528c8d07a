// Package civic は住所から行政区画（OCD division ID）を解決するクライアントを提供する。
package civic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

const (
	// defaultEndpoint はGoogle Civic Information APIのdivisionsByAddressエンドポイント。
	defaultEndpoint = "https://civicinfo.googleapis.com/civicinfo/v2/divisionsByAddress"
	// maxResponseBytes はレスポンスボディの上限。
	maxResponseBytes = 1 << 20
)

var zipPattern = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)

// Result は住所解決の結果。
type Result struct {
	// Paths はOCD division IDの一覧（昇順）。
	Paths []string
	// Zip は5桁の郵便番号。取得できなければ空文字列。
	Zip string
}

// Resolver は住所解決のインターフェース。
type Resolver interface {
	DivisionsByAddress(ctx context.Context, address string) (Result, error)
}

// StatusError はAPIが200以外を返した場合のエラー。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("civic APIがステータス %d を返しました", e.StatusCode)
}

// Client はCivic Information APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	endpoint   string // テスト用に差し替え可能
}

var _ Resolver = (*Client)(nil)

// NewClient はClientを生成する。
func NewClient(httpClient *http.Client, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
	}
}

type divisionsResponse struct {
	NormalizedInput struct {
		Zip string `json:"zip"`
	} `json:"normalizedInput"`
	Divisions map[string]struct {
		Name string `json:"name"`
	} `json:"divisions"`
}

// DivisionsByAddress は住所に対応する区画一覧と郵便番号を返す。
// divisionsが無いレスポンスは空の結果として扱う。
// 郵便番号がAPIから得られない場合は住所文字列から抽出する。
func (c *Client) DivisionsByAddress(ctx context.Context, address string) (Result, error) {
	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("address", address)
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("civic APIの呼び出しに失敗しました", slog.String("error", err.Error()))
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("civic APIがエラーステータスを返しました", slog.Int("http_status", resp.StatusCode))
		return Result{}, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var parsed divisionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	paths := make([]string, 0, len(parsed.Divisions))
	for id := range parsed.Divisions {
		if id = strings.TrimSpace(id); id != "" {
			paths = append(paths, id)
		}
	}
	slices.Sort(paths)

	zip := NormalizeZip(parsed.NormalizedInput.Zip)
	if zip == "" {
		zip = ExtractZip(address)
	}

	return Result{Paths: paths, Zip: zip}, nil
}

// ExtractZip は住所文字列から最初の郵便番号を抽出し、5桁で返す。
func ExtractZip(address string) string {
	return NormalizeZip(zipPattern.FindString(address))
}

// NormalizeZip はZIP+4を5桁に切り詰める。
func NormalizeZip(zip string) string {
	zip = strings.TrimSpace(zip)
	if len(zip) > 5 {
		return zip[:5]
	}
	return zip
}
