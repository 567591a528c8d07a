package handler

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/civicmail/internal/content"
	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/model"
)

// maxUploadBytes はCSV/XLSXアップロードの上限（10MB）。
const maxUploadBytes = 10 << 20

const (
	mediaTypeCSV  = "text/csv"
	mediaTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ContentServiceInterface はコンテンツ取り込みと昇格のサービスインターフェース。
type ContentServiceInterface interface {
	Import(ctx context.Context, req content.ImportRequest) (*importResponse, error)
	Promote(ctx context.Context, datasetID, promotedBy string) (*promoteResponse, error)
}

// FeedRowSource はフィードから取り込み行を生成するインターフェース。
type FeedRowSource interface {
	Rows(ctx context.Context, feedURL string, opts content.FeedOptions) ([]content.ImportRow, error)
}

// ContentHandler はコンテンツ管理APIのHTTPハンドラー。
type ContentHandler struct {
	service  ContentServiceInterface
	feeds    FeedRowSource
	features Features
}

// NewContentHandler はContentHandlerを生成する。feedsがnilの場合はフィード取り込みを受け付けない。
func NewContentHandler(service ContentServiceInterface, feeds FeedRowSource, features Features) *ContentHandler {
	return &ContentHandler{
		service:  service,
		feeds:    feeds,
		features: features,
	}
}

// importRequest はJSON形式の取り込みリクエスト。
// rowsの代わりにfeedUrlを指定するとフィードの記事を取り込む。
type importRequest struct {
	DatasetName string              `json:"datasetName"`
	ReplaceMode string              `json:"replaceMode"`
	StartRow    int                 `json:"startRow"`
	Rows        []content.ImportRow `json:"rows"`
	FeedURL     string              `json:"feedUrl"`
	Topic       string              `json:"topic"`
	GeoLevel    string              `json:"geo_level"`
	GeoCode     string              `json:"geo_code"`
	Priority    string              `json:"priority"`
}

// promoteRequest は昇格リクエストのボディ。
type promoteRequest struct {
	DatasetID string `json:"dataset_id"`
}

// importRowError は取り込めなかった行のAPIレスポンス。
type importRowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// importResponse は取り込み結果のAPIレスポンス。
type importResponse struct {
	DatasetID         string           `json:"dataset_id"`
	InsertedOrUpdated int              `json:"inserted_or_updated"`
	Skipped           int              `json:"skipped"`
	Errors            []importRowError `json:"errors"`
}

// promoteResponse は昇格結果のAPIレスポンス。
type promoteResponse struct {
	DatasetID    string `json:"dataset_id"`
	Promoted     int    `json:"promoted"`
	Cleared      int    `json:"cleared"`
	StagingCount int    `json:"staging_count"`
	FinalCount   int    `json:"final_count"`
	PromotedBy   string `json:"promoted_by"`
}

// Import はコンテンツをステージングへ取り込む。
// Content-Typeがtext/csvまたはXLSXの場合はボディを表として読み、
// データセット名などはクエリパラメータから受け取る。
// POST /api/content/import
func (h *ContentHandler) Import(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		req content.ImportRequest
		err error
	)
	switch mediaType {
	case mediaTypeCSV, mediaTypeXLSX:
		req, err = h.tableImportRequest(w, r, mediaType)
	default:
		req, err = h.jsonImportRequest(w, r)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.Import(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "CONTENT_IMPORT_OK", res)
}

// Promote はステージングを公開へ昇格する。
// 昇格者はX-Admin-Emailヘッダー、なければ認証済みの呼び出し元を記録する。
// POST /api/admin/content/promote
func (h *ContentHandler) Promote(w http.ResponseWriter, r *http.Request) {
	if !h.features.ContentPromote {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewFeatureDisabledError("content promote"))
		return
	}

	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	promotedBy := strings.TrimSpace(r.Header.Get("X-Admin-Email"))
	if promotedBy == "" {
		promotedBy, _ = middleware.ActorFromContext(r.Context())
	}

	res, err := h.service.Promote(r.Context(), req.DatasetID, promotedBy)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "PROMOTE_OK", res)
}

func (h *ContentHandler) tableImportRequest(w http.ResponseWriter, r *http.Request, mediaType string) (content.ImportRequest, error) {
	q := r.URL.Query()
	req := content.ImportRequest{
		DatasetName: q.Get("datasetName"),
		ReplaceMode: model.ReplaceMode(q.Get("replaceMode")),
	}
	if raw := q.Get("startRow"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return req, model.NewInvalidRequestError("startRow must be a non-negative integer")
		}
		req.StartRow = n
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var err error
	if mediaType == mediaTypeCSV {
		req.Rows, err = content.ReadCSV(body)
	} else {
		req.Rows, err = content.ReadXLSX(body)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return req, model.NewInvalidRequestError("upload too large")
		}
		return req, model.NewParseFailedError(err.Error())
	}
	return req, nil
}

func (h *ContentHandler) jsonImportRequest(w http.ResponseWriter, r *http.Request) (content.ImportRequest, error) {
	var body importRequest
	if err := decodeJSON(w, r, &body); err != nil {
		return content.ImportRequest{}, model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
	}

	req := content.ImportRequest{
		DatasetName: body.DatasetName,
		ReplaceMode: model.ReplaceMode(body.ReplaceMode),
		StartRow:    body.StartRow,
		Rows:        body.Rows,
	}
	if len(req.Rows) > 0 || strings.TrimSpace(body.FeedURL) == "" {
		return req, nil
	}
	if h.feeds == nil {
		return req, model.NewFeatureDisabledError("feed import")
	}

	rows, err := h.feeds.Rows(r.Context(), strings.TrimSpace(body.FeedURL), content.FeedOptions{
		Topic:    body.Topic,
		GeoLevel: body.GeoLevel,
		GeoCode:  body.GeoCode,
		Priority: body.Priority,
	})
	if err != nil {
		return req, err
	}
	req.Rows = rows
	return req, nil
}
