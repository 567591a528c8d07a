package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/civicmail/internal/database"
	"github.com/hitoshi/civicmail/internal/metrics"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/repository"
	"github.com/hitoshi/civicmail/internal/security"
	"github.com/hitoshi/civicmail/internal/targeting"
)

// DefaultPromotedBy は昇格者が不明な場合の記録値。
const DefaultPromotedBy = "admin"

// ImportRequest は取り込み1チャンク分のリクエスト。
// StartRowは元ファイルでのチャンク先頭位置（0始まり、ヘッダ行を除く）。
type ImportRequest struct {
	DatasetName string
	ReplaceMode model.ReplaceMode
	StartRow    int
	Rows        []ImportRow
}

// RowError は取り込めなかった行とその理由。Rowはヘッダ行を1行目とした表上の行番号。
type RowError struct {
	Row    int
	Reason string
}

// ImportResult は取り込み結果。
type ImportResult struct {
	DatasetID         string
	InsertedOrUpdated int
	Skipped           int
	Errors            []RowError
}

// PromoteReport は昇格結果。
type PromoteReport struct {
	DatasetID    string
	Promoted     int
	Cleared      int
	StagingCount int
	FinalCount   int
	PromotedBy   string
}

// Service はコンテンツ取り込みと昇格のサービス層。
type Service struct {
	datasets  repository.DatasetRepository
	contents  repository.ContentRepository
	sanitizer security.ContentSanitizerService
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	datasets repository.DatasetRepository,
	contents repository.ContentRepository,
	sanitizer security.ContentSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		datasets:  datasets,
		contents:  contents,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
	}
}

// Import は行を検証してステージングへUPSERTする。
// 検証に失敗した行はErrorsに記録して読み飛ばし、残りの行は取り込む。
func (s *Service) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	name := strings.TrimSpace(req.DatasetName)
	if name == "" {
		return nil, model.NewInvalidRequestError("datasetName required")
	}
	if len(req.Rows) == 0 {
		return nil, model.NewInvalidRequestError("rows[] required")
	}
	mode := req.ReplaceMode
	if mode == "" {
		mode = model.ReplaceNone
	}
	if !mode.Valid() {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("unknown replaceMode %q", req.ReplaceMode))
	}
	if req.StartRow < 0 {
		return nil, model.NewInvalidRequestError("startRow must not be negative")
	}

	datasetID, err := s.resolveDataset(ctx, name)
	if err != nil {
		return nil, err
	}

	if mode == model.ReplaceNuclear && req.StartRow == 0 {
		deleted, err := s.contents.DeleteStagingByDataset(ctx, datasetID)
		if err != nil {
			return nil, fmt.Errorf("ステージングの全削除に失敗しました: %w", err)
		}
		s.logger.Info("ステージングを全削除しました",
			slog.String("dataset_id", datasetID),
			slog.Int64("deleted", deleted),
		)
	}

	result := &ImportResult{DatasetID: datasetID, Errors: []RowError{}}
	items := make([]*model.ContentItem, 0, len(req.Rows))
	for i, row := range req.Rows {
		item, reasons := s.prepare(datasetID, row)
		if len(reasons) > 0 {
			result.Errors = append(result.Errors, RowError{
				Row:    req.StartRow + i + 2,
				Reason: strings.Join(reasons, "; "),
			})
			continue
		}
		items = append(items, item)
	}

	if mode == model.ReplaceSurgical && len(items) > 0 {
		uids := make([]string, len(items))
		for i, it := range items {
			uids[i] = it.RowUID
		}
		if _, err := s.contents.DeleteStagingByRowUIDs(ctx, datasetID, uids); err != nil {
			return nil, fmt.Errorf("ステージング行の置換削除に失敗しました: %w", err)
		}
	}

	if err := s.contents.UpsertStaging(ctx, items); err != nil {
		return nil, fmt.Errorf("ステージングへの書き込みに失敗しました: %w", err)
	}

	result.InsertedOrUpdated = len(items)
	result.Skipped = len(result.Errors)
	s.metrics.RecordImportRows(result.InsertedOrUpdated, result.Skipped)

	s.logger.Info("コンテンツを取り込みました",
		slog.String("dataset_id", datasetID),
		slog.String("replace_mode", string(mode)),
		slog.Int("start_row", req.StartRow),
		slog.Int("inserted_or_updated", result.InsertedOrUpdated),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// resolveDataset は名前でデータセットを探し、無ければ作成する。
// 同時作成で一意制約違反になった場合は再検索する。
func (s *Service) resolveDataset(ctx context.Context, name string) (string, error) {
	existing, err := s.datasets.FindByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("データセットの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	d := &model.Dataset{Name: name}
	err = s.datasets.Create(ctx, d)
	if err == nil {
		return d.ID, nil
	}
	if !database.IsUniqueViolation(err) {
		return "", fmt.Errorf("データセットの作成に失敗しました: %w", err)
	}

	retry, err := s.datasets.FindByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("データセットの再検索に失敗しました: %w", err)
	}
	if retry == nil {
		return "", fmt.Errorf("データセット %q の作成が競合し、再検索でも見つかりませんでした", name)
	}
	return retry.ID, nil
}

// prepare は1行を検証してContentItemに変換する。検証エラーは理由の一覧で返す。
func (s *Service) prepare(datasetID string, row ImportRow) (*model.ContentItem, []string) {
	var reasons []string

	subject := s.sanitizer.StripTags(row.Title)
	if subject == "" {
		reasons = append(reasons, "title is required")
	}
	body := normalizeWhitespace(row.HTML)
	if body == "" {
		reasons = append(reasons, "html is required")
	}

	priority, err := parsePriority(row.Priority)
	if err != nil {
		reasons = append(reasons, err.Error())
	}

	sourceURL := strings.TrimSpace(row.SourceURL)
	if sourceURL != "" && !isHTTPURL(sourceURL) {
		reasons = append(reasons, "source_url must be a valid URL")
	}

	rule := strings.TrimSpace(row.AudienceRule)
	if rule != "" && !targeting.ValidateRule(rule) {
		reasons = append(reasons, "audience_rule is invalid")
	}

	if len(reasons) > 0 {
		return nil, reasons
	}

	body = s.sanitizer.Sanitize(body)
	geoLevel := strings.TrimSpace(row.GeoLevel)
	geoCode := strings.TrimSpace(row.GeoCode)

	rowUID := strings.TrimSpace(row.ExternalID)
	if rowUID == "" {
		rowUID = hashParts(datasetID, subject, body, geoCode)
	}

	item := &model.ContentItem{
		DatasetID:    datasetID,
		RowUID:       rowUID,
		Subject:      subject,
		BodyHTML:     body,
		AudienceRule: rule,
		Priority:     priority,
		Topic:        strings.TrimSpace(row.Topic),
		GeoLevel:     geoLevel,
		GeoCode:      geoCode,
		StartDate:    strings.TrimSpace(row.StartDate),
		EndDate:      strings.TrimSpace(row.EndDate),
		SourceURL:    sourceURL,
		ContentHash:  hashParts(subject, body, geoCode),
	}
	if geoLevel != "" && geoCode != "" {
		item.Scope = geoLevel + ":" + geoCode
	}
	return item, nil
}

// Promote はデータセットのステージングを公開へ昇格する。
func (s *Service) Promote(ctx context.Context, datasetID, promotedBy string) (*PromoteReport, error) {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return nil, model.NewInvalidRequestError("dataset_id required")
	}
	if promotedBy = strings.TrimSpace(promotedBy); promotedBy == "" {
		promotedBy = DefaultPromotedBy
	}

	d, err := s.datasets.FindByID(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("データセットの取得に失敗しました: %w", err)
	}
	if d == nil {
		return nil, model.NewDatasetNotFoundError(datasetID)
	}

	stagingCount, err := s.contents.CountStaging(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	res, err := s.contents.Promote(ctx, datasetID, promotedBy)
	if err != nil {
		return nil, fmt.Errorf("コンテンツの昇格に失敗しました: %w", err)
	}

	finalCount, err := s.contents.CountLive(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPromoted(res.Promoted)
	s.logger.Info("コンテンツを昇格しました",
		slog.String("dataset_id", datasetID),
		slog.String("promoted_by", promotedBy),
		slog.Int("promoted", res.Promoted),
		slog.Int("cleared", res.Cleared),
	)

	return &PromoteReport{
		DatasetID:    datasetID,
		Promoted:     res.Promoted,
		Cleared:      res.Cleared,
		StagingCount: stagingCount,
		FinalCount:   finalCount,
		PromotedBy:   promotedBy,
	}, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// hashParts は\x01区切りで連結した値のSHA-256を16進で返す。
func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x01")))
	return hex.EncodeToString(sum[:])
}

// parsePriority は整数値のpriorityを解釈する。"3.0"のような整数値の小数表記も受け付ける。
func parsePriority(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("priority is out of range")
		}
		return &n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return nil, fmt.Errorf("priority must be an integer")
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return nil, fmt.Errorf("priority is out of range")
	}
	n := int(f)
	return &n, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
