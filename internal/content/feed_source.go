package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/security"
)

// defaultMaxFeedBytes はフィード本文の上限（5MB）。
const defaultMaxFeedBytes = 5 << 20

// FeedOptions はフィードの各記事に共通して付与する属性。
type FeedOptions struct {
	Topic    string
	GeoLevel string
	GeoCode  string
	Priority string
}

// FeedSource は発行元のRSS/Atomフィードを取り込み行に変換する。
type FeedSource struct {
	client   *http.Client
	guard    security.SSRFGuardService
	logger   *slog.Logger
	maxBytes int64
}

// NewFeedSource はFeedSourceを生成する。clientにはSSRF防止付きのクライアントを渡す。
func NewFeedSource(client *http.Client, guard security.SSRFGuardService, logger *slog.Logger) *FeedSource {
	return &FeedSource{
		client:   client,
		guard:    guard,
		logger:   logger,
		maxBytes: defaultMaxFeedBytes,
	}
}

// Rows はフィードを取得して記事ごとの取り込み行を返す。
func (f *FeedSource) Rows(ctx context.Context, feedURL string, opts FeedOptions) ([]ImportRow, error) {
	if err := f.guard.ValidateURL(feedURL); err != nil {
		f.logger.Warn("フィードURLが拒否されました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSSRFBlockedError()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", "civicmail/1.0 content importer")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("フィードの取得に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		f.logger.Error("フィードのパースに失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewParseFailedError(err.Error())
	}

	rows := convertFeedItems(parsed.Items, opts)
	f.logger.Info("フィードから取り込み行を生成しました",
		slog.String("feed_url", feedURL),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("rows", len(rows)),
	)
	return rows, nil
}

// convertFeedItems はgofeedの記事を取り込み行に変換する。
// 本文はContentを優先し、無ければDescriptionを使う。本文の無い記事は除外する。
func convertFeedItems(items []*gofeed.Item, opts FeedOptions) []ImportRow {
	rows := make([]ImportRow, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}

		body := item.Content
		if strings.TrimSpace(body) == "" {
			body = item.Description
		}
		if strings.TrimSpace(body) == "" {
			continue
		}

		row := ImportRow{
			ExternalID: item.GUID,
			Title:      item.Title,
			HTML:       body,
			SourceURL:  item.Link,
			Topic:      opts.Topic,
			GeoLevel:   opts.GeoLevel,
			GeoCode:    opts.GeoCode,
			Priority:   opts.Priority,
		}
		if row.ExternalID == "" {
			row.ExternalID = item.Link
		}
		if row.Topic == "" && len(item.Categories) > 0 {
			row.Topic = item.Categories[0]
		}
		if item.PublishedParsed != nil {
			row.StartDate = item.PublishedParsed.UTC().Format("2006-01-02")
		} else if item.UpdatedParsed != nil {
			row.StartDate = item.UpdatedParsed.UTC().Format("2006-01-02")
		}
		rows = append(rows, row)
	}
	return rows
}
