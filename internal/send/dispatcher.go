package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/civicmail/internal/model"
)

// DefaultDispatchTimeout は送出リクエストのタイムアウト既定値。
const DefaultDispatchTimeout = 5 * time.Second

// Batch は配信事業者へ渡す1回分の送出内容。
type Batch struct {
	JobID     string   `json:"job_id"`
	DatasetID string   `json:"dataset_id"`
	BatchID   string   `json:"batch_id"`
	Count     int      `json:"count"`
	Emails    []string `json:"emails"`
}

// Dispatcher はバッチを外部の配信処理へ送出するインターフェース。
type Dispatcher interface {
	// Name はメトリクスとログに使う送出方式の名前を返す。
	Name() string
	// Dispatch はバッチを送出する。失敗時は*model.APIErrorを返す。
	Dispatch(ctx context.Context, requestID string, b Batch) error
}

// WebhookDispatcher はバッチをJSONでWebhookへPOSTする。
type WebhookDispatcher struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ Dispatcher = (*WebhookDispatcher)(nil)

// NewWebhookDispatcher はWebhookDispatcherを生成する。timeoutが0以下の場合は既定値を使う。
func NewWebhookDispatcher(url string, timeout time.Duration, logger *slog.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Name は送出方式の名前を返す。
func (d *WebhookDispatcher) Name() string { return "webhook" }

// Dispatch はバッチを送出する。
// 2xx以外の応答はDISPATCH_FAILED、接続失敗やタイムアウトはDISPATCH_TIMEOUTとなる。
func (d *WebhookDispatcher) Dispatch(ctx context.Context, requestID string, b Batch) error {
	if d.url == "" {
		return model.NewDispatchFailedError("webhook URL is not configured")
	}

	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("バッチのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return model.NewDispatchFailedError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Error("Webhookへの送出に失敗しました",
			slog.String("job_id", b.JobID),
			slog.String("batch_id", b.BatchID),
			slog.String("error", err.Error()),
		)
		return model.NewDispatchTimeoutError(err.Error())
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("Webhookがエラーを返しました",
			slog.String("job_id", b.JobID),
			slog.String("batch_id", b.BatchID),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewDispatchFailedError(fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

