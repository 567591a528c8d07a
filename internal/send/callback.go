package send

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/civicmail/internal/model"
)

// Callback は配信事業者から通知された配信結果。
type Callback struct {
	JobID   string
	BatchID string
	Results []model.DeliveryResult
}

type callbackResult struct {
	Email             string          `json:"email"`
	Status            string          `json:"status"`
	ProviderMessageID string          `json:"provider_message_id"`
	Error             *string         `json:"error"`
	Meta              json.RawMessage `json:"meta"`
}

type callbackBody struct {
	JobID   string           `json:"job_id"`
	BatchID string           `json:"batch_id"`
	Results []callbackResult `json:"results"`
	callbackResult
}

// ParseCallback は単一結果形式とバッチ形式（results配列）のどちらも受け付ける。
func ParseCallback(raw []byte) (Callback, error) {
	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Callback{}, model.NewInvalidRequestError("body must be valid JSON")
	}

	cb := Callback{JobID: strings.TrimSpace(body.JobID), BatchID: strings.TrimSpace(body.BatchID)}
	if _, err := uuid.Parse(cb.JobID); err != nil {
		return Callback{}, model.NewInvalidRequestError("job_id must be a UUID")
	}
	if _, err := uuid.Parse(cb.BatchID); err != nil {
		return Callback{}, model.NewInvalidRequestError("batch_id must be a UUID")
	}

	items := body.Results
	if body.Results == nil {
		items = []callbackResult{body.callbackResult}
	}
	for _, it := range items {
		res, err := it.toResult()
		if err != nil {
			return Callback{}, err
		}
		cb.Results = append(cb.Results, res)
	}
	return cb, nil
}

func (r callbackResult) toResult() (model.DeliveryResult, error) {
	email := normalize(r.Email)
	if email == "" || !strings.Contains(email, "@") {
		return model.DeliveryResult{}, model.NewInvalidRequestError("each result requires a valid email")
	}
	status := model.DeliveryStatus(r.Status)
	if status != model.DeliveryDelivered && status != model.DeliveryFailed {
		return model.DeliveryResult{}, model.NewInvalidRequestError("status must be delivered or failed")
	}
	res := model.DeliveryResult{
		Email:             email,
		Status:            status,
		ProviderMessageID: strings.TrimSpace(r.ProviderMessageID),
		Meta:              r.Meta,
	}
	if r.Error != nil {
		res.Error = *r.Error
	}
	return res, nil
}

// ApplyProviderResults は配信結果を配信履歴に反映し、反映件数を返す。
// 同じ結果を何度受け取っても最終状態は変わらない。
func (s *Service) ApplyProviderResults(ctx context.Context, cb Callback) (int, error) {
	applied := 0
	for _, res := range cb.Results {
		if err := s.deliveries.ApplyResult(ctx, cb.JobID, cb.BatchID, res); err != nil {
			s.logger.Error("配信結果の反映に失敗しました",
				slog.String("job_id", cb.JobID),
				slog.String("batch_id", cb.BatchID),
				slog.String("email", res.Email),
				slog.String("error", err.Error()),
			)
			return applied, err
		}
		if s.metrics != nil {
			s.metrics.RecordCallback(string(res.Status))
		}
		applied++
	}

	s.logger.Info("配信結果を反映しました",
		slog.String("job_id", cb.JobID),
		slog.String("batch_id", cb.BatchID),
		slog.Int("applied", applied),
	)
	return applied, nil
}
