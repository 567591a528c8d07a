package send

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/civicmail/internal/model"
)

const testBatchID = "0b8f5c1e-7d2a-4e3b-8c9d-1a2b3c4d5e6f"

func TestParseCallback_Single(t *testing.T) {
	raw := []byte(`{"job_id":"` + testJobID + `","batch_id":"` + testBatchID + `",
		"email":" A@Example.com ","status":"delivered","provider_message_id":"pm-1","meta":{"opens":1}}`)

	cb, err := ParseCallback(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.JobID != testJobID || cb.BatchID != testBatchID {
		t.Errorf("ids = %s/%s", cb.JobID, cb.BatchID)
	}
	if len(cb.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(cb.Results))
	}
	r := cb.Results[0]
	if r.Email != "a@example.com" || r.Status != model.DeliveryDelivered || r.ProviderMessageID != "pm-1" {
		t.Errorf("result = %+v", r)
	}
	if string(r.Meta) != `{"opens":1}` {
		t.Errorf("meta = %s", r.Meta)
	}
}

func TestParseCallback_Batch(t *testing.T) {
	raw := []byte(`{"job_id":"` + testJobID + `","batch_id":"` + testBatchID + `","results":[
		{"email":"a@example.com","status":"delivered"},
		{"email":"b@example.com","status":"failed","error":"bounced"}]}`)

	cb, err := ParseCallback(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cb.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(cb.Results))
	}
	if cb.Results[1].Status != model.DeliveryFailed || cb.Results[1].Error != "bounced" {
		t.Errorf("result[1] = %+v", cb.Results[1])
	}
}

func TestParseCallback_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"JSONでない", `not json`},
		{"job_idがUUIDでない", `{"job_id":"x","batch_id":"` + testBatchID + `","email":"a@example.com","status":"delivered"}`},
		{"batch_id無し", `{"job_id":"` + testJobID + `","email":"a@example.com","status":"delivered"}`},
		{"queuedは受け付けない", `{"job_id":"` + testJobID + `","batch_id":"` + testBatchID + `","email":"a@example.com","status":"queued"}`},
		{"email無し", `{"job_id":"` + testJobID + `","batch_id":"` + testBatchID + `","status":"delivered"}`},
		{"バッチ内の不正な行", `{"job_id":"` + testJobID + `","batch_id":"` + testBatchID + `","results":[{"email":"bad","status":"delivered"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCallback([]byte(tt.raw))
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
				t.Errorf("err = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestService_ApplyProviderResults_Idempotent(t *testing.T) {
	f := newServiceFixture(100)
	cb := Callback{
		JobID:   testJobID,
		BatchID: testBatchID,
		Results: []model.DeliveryResult{
			{Email: "a@example.com", Status: model.DeliveryDelivered},
			{Email: "b@example.com", Status: model.DeliveryFailed, Error: "bounced"},
		},
	}

	for i := 0; i < 2; i++ {
		n, err := f.svc.ApplyProviderResults(context.Background(), cb)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 2 {
			t.Errorf("applied = %d, want 2", n)
		}
	}

	if len(f.deliveries.rows) != 2 {
		t.Errorf("rows = %d, want 2", len(f.deliveries.rows))
	}
	if got := f.deliveries.rows[testJobID+"|"+testBatchID+"|a@example.com"]; got != model.DeliveryDelivered {
		t.Errorf("a status = %q", got)
	}
	if len(f.metrics.callbacks) != 4 {
		t.Errorf("callbacks = %v", f.metrics.callbacks)
	}
}

func TestService_ApplyProviderResults_Error(t *testing.T) {
	f := newServiceFixture(100)
	f.deliveries.applyErr = errors.New("db down")
	var logs bytes.Buffer
	f.svc.logger = newTestLogger(&logs)

	n, err := f.svc.ApplyProviderResults(context.Background(), Callback{
		JobID: testJobID, BatchID: testBatchID,
		Results: []model.DeliveryResult{{Email: "a@example.com", Status: model.DeliveryDelivered}},
	})
	if err == nil || n != 0 {
		t.Errorf("n = %d, err = %v", n, err)
	}
	if logs.Len() == 0 {
		t.Error("エラーがログに記録されていません")
	}
}
