package handler

import (
	"context"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/personalize"
	"github.com/hitoshi/civicmail/internal/send"
)

// maxCallbackBodyBytes は配信結果コールバックのボディ上限（5MB）。
const maxCallbackBodyBytes = 5 << 20

// PersonalizeServiceInterface はパーソナライズのサービスインターフェース。
type PersonalizeServiceInterface interface {
	Personalize(ctx context.Context, req personalize.Request) (*personalize.Result, error)
}

// SendServiceInterface は送信実行と配信結果反映のサービスインターフェース。
type SendServiceInterface interface {
	Execute(ctx context.Context, req send.ExecuteRequest) (*send.ExecuteResult, error)
	ApplyProviderResults(ctx context.Context, cb send.Callback) (int, error)
}

// SendHandler は送信関連APIのHTTPハンドラー。
type SendHandler struct {
	personalizer PersonalizeServiceInterface
	sender       SendServiceInterface
	features     Features
}

// NewSendHandler はSendHandlerを生成する。
func NewSendHandler(personalizer PersonalizeServiceInterface, sender SendServiceInterface, features Features) *SendHandler {
	return &SendHandler{
		personalizer: personalizer,
		sender:       sender,
		features:     features,
	}
}

// executeRequest は送信実行リクエストのボディ。
// 旧形式のtest_emails（modeなし）も受け付ける。
type executeRequest struct {
	JobID      string   `json:"job_id"`
	Mode       string   `json:"mode"`
	Emails     []string `json:"emails"`
	TestEmails []string `json:"test_emails"`
	DatasetID  string   `json:"dataset_id"`
}

// Personalize は1通分のメールを組み立てて返す。
// GET /api/send/personalize?job_id=&email=&batch_id=&dataset_id=
func (h *SendHandler) Personalize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.personalizer.Personalize(r.Context(), personalize.Request{
		JobID:     q.Get("job_id"),
		BatchID:   q.Get("batch_id"),
		Email:     q.Get("email"),
		DatasetID: q.Get("dataset_id"),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "PERSONALIZE_OK", res)
}

// Execute は送信ジョブを実行して配信キューへ投入する。
// POST /api/send/execute
func (h *SendHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if !h.features.SendExecute {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewFeatureDisabledError("send execute"))
		return
	}

	var body executeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeInvalidBody(w)
		return
	}

	req, ok := body.normalize()
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("body must be one of the supported shapes"))
		return
	}
	req.RequestID = chimw.GetReqID(r.Context())

	res, err := h.sender.Execute(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "EXECUTE_OK", res)
}

// ProviderCallback は配信事業者からの配信結果を反映する。
// POST /api/provider/callback
func (h *SendHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, maxCallbackBodyBytes)
	if err != nil {
		writeInvalidBody(w)
		return
	}

	cb, err := send.ParseCallback(raw)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	applied, err := h.sender.ApplyProviderResults(r.Context(), cb)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "CALLBACK_OK", map[string]int{"applied": applied})
}

// normalize は新旧のボディ形式を送信実行の要求に揃える。
func (b executeRequest) normalize() (send.ExecuteRequest, bool) {
	req := send.ExecuteRequest{
		JobID:     strings.TrimSpace(b.JobID),
		DatasetID: strings.TrimSpace(b.DatasetID),
	}
	switch {
	case b.Mode != "":
		req.Mode = send.Mode(b.Mode)
		req.Emails = b.Emails
	case b.TestEmails != nil:
		req.Mode = send.ModeTest
		req.Emails = b.TestEmails
	case req.DatasetID != "":
		req.Mode = send.ModeCohort
	default:
		return req, false
	}
	return req, true
}
