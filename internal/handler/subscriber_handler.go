package handler

import (
	"context"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/model"
	"github.com/hitoshi/civicmail/internal/subscriber"
)

// SubscriberServiceInterface は購読者ハンドラーが必要とするサービスインターフェース。
type SubscriberServiceInterface interface {
	// Signup は購読者を登録し、既定リストを購読状態にする。
	Signup(ctx context.Context, in subscriber.SignupInput) (*signupResponse, error)
	// UpdateAddress は既存購読者の住所と区画を更新する。
	UpdateAddress(ctx context.Context, email, address string) (*signupResponse, error)
	// Unsubscribe は署名付きトークンで購読を解除する。
	Unsubscribe(ctx context.Context, in subscriber.UnsubscribeInput) (*unsubscribeResponse, error)
	// ToggleSubscription は指定リストの購読状態を切り替える。
	ToggleSubscription(ctx context.Context, email, listKey string, subscribe bool) error
}

// SignupRecorder は登録件数を記録するインターフェース。
type SignupRecorder interface {
	RecordSignup(districtsFound int)
}

// SubscriberHandler は購読者向けAPIのHTTPハンドラー。
type SubscriberHandler struct {
	service  SubscriberServiceInterface
	recorder SignupRecorder
}

// NewSubscriberHandler はSubscriberHandlerを生成する。recorderはnilでもよい。
func NewSubscriberHandler(service SubscriberServiceInterface, recorder SignupRecorder) *SubscriberHandler {
	return &SubscriberHandler{service: service, recorder: recorder}
}

// signupRequest は登録・住所更新リクエストのボディ。
type signupRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// signupResponse は登録結果のAPIレスポンス。
type signupResponse struct {
	SubscriberID   string `json:"subscriber_id"`
	Email          string `json:"email"`
	Zipcode        string `json:"zipcode,omitempty"`
	DistrictsFound int    `json:"districts_found"`
}

// unsubscribeResponse は購読解除結果のAPIレスポンス。
type unsubscribeResponse struct {
	Email   string `json:"email"`
	ListKey string `json:"list_key"`
}

// toggleRequest は購読切り替えリクエストのボディ。
type toggleRequest struct {
	Email   string `json:"email"`
	ListKey string `json:"list_key"`
	Action  string `json:"action"`
}

// Signup は購読登録を処理する。JSONとフォーム送信の両方を受け付ける。
// POST /api/signup
func (h *SubscriberHandler) Signup(w http.ResponseWriter, r *http.Request) {
	req, ok := parseSignupRequest(w, r)
	if !ok {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.Signup(r.Context(), subscriber.SignupInput{
		Email:   req.Email,
		Address: req.Address,
		Name:    req.Name,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if h.recorder != nil {
		h.recorder.RecordSignup(res.DistrictsFound)
	}
	writeOK(w, "SIGNUP_OK", res)
}

// UpdateAddress は登録済み購読者の住所を更新する。
// POST /api/profile-address
func (h *SubscriberHandler) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	req, ok := parseSignupRequest(w, r)
	if !ok {
		writeInvalidBody(w)
		return
	}

	res, err := h.service.UpdateAddress(r.Context(), req.Email, req.Address)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "PROFILE_ADDRESS_OK", res)
}

// Unsubscribe はメール内のリンクからの購読解除を処理する。
// GET /api/unsubscribe?token=...
func (h *SubscriberHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("token required"))
		return
	}

	res, err := h.service.Unsubscribe(r.Context(), subscriber.UnsubscribeInput{
		Token:     token,
		UserAgent: r.UserAgent(),
		IP:        remoteHost(r),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeOK(w, "UNSUBSCRIBE_OK", res)
}

// ToggleSubscription は購読状態を切り替える。
// POST /api/subscriptions-toggle
func (h *SubscriberHandler) ToggleSubscription(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	var subscribe bool
	switch req.Action {
	case "subscribe":
		subscribe = true
	case "unsubscribe":
		subscribe = false
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("action must be subscribe or unsubscribe"))
		return
	}

	if err := h.service.ToggleSubscription(r.Context(), req.Email, req.ListKey, subscribe); err != nil {
		handleServiceError(w, r, err)
		return
	}

	listKey := req.ListKey
	if listKey == "" {
		listKey = model.DefaultListKey
	}
	writeOK(w, "SUBSCRIPTION_TOGGLED", map[string]any{
		"list_key":   listKey,
		"subscribed": subscribe,
	})
}

// parseSignupRequest はJSONまたはフォームのボディを解析する。
func parseSignupRequest(w http.ResponseWriter, r *http.Request) (signupRequest, bool) {
	var req signupRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		if err := r.ParseMultipartForm(maxJSONBodyBytes); err != nil && err != http.ErrNotMultipart {
			return req, false
		}
		req.Name = r.FormValue("name")
		req.Email = r.FormValue("email")
		req.Address = r.FormValue("address")
		return req, true
	default:
		if err := decodeJSON(w, r, &req); err != nil {
			return req, false
		}
		return req, true
	}
}

// remoteHost はRemoteAddrからホスト部分を返す。chiのRealIPを前段に置く前提。
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
