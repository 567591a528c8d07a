package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/model"
)

// maxJSONBodyBytes はJSONリクエストボディの上限（1MB）。
const maxJSONBodyBytes = 1 << 20

// successResponse は成功時の統一レスポンス。
type successResponse struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
	Data any    `json:"data,omitempty"`
}

// writeOK は200で成功レスポンスを書き込む。
func writeOK(w http.ResponseWriter, code string, data any) {
	writeJSON(w, http.StatusOK, successResponse{OK: true, Code: code, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをJSONとしてデコードする。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(v)
}

// readBody はリクエストボディを上限付きで読み込む。
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// writeInvalidBody はボディ解析失敗の400レスポンスを書き込む。
func writeInvalidBody(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは詳細をログにだけ残す
	slog.Error("internal server error",
		slog.String("error", err.Error()),
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimw.GetReqID(r.Context())),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidURL, model.ErrCodeParseFailed:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case model.ErrCodeFeatureDisabled, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeSubscriberNotFound, model.ErrCodeDatasetNotFound, model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeCivicAPI, model.ErrCodeDispatchFailed, model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeDispatchTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
