package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/civicmail/internal/model"
)

type contextKey string

const actorContextKey contextKey = "actor"

// ActorAdmin は管理トークンで認証された呼び出し元を表す。
const ActorAdmin = "admin"

// ErrNoActor はコンテキストに呼び出し元が含まれていない場合のエラー。
var ErrNoActor = errors.New("actor not found in context")

// NewAdminAuthMiddleware はAuthorization: Bearerトークンを定数時間比較で検証するミドルウェアを返す。
// tokenが空の場合は全てのリクエストを拒否する。
func NewAdminAuthMiddleware(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !tokenEqual(strings.TrimSpace(got), token) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), ActorAdmin)))
		})
	}
}

// NewSharedTokenMiddleware は指定ヘッダーの共有トークンを検証するミドルウェアを返す。
// 配信事業者からのコールバックに使用する。
func NewSharedTokenMiddleware(header, token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenEqual(r.Header.Get(header), token) {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext はコンテキストから呼び出し元を取得する。
func ActorFromContext(ctx context.Context) (string, error) {
	actor, ok := ctx.Value(actorContextKey).(string)
	if !ok || actor == "" {
		return "", ErrNoActor
	}
	return actor, nil
}

// ContextWithActor はコンテキストに呼び出し元を設定する。テスト用にも使用する。
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func tokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
