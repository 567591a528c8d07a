package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/civicmail/internal/metrics"
	"github.com/hitoshi/civicmail/internal/middleware"
)

// SharedTokenHeader は配信事業者コールバックの共有トークンヘッダー。
const SharedTokenHeader = "X-Shared-Token"

// Features は機能フラグ。falseの機能はFEATURE_DISABLEDを返す。
type Features struct {
	SendExecute    bool
	ContentPromote bool
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AdminToken        string
	ProviderToken     string
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	Features          Features

	// 購読者
	SubscriberService SubscriberServiceInterface

	// 送信
	PersonalizeService PersonalizeServiceInterface
	SendService        SendServiceInterface

	// コンテンツ
	ContentService ContentServiceInterface
	FeedSource     FeedRowSource
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → RequestIDHeader → Recovery → Logging → SecurityHeaders → CORS
//
// /health と /metrics 以外の /api 配下にはIP単位のレート制限をかける。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRequestIDHeaderMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	subscriberHandler := NewSubscriberHandler(deps.SubscriberService, deps.Metrics)
	sendHandler := NewSendHandler(deps.PersonalizeService, deps.SendService, deps.Features)
	contentHandler := NewContentHandler(deps.ContentService, deps.FeedSource, deps.Features)

	// --- 運用系 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// --- 公開ルート ---
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.SignupMiddleware())
			}
			r.Post("/signup", subscriberHandler.Signup)
			r.Post("/profile-address", subscriberHandler.UpdateAddress)
		})
		r.Get("/unsubscribe", subscriberHandler.Unsubscribe)
		r.Post("/subscriptions-toggle", subscriberHandler.ToggleSubscription)
		r.Get("/send/personalize", sendHandler.Personalize)

		// --- 管理ルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken))
			r.Post("/send/execute", sendHandler.Execute)
			r.Post("/content/import", contentHandler.Import)
			r.Post("/admin/content/promote", contentHandler.Promote)
		})

		// --- 配信事業者ルート ---
		r.With(middleware.NewSharedTokenMiddleware(SharedTokenHeader, deps.ProviderToken)).
			Post("/provider/callback", sendHandler.ProviderCallback)
	})

	return r
}
