package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/civicmail/internal/civic"
	"github.com/hitoshi/civicmail/internal/config"
	"github.com/hitoshi/civicmail/internal/content"
	"github.com/hitoshi/civicmail/internal/database"
	"github.com/hitoshi/civicmail/internal/handler"
	"github.com/hitoshi/civicmail/internal/logger"
	"github.com/hitoshi/civicmail/internal/metrics"
	"github.com/hitoshi/civicmail/internal/middleware"
	"github.com/hitoshi/civicmail/internal/personalize"
	"github.com/hitoshi/civicmail/internal/repository"
	"github.com/hitoshi/civicmail/internal/security"
	"github.com/hitoshi/civicmail/internal/send"
	"github.com/hitoshi/civicmail/internal/subscriber"
	"github.com/hitoshi/civicmail/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	if level := logger.ParseLevel(cfg.LogLevel); level != slog.LevelInfo {
		logger.SetupDefault(w, level)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("dispatch_mode", cfg.DispatchMode),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newDispatcher はDISPATCH_MODEに応じた配信先を生成する。
// 返すclose関数は終了時に呼び出す。
func newDispatcher(cfg *config.Config, log *slog.Logger) (send.Dispatcher, func() error, error) {
	if cfg.DispatchMode == config.DispatchModeAMQP {
		d, err := send.NewAMQPDispatcher(send.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
			QueueName:  cfg.AMQPQueue,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up amqp dispatcher: %w", err)
		}
		return d, d.Close, nil
	}
	d := send.NewWebhookDispatcher(cfg.DispatchWebhookURL, cfg.DispatchTimeout, log)
	return d, func() error { return nil }, nil
}

// services はAPIサーバーとワーカーで共有するサービス群。
type services struct {
	subscriber  *subscriber.Service
	content     *content.Service
	personalize *personalize.Service
	send        *send.Service

	jobs       *repository.PostgresSendJobRepo
	deliveries *repository.PostgresDeliveryRepo
	contents   *repository.PostgresContentRepo
}

// buildServices はリポジトリとドメインサービスをワイヤリングする。
func buildServices(
	db *sql.DB,
	cfg *config.Config,
	guard security.SSRFGuardService,
	dispatcher send.Dispatcher,
	mc metrics.MetricsCollector,
	log *slog.Logger,
) *services {
	// 1. リポジトリの初期化
	datasetRepo := repository.NewPostgresDatasetRepo(db)
	contentRepo := repository.NewPostgresContentRepo(db)
	jobRepo := repository.NewPostgresSendJobRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)
	delegationRepo := repository.NewPostgresDelegationRepo(db)
	subscriberRepo := repository.NewPostgresSubscriberRepo(db)
	subscriptionRepo := repository.NewPostgresSubscriptionRepo(db)

	// 2. セキュリティサービスの初期化
	sanitizer := security.NewContentSanitizer()
	signer := security.NewUnsubscribeSigner(cfg.UnsubscribeSigningSecret, cfg.UnsubscribeTokenTTL)

	// 3. 住所解決クライアント（APIキー未設定なら区画解決を行わない）
	var resolver civic.Resolver
	if cfg.CivicAPIKey != "" {
		resolver = civic.NewClient(guard.NewSafeClient(cfg.CivicTimeout), cfg.CivicAPIKey, log)
	}

	// 4. ドメインサービスの初期化
	return &services{
		subscriber: subscriber.NewService(subscriberRepo, subscriptionRepo, resolver, signer, log),
		content:    content.NewService(datasetRepo, contentRepo, sanitizer, mc, log),
		personalize: personalize.NewService(
			jobRepo, subscriberRepo, contentRepo, delegationRepo, signer, mc, cfg.BaseURL, log,
		),
		send: send.NewService(
			datasetRepo, jobRepo, subscriberRepo, deliveryRepo, delegationRepo,
			dispatcher, mc, cfg.MaxSendPerRun, cfg.BaseURL, log,
		),
		jobs:       jobRepo,
		deliveries: deliveryRepo,
		contents:   contentRepo,
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secに変換したレート制限設定を返す。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSignup > 0 {
		rl.SignupRate = rate.Limit(float64(cfg.RateLimitSignup) / 60.0)
		rl.SignupBurst = cfg.RateLimitSignup
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	dispatcher, closeDispatcher, err := newDispatcher(cfg, log)
	if err != nil {
		return err
	}
	defer closeDispatcher() //nolint:errcheck

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	guard := security.NewSSRFGuard()

	svcs := buildServices(db, cfg, guard, dispatcher, collector, log)

	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		AdminToken:        cfg.AdminAPIToken,
		ProviderToken:     cfg.ProviderSharedToken,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),
		HealthChecker:     db,
		Features: handler.Features{
			SendExecute:    cfg.FeatureSendExecute,
			ContentPromote: cfg.FeatureContentPromote,
		},

		SubscriberService:  handler.NewSubscriberServiceAdapter(svcs.subscriber),
		PersonalizeService: svcs.personalize,
		SendService:        svcs.send,
		ContentService:     handler.NewContentServiceAdapter(svcs.content),
		FeedSource:         content.NewFeedSource(guard.NewSafeClient(cfg.FeedFetchTimeout), guard, log),
	}

	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// pendingの送信ジョブを定期的に実行し、保持期間を超えたデータを削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	dispatcher, closeDispatcher, err := newDispatcher(cfg, log)
	if err != nil {
		return err
	}
	defer closeDispatcher() //nolint:errcheck

	collector := metrics.NewCollector(prometheus.NewRegistry())
	svcs := buildServices(db, cfg, security.NewSSRFGuard(), dispatcher, collector, log)

	runner := send.NewRunner(
		svcs.jobs, svcs.send, log, cfg.WorkerMaxConcurrent, cfg.WorkerDispatchPerSecond,
	)

	cleanupJob := cleanup.NewJob(svcs.deliveries, svcs.contents, log)
	cleanupJob.RetentionDays = cfg.DeliveryRetentionDays
	cleanupJob.StagingTTLDays = cfg.StagingTTLDays

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("interval", cfg.WorkerInterval),
		slog.Int("max_concurrent", cfg.WorkerMaxConcurrent),
	)

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 送信ワーカーをメインgoroutineで実行（ブロッキング）
	runner.Start(ctx, cfg.WorkerInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// 引数なしまたは"up"で未適用分を適用し、"down"で1つ戻す。
func runMigrate(cfg *config.Config, args []string) error {
	var arg string
	if len(args) > 0 {
		arg = args[0]
	}
	dir, err := database.ParseMigrateDirection(arg)
	if err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", string(dir)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL, dir)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
