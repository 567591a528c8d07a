package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 配信方式
const (
	DispatchModeWebhook = "webhook"
	DispatchModeAMQP    = "amqp"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	BaseURL           string
	CORSAllowedOrigin string
	LogLevel          string

	// Auth
	AdminAPIToken            string
	ProviderSharedToken      string
	UnsubscribeSigningSecret string
	UnsubscribeTokenTTL      time.Duration

	// Civic API
	CivicAPIKey  string
	CivicTimeout time.Duration

	// Dispatch
	DispatchMode       string
	DispatchWebhookURL string
	DispatchTimeout    time.Duration
	AMQPURL            string
	AMQPExchange       string
	AMQPRoutingKey     string
	AMQPQueue          string

	// Send
	MaxSendPerRun           int
	WorkerInterval          time.Duration
	WorkerMaxConcurrent     int
	WorkerDispatchPerSecond float64
	FeedFetchTimeout        time.Duration
	DeliveryRetentionDays   int
	StagingTTLDays          int
	CleanupInterval         time.Duration

	// Rate Limit（req/min/IP）
	RateLimitGeneral int
	RateLimitSignup  int

	// Feature flags
	FeatureSendExecute    bool
	FeatureContentPromote bool
}

// Load は.envファイル（あれば）と環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.BaseURL = strings.TrimRight(required("BASE_URL"), "/")
	cfg.AdminAPIToken = required("ADMIN_API_TOKEN")
	cfg.UnsubscribeSigningSecret = required("UNSUBSCRIBE_SIGNING_SECRET")
	cfg.ProviderSharedToken = required("PROVIDER_SHARED_TOKEN")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.UnsubscribeTokenTTL = getEnvDuration("UNSUBSCRIBE_TOKEN_TTL", 0)

	cfg.CivicAPIKey = getEnvString("CIVIC_API_KEY", "")
	cfg.CivicTimeout = getEnvDuration("CIVIC_TIMEOUT", 10*time.Second)

	cfg.DispatchMode = strings.ToLower(getEnvString("DISPATCH_MODE", DispatchModeWebhook))
	cfg.DispatchWebhookURL = getEnvString("DISPATCH_WEBHOOK_URL", "")
	cfg.DispatchTimeout = getEnvDuration("DISPATCH_TIMEOUT", 5*time.Second)
	cfg.AMQPURL = getEnvString("AMQP_URL", "")
	cfg.AMQPExchange = getEnvString("AMQP_EXCHANGE", "civicmail")
	cfg.AMQPRoutingKey = getEnvString("AMQP_ROUTING_KEY", "send.batch")
	cfg.AMQPQueue = getEnvString("AMQP_QUEUE", "civicmail.send")

	cfg.MaxSendPerRun = getEnvInt("MAX_SEND_PER_RUN", 100)
	cfg.WorkerInterval = getEnvDuration("WORKER_INTERVAL", time.Minute)
	cfg.WorkerMaxConcurrent = getEnvInt("WORKER_MAX_CONCURRENT", 4)
	cfg.WorkerDispatchPerSecond = getEnvFloat("WORKER_DISPATCH_PER_SECOND", 0)
	cfg.FeedFetchTimeout = getEnvDuration("FEED_FETCH_TIMEOUT", 10*time.Second)
	cfg.DeliveryRetentionDays = getEnvInt("DELIVERY_RETENTION_DAYS", 180)
	cfg.StagingTTLDays = getEnvInt("STAGING_TTL_DAYS", 14)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSignup = getEnvInt("RATE_LIMIT_SIGNUP", 5)

	cfg.FeatureSendExecute = getEnvFlag("FEATURE_SEND_EXECUTE", true)
	cfg.FeatureContentPromote = getEnvFlag("FEATURE_CONTENT_PROMOTE", true)

	switch cfg.DispatchMode {
	case DispatchModeWebhook:
	case DispatchModeAMQP:
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("AMQP_URL is required when DISPATCH_MODE=%s", DispatchModeAMQP)
		}
	default:
		return nil, fmt.Errorf("unknown DISPATCH_MODE %q (want %s or %s)", cfg.DispatchMode, DispatchModeWebhook, DispatchModeAMQP)
	}

	return cfg, nil
}

// loadDotEnv はENV_FILE（既定は.env）を読み込む。既に設定済みの環境変数は上書きしない。
func loadDotEnv() error {
	path := getEnvString("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvFlag は0/false/offを無効、それ以外の値を有効とみなす。
func getEnvFlag(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(v) {
	case "0", "false", "off":
		return false
	default:
		return true
	}
}
