package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hitoshi/skeetman/internal/model"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// Rate Limit（req/min/client）
	RateLimitGeneral int
	RateLimitAction  int

	// Scheduler（永続化設定のデフォルト値）
	ScheduleTime        string
	TimeZone            string
	GraceWindowMinutes  int
	RandomOffsetMinutes int
	PostRetries         int
	PostBackoffMs       int
	PostBackoffMaxMs    int

	// Scheduler（プロセス設定）
	SchedulerEnabled       bool
	SchedulerDiscardMode   bool
	SchedulerBatchSize     int
	SchedulerMaxConcurrent int

	// SchedulerControlTimeout はAPIプロセスから別プロセスのスケジューラを再起動する際の応答待ち時間。
	SchedulerControlTimeout time.Duration

	// Engagement
	EngagementActiveMinInterval time.Duration
	EngagementIdleMinInterval   time.Duration
	ClientIdleThreshold         time.Duration
	EngagementBatchSize         int
	EngagementAPIInterval       time.Duration

	// Presence
	RedisURL string

	// Platforms
	PlatformTimeout     time.Duration
	PlatformAllowHTTP   bool
	BlueskyServerURL    string
	BlueskyIdentifier   string
	BlueskyAppPassword  string
	MastodonAPIURL      string
	MastodonAccessToken string
	MastodonMaxChars    int
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む。既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAction = getEnvInt("RATE_LIMIT_ACTION", 10)

	cfg.ScheduleTime = getEnvString("SCHEDULE_TIME", "* * * * *")
	cfg.TimeZone = getEnvString("TIME_ZONE", "Europe/Berlin")
	cfg.GraceWindowMinutes = getEnvInt("SCHEDULER_GRACE_WINDOW_MINUTES", 10)
	cfg.RandomOffsetMinutes = getEnvInt("SCHEDULER_RANDOM_OFFSET_MINUTES", 0)
	cfg.PostRetries = getEnvInt("POST_RETRIES", 3)
	cfg.PostBackoffMs = getEnvInt("POST_BACKOFF_MS", 500)
	cfg.PostBackoffMaxMs = getEnvInt("POST_BACKOFF_MAX_MS", 4000)

	cfg.SchedulerEnabled = getEnvBool("SCHEDULER_ENABLED", true)
	cfg.SchedulerDiscardMode = getEnvBool("SCHEDULER_DISCARD_MODE", false)
	cfg.SchedulerBatchSize = getEnvInt("SCHEDULER_BATCH_SIZE", 10)
	cfg.SchedulerMaxConcurrent = getEnvInt("SCHEDULER_MAX_CONCURRENT", 4)
	cfg.SchedulerControlTimeout = getEnvMillis("SCHEDULER_CONTROL_TIMEOUT_MS", 30*time.Second)

	cfg.EngagementActiveMinInterval = getEnvMillis("ENGAGEMENT_ACTIVE_MIN_MS", 2*time.Minute)
	cfg.EngagementIdleMinInterval = getEnvMillis("ENGAGEMENT_IDLE_MIN_MS", 20*time.Minute)
	cfg.ClientIdleThreshold = getEnvMillis("CLIENT_IDLE_THRESHOLD_MS", 20*time.Minute)
	cfg.EngagementBatchSize = getEnvInt("ENGAGEMENT_BATCH_SIZE", 3)
	cfg.EngagementAPIInterval = getEnvDuration("ENGAGEMENT_API_INTERVAL", time.Second)

	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.PlatformTimeout = getEnvDuration("PLATFORM_TIMEOUT", 15*time.Second)
	cfg.PlatformAllowHTTP = getEnvBool("PLATFORM_ALLOW_HTTP", false)
	cfg.BlueskyServerURL = getEnvString("BLUESKY_SERVER_URL", "https://bsky.social")
	cfg.BlueskyIdentifier = getEnvString("BLUESKY_IDENTIFIER", "")
	cfg.BlueskyAppPassword = getEnvString("BLUESKY_APP_PASSWORD", "")
	cfg.MastodonAPIURL = getEnvString("MASTODON_API_URL", "")
	cfg.MastodonAccessToken = getEnvString("MASTODON_ACCESS_TOKEN", "")
	cfg.MastodonMaxChars = getEnvInt("MASTODON_MAX_CHARS", 500)

	return cfg, nil
}

// SchedulerDefaults は永続化設定が未保存の場合に使うスケジューラ設定を返す。
func (c *Config) SchedulerDefaults() model.SchedulerSettings {
	return model.SchedulerSettings{
		ScheduleTime:        c.ScheduleTime,
		TimeZone:            c.TimeZone,
		GraceWindowMinutes:  c.GraceWindowMinutes,
		RandomOffsetMinutes: c.RandomOffsetMinutes,
		PostRetries:         c.PostRetries,
		PostBackoffMs:       c.PostBackoffMs,
		PostBackoffMaxMs:    c.PostBackoffMaxMs,
	}
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvMillis はミリ秒単位の整数値をtime.Durationとして読む。
func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
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
