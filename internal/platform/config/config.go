package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrMissingEnv は必須の環境変数が設定されていない場合のエラー
	ErrMissingEnv = errors.New("required environment variable not set")

	// ErrInvalidEnv は環境変数の値が解釈できない場合のエラー
	ErrInvalidEnv = errors.New("invalid environment variable")
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings用）
	OpenAI OpenAIConfig

	// Embedding API 呼び出しの制御
	Embedding EmbeddingConfig

	// ポーリングワーカー設定
	Worker WorkerConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	URL        string
	ServiceKey string // 接続ユーザーのパスワード（サービスロールの資格情報）
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	EmbeddingModel     string
	EmbeddingDimension int
}

// EmbeddingConfig は Embedding API 呼び出しのタイムアウト・リトライ・流量制御
type EmbeddingConfig struct {
	Timeout            time.Duration
	MaxRetries         int
	MaxTokens          int
	RateLimitPerMinute int
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// WorkerConfig はポーリングループの設定
type WorkerConfig struct {
	BatchSize      int
	IdleInterval   time.Duration
	MaxAttempts    int
	LeaseTimeout   time.Duration
	ShutdownGrace  time.Duration
	ReaperSchedule string
	// MaxRetryBackoff は一時的なエラーが続く間のポーリング間隔の上限
	MaxRetryBackoff time.Duration
}

// LogConfig はロガーの設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	p := &parser{}
	cfg := &Config{
		Database: DatabaseConfig{
			URL:        getEnv("DATABASE_URL", ""),
			ServiceKey: getEnv("DATABASE_SERVICE_KEY", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: p.getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
		},
		Embedding: EmbeddingConfig{
			Timeout:            p.getEnvAsDuration("EMBEDDING_TIMEOUT", 30*time.Second),
			MaxRetries:         p.getEnvAsInt("EMBEDDING_MAX_RETRIES", 3),
			MaxTokens:          p.getEnvAsInt("EMBEDDING_MAX_TOKENS", 8191),
			RateLimitPerMinute: p.getEnvAsInt("EMBEDDING_RATE_LIMIT_RPM", 3000),
			BreakerMaxFailures: p.getEnvAsInt("CIRCUIT_BREAKER_MAX_FAILURES", 5),
			BreakerTimeout:     p.getEnvAsDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			BatchSize:       p.getEnvAsInt("WORKER_BATCH_SIZE", 10),
			IdleInterval:    p.getEnvAsDuration("WORKER_IDLE_INTERVAL", 10*time.Second),
			MaxAttempts:     p.getEnvAsInt("WORKER_MAX_ATTEMPTS", 5),
			LeaseTimeout:    p.getEnvAsDuration("WORKER_LEASE_TIMEOUT", 10*time.Minute),
			ShutdownGrace:   p.getEnvAsDuration("WORKER_SHUTDOWN_GRACE", 30*time.Second),
			ReaperSchedule:  getEnv("REAPER_SCHEDULE", "@every 1m"),
			MaxRetryBackoff: p.getEnvAsDuration("WORKER_MAX_RETRY_BACKOFF", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は必須項目と値の範囲を検証します。
// 不足している環境変数はまとめて1つのエラーで報告します。
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Database.ServiceKey == "" {
		missing = append(missing, "DATABASE_SERVICE_KEY")
	}
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	var errs []error
	if c.OpenAI.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("%w: OPENAI_EMBEDDING_DIMENSION must be positive", ErrInvalidEnv))
	}
	if c.Embedding.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: EMBEDDING_TIMEOUT must be positive", ErrInvalidEnv))
	}
	if c.Embedding.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: EMBEDDING_MAX_RETRIES must not be negative", ErrInvalidEnv))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: WORKER_BATCH_SIZE must be positive", ErrInvalidEnv))
	}
	if c.Worker.IdleInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: WORKER_IDLE_INTERVAL must be positive", ErrInvalidEnv))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: WORKER_MAX_ATTEMPTS must be positive", ErrInvalidEnv))
	}
	return errors.Join(errs...)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser は数値・期間の解釈エラーを蓄積します
type parser struct {
	errs []error
}

// getEnvAsInt は環境変数を整数として取得します
func (p *parser) getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidEnv, key, valueStr))
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "10s", "5m"）
func (p *parser) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidEnv, key, valueStr))
		return defaultValue
	}
	return value
}
