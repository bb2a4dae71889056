package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/jinford/embed-worker/internal/infra/llm"
	"github.com/jinford/embed-worker/internal/infra/openai"
	"github.com/jinford/embed-worker/internal/infra/postgres"
	"github.com/jinford/embed-worker/internal/platform/config"
	"github.com/jinford/embed-worker/internal/platform/database"
)

// ServiceContainer はワーカーと管理コマンドが使う依存関係を保持する
type ServiceContainer struct {
	Worker     *embedding.Worker
	Reaper     *embedding.StaleClaimReaper
	Documents  *postgres.DocumentRepository
	Embedder   embedding.Embedder
	Validator  *embedding.TextValidator
	TxProvider *database.TransactionProvider

	config   *config.Config
	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger       *slog.Logger
	embedder     embedding.Embedder
	tokenCounter embedding.TokenCounter
	clock        embedding.Clock
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する（レート制限・サーキットブレーカーは付与しない）
func WithContainerEmbedder(embedder embedding.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter embedding.TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.tokenCounter = counter
	}
}

// WithContainerClock はワーカーの Clock を差し替える
func WithContainerClock(clock embedding.Clock) ContainerOption {
	return func(opts *containerOptions) {
		opts.clock = clock
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		URL:      cfg.Database.URL,
		Password: cfg.Database.ServiceKey,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// TokenCounter (tiktoken)
	tokenCounter := options.tokenCounter
	if tokenCounter == nil {
		counter, err := openai.NewTokenCounter()
		if err != nil {
			// エンコーディングを取得できない環境では文字数ベースの推定で上限判定する
			options.logger.Warn("tiktoken の初期化に失敗したため推定トークン数を使用します", "error", err)
		} else {
			tokenCounter = counter
		}
	}
	validator := embedding.NewTextValidator(tokenCounter, cfg.Embedding.MaxTokens)

	// Embedder (OpenAI → レート制限 → サーキットブレーカー)
	embedder := options.embedder
	if embedder == nil {
		var err error
		embedder, err = newEmbedder(cfg, tokenCounter, options.logger)
		if err != nil {
			return nil, fmt.Errorf("Embedder 初期化に失敗しました: %w", err)
		}
	}

	// Repository (PostgreSQL)
	documents := postgres.NewDocumentRepository(db.Pool)

	worker := embedding.NewWorker(
		documents,
		embedder,
		embedding.WithWorkerLogger(options.logger),
		embedding.WithWorkerClock(options.clock),
		embedding.WithWorkerValidator(validator),
		embedding.WithWorkerConfig(&embedding.WorkerConfig{
			BatchSize:       cfg.Worker.BatchSize,
			IdleInterval:    cfg.Worker.IdleInterval,
			MaxAttempts:     cfg.Worker.MaxAttempts,
			ShutdownGrace:   cfg.Worker.ShutdownGrace,
			MaxRetryBackoff: cfg.Worker.MaxRetryBackoff,
		}),
	)

	reaper := embedding.NewStaleClaimReaper(documents, embedding.ReaperConfig{
		Schedule:     cfg.Worker.ReaperSchedule,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
		MaxAttempts:  cfg.Worker.MaxAttempts,
	}, options.logger)

	return &ServiceContainer{
		Worker:     worker,
		Reaper:     reaper,
		Documents:  documents,
		Embedder:   embedder,
		Validator:  validator,
		TxProvider: database.NewTransactionProvider(db.Pool),
		config:     cfg,
		logger:     options.logger,
		database:   db,
	}, nil
}

func newEmbedder(cfg *config.Config, counter embedding.TokenCounter, logger *slog.Logger) (embedding.Embedder, error) {
	opts := []openai.EmbedderOption{
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
		openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		openai.WithTimeout(cfg.Embedding.Timeout),
		openai.WithMaxRetries(cfg.Embedding.MaxRetries),
		openai.WithMaxTokens(cfg.Embedding.MaxTokens),
		openai.WithEmbedderLogger(logger),
	}
	if cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	if counter != nil {
		opts = append(opts, openai.WithTokenCounter(counter))
	}

	base, err := openai.NewEmbedder(cfg.OpenAI.APIKey, opts...)
	if err != nil {
		return nil, err
	}

	throttled := llm.NewThrottledEmbedder(base, cfg.Embedding.RateLimitPerMinute)
	return llm.NewCircuitBreakerEmbedder(throttled, llm.CircuitBreakerConfig{
		MaxFailures: uint32(max(cfg.Embedding.BreakerMaxFailures, 0)),
		Timeout:     cfg.Embedding.BreakerTimeout,
	}, logger), nil
}

// Config は設定を返す
func (c *ServiceContainer) Config() *config.Config {
	return c.config
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	return c.logger
}

// Migrate はスキーマを適用する
func (c *ServiceContainer) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, c.TxProvider, c.config.OpenAI.EmbeddingDimension)
}

// Close はリソースを解放する
func (c *ServiceContainer) Close() {
	if c.database != nil {
		c.database.Close()
	}
}
