package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig はサーキットブレーカーの設定
type CircuitBreakerConfig struct {
	// MaxFailures は回路を開くまでの連続失敗回数
	MaxFailures uint32
	// Timeout は open から half-open へ移るまでの時間
	Timeout time.Duration
	// Interval は closed 状態で失敗回数をリセットする周期
	Interval time.Duration
}

// CircuitBreakerEmbedder は Embedder をサーキットブレーカーで保護する。
// 連続して一時的なエラーが続くと回路が開き、API を呼ばずに即座に失敗する。
type CircuitBreakerEmbedder struct {
	inner   embedding.Embedder
	breaker *gobreaker.CircuitBreaker[embedding.Vector]
}

// NewCircuitBreakerEmbedder は inner をサーキットブレーカーで包む。ゼロ値の設定項目はデフォルト値を使う
func NewCircuitBreakerEmbedder(inner embedding.Embedder, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[embedding.Vector](gobreaker.Settings{
		Name:        "embedding:" + inner.ModelName(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// 入力起因のエラーやキャンセルはAPIの障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil ||
				embedding.IsPermanent(err) ||
				errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerEmbedder{
		inner:   inner,
		breaker: cb,
	}
}

// Embed はサーキットブレーカー経由で Embedding を生成する
func (c *CircuitBreakerEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	vector, err := c.breaker.Execute(func() (embedding.Vector, error) {
		return c.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit %q open: %v", embedding.ErrEmbeddingUnavailable, c.breaker.Name(), err)
		}
		return nil, err
	}
	return vector, nil
}

// ModelName はモデル名を返す
func (c *CircuitBreakerEmbedder) ModelName() string { return c.inner.ModelName() }

// Dimension はベクトル次元数を返す
func (c *CircuitBreakerEmbedder) Dimension() int { return c.inner.Dimension() }

// State returns the current circuit breaker state for monitoring.
func (c *CircuitBreakerEmbedder) State() gobreaker.State {
	return c.breaker.State()
}

var _ embedding.Embedder = (*CircuitBreakerEmbedder)(nil)
