package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/jinford/embed-worker/internal/core/embedding"
	"golang.org/x/time/rate"
)

// ThrottledEmbedder はレート制限付きの Embedder
type ThrottledEmbedder struct {
	inner   embedding.Embedder
	limiter *rate.Limiter
	rpm     int
}

// NewThrottledEmbedder はレート制限付きの Embedder を作成する。
// バーストは1秒あたりの平均リクエスト数（最低1）とする。
func NewThrottledEmbedder(inner embedding.Embedder, maxRequestsPerMinute int) *ThrottledEmbedder {
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 1
	}
	burst := max(maxRequestsPerMinute/60, 1)

	return &ThrottledEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxRequestsPerMinute)), burst),
		rpm:     maxRequestsPerMinute,
	}
}

// Embed はレート制限に従って Embedding API を呼び出す
func (t *ThrottledEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return t.inner.Embed(ctx, text)
}

// ModelName はモデル名を返す
func (t *ThrottledEmbedder) ModelName() string { return t.inner.ModelName() }

// Dimension はベクトル次元数を返す
func (t *ThrottledEmbedder) Dimension() int { return t.inner.Dimension() }

// Status は現在の状態を返す（デバッグ・監視用）
func (t *ThrottledEmbedder) Status() RateLimiterStatus {
	return RateLimiterStatus{
		MaxRequestsPerMinute: t.rpm,
		Burst:                t.limiter.Burst(),
		AvailableTokens:      t.limiter.Tokens(),
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	Burst                int
	AvailableTokens      float64
}

// String はステータスを文字列表現で返す
func (s RateLimiterStatus) String() string {
	return fmt.Sprintf(
		"RateLimiter: max=%d/min, burst=%d, available=%.0f",
		s.MaxRequestsPerMinute,
		s.Burst,
		s.AvailableTokens,
	)
}

var _ embedding.Embedder = (*ThrottledEmbedder)(nil)
