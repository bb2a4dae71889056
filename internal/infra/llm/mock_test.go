package llm

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/jinford/embed-worker/internal/core/embedding"
)

// mockEmbedder はテスト用の Embedder
type mockEmbedder struct {
	mu        sync.Mutex
	calls     int
	embedFunc func(ctx context.Context, text string) (embedding.Vector, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.embedFunc != nil {
		return m.embedFunc(ctx, text)
	}
	return embedding.Vector{1, 2, 3}, nil
}

func (m *mockEmbedder) ModelName() string { return "mock-embedding" }

func (m *mockEmbedder) Dimension() int { return 3 }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
