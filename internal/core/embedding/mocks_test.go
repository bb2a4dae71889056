package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{AddSource: false}))
}

// memRepository は行ロック相当のクレームを再現するインメモリの Repository
type memRepository struct {
	mu    sync.Mutex
	docs  map[uuid.UUID]*Document
	order []uuid.UUID
	now   time.Time

	claimErr      error
	claimErrTimes int
	completeErr   error
	claimCalls    int
}

func newMemRepository() *memRepository {
	return &memRepository{
		docs: make(map[uuid.UUID]*Document),
		now:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memRepository) add(content string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.docs[id] = &Document{
		ID:        id,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: r.now.Add(time.Duration(len(r.order)) * time.Second),
	}
	r.order = append(r.order, id)
	return id
}

func (r *memRepository) get(id uuid.UUID) Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.docs[id]
}

func (r *memRepository) update(id uuid.UUID, fn func(*Document)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.docs[id])
}

func (r *memRepository) ClaimPending(ctx context.Context, params ClaimParams) ([]*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claimCalls++
	if r.claimErrTimes > 0 {
		r.claimErrTimes--
		return nil, r.claimErr
	}

	var claimed []*Document
	for _, id := range r.order {
		if len(claimed) >= params.Limit {
			break
		}
		doc := r.docs[id]
		if doc.Status != StatusPending || doc.Embedding.IsPresent() {
			continue
		}
		token := params.Token
		claimedAt := r.now
		doc.Status = StatusProcessing
		doc.ClaimToken = &token
		doc.ClaimedAt = &claimedAt

		cp := *doc
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *memRepository) checkClaim(id, token uuid.UUID) (*Document, error) {
	doc, ok := r.docs[id]
	if !ok || doc.Status != StatusProcessing || doc.ClaimToken == nil || *doc.ClaimToken != token {
		return nil, ErrClaimLost
	}
	return doc, nil
}

func (r *memRepository) CompleteEmbedding(ctx context.Context, params CompleteParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completeErr != nil {
		return r.completeErr
	}
	doc, err := r.checkClaim(params.DocumentID, params.Token)
	if err != nil {
		return err
	}

	model := params.Model
	embeddedAt := r.now
	doc.Embedding = mo.Some(params.Vector.Clone())
	doc.Status = StatusCompleted
	doc.EmbeddingModel = &model
	doc.EmbeddedAt = &embeddedAt
	doc.ClaimToken = nil
	doc.ClaimedAt = nil
	doc.ErrorMessage = nil
	return nil
}

func (r *memRepository) ReleaseClaim(ctx context.Context, params ReleaseParams) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.checkClaim(params.DocumentID, params.Token)
	if err != nil {
		return "", err
	}

	reason := params.Reason
	doc.Status = StatusPending
	if params.MaxAttempts > 0 {
		doc.Attempts++
		if doc.Attempts >= params.MaxAttempts {
			doc.Status = StatusFailed
		}
	}
	doc.ErrorMessage = &reason
	doc.ClaimToken = nil
	doc.ClaimedAt = nil
	return doc.Status, nil
}

func (r *memRepository) MarkFailed(ctx context.Context, documentID, token uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.checkClaim(documentID, token)
	if err != nil {
		return err
	}
	doc.Attempts++
	doc.Status = StatusFailed
	doc.ErrorMessage = &reason
	doc.ClaimToken = nil
	doc.ClaimedAt = nil
	return nil
}

func (r *memRepository) RequeueStale(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, doc := range r.docs {
		if doc.Status == StatusProcessing && doc.ClaimedAt != nil && doc.ClaimedAt.Before(r.now.Add(-leaseTimeout)) {
			doc.Status = StatusPending
			if maxAttempts > 0 {
				doc.Attempts++
				if doc.Attempts >= maxAttempts {
					doc.Status = StatusFailed
				}
			}
			doc.ClaimToken = nil
			doc.ClaimedAt = nil
			count++
		}
	}
	return count, nil
}

func (r *memRepository) RequeueFailed(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, doc := range r.docs {
		if doc.Status == StatusFailed && doc.Embedding.IsAbsent() {
			doc.Status = StatusPending
			doc.Attempts = 0
			count++
		}
	}
	return count, nil
}

func (r *memRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := StatusCounts{}
	for _, doc := range r.docs {
		counts[doc.Status]++
	}
	return counts, nil
}

var _ Repository = (*memRepository)(nil)

// stubEmbedder はテキストごとの応答を差し替えられる Embedder
type stubEmbedder struct {
	mu        sync.Mutex
	dimension int
	calls     map[string]int
	embedFunc func(ctx context.Context, text string) (Vector, error)
}

func newStubEmbedder(dimension int) *stubEmbedder {
	return &stubEmbedder{dimension: dimension, calls: make(map[string]int)}
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	e.mu.Lock()
	e.calls[text]++
	e.mu.Unlock()

	if e.embedFunc != nil {
		return e.embedFunc(ctx, text)
	}
	return make(Vector, e.dimension), nil
}

func (e *stubEmbedder) ModelName() string { return "stub-embedding" }

func (e *stubEmbedder) Dimension() int { return e.dimension }

func (e *stubEmbedder) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

var _ Embedder = (*stubEmbedder)(nil)

// fakeClock は待機時間を記録し、実際には待たない Clock
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

type fixedTokenCounter struct{ tokens int }

func (c fixedTokenCounter) CountTokens(string) int { return c.tokens }

var errBoom = errors.New("boom")
