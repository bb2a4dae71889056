package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/jinford/embed-worker/internal/platform/database"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDimension = 3

// startPostgres は pgvector 入りの PostgreSQL コンテナを起動し、スキーマ適用済みのプールを返す
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dockerPool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	if err := dockerPool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	resource, err := dockerPool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "pg16",
		Env: []string{
			"POSTGRES_USER=embed",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=embed_test",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dockerPool.Purge(resource)
	})
	_ = resource.Expire(300)

	url := fmt.Sprintf("postgres://embed@localhost:%s/embed_test?sslmode=disable", resource.GetPort("5432/tcp"))

	ctx := context.Background()
	var db *database.Database
	dockerPool.MaxWait = 2 * time.Minute
	err = dockerPool.Retry(func() error {
		var err error
		db, err = database.New(ctx, database.ConnectionParams{URL: url, Password: "secret"})
		return err
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, database.Migrate(ctx, database.NewTransactionProvider(db.Pool), testDimension))

	return db.Pool
}

func resetDocuments(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), "TRUNCATE documents")
	require.NoError(t, err)
}

func TestDocumentRepository_Integration(t *testing.T) {
	pool := startPostgres(t)
	repo := NewDocumentRepository(pool)
	ctx := context.Background()

	t.Run("claim returns oldest pending first and marks processing", func(t *testing.T) {
		resetDocuments(t, pool)
		first, err := repo.CreateDocument(ctx, "first")
		require.NoError(t, err)
		second, err := repo.CreateDocument(ctx, "second")
		require.NoError(t, err)
		_, err = repo.CreateDocument(ctx, "third")
		require.NoError(t, err)

		token := uuid.New()
		docs, err := repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 2, Token: token})
		require.NoError(t, err)
		require.Len(t, docs, 2)

		assert.Equal(t, first.ID, docs[0].ID)
		assert.Equal(t, second.ID, docs[1].ID)
		for _, doc := range docs {
			assert.Equal(t, embedding.StatusProcessing, doc.Status)
			require.NotNil(t, doc.ClaimToken)
			assert.Equal(t, token, *doc.ClaimToken)
			assert.NotNil(t, doc.ClaimedAt)
			assert.True(t, doc.Embedding.IsAbsent())
		}
	})

	t.Run("claim on empty table returns nothing", func(t *testing.T) {
		resetDocuments(t, pool)
		docs, err := repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 10, Token: uuid.New()})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("concurrent claims are disjoint", func(t *testing.T) {
		resetDocuments(t, pool)
		for i := range 40 {
			_, err := repo.CreateDocument(ctx, fmt.Sprintf("doc-%d", i))
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[uuid.UUID]int)
			wg   sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					docs, err := repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 3, Token: uuid.New()})
					if !assert.NoError(t, err) || len(docs) == 0 {
						return
					}
					mu.Lock()
					for _, doc := range docs {
						seen[doc.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 40)
		for id, n := range seen {
			assert.Equal(t, 1, n, "document %s claimed more than once", id)
		}
	})

	t.Run("complete stores the vector and clears the claim", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "hello")
		require.NoError(t, err)

		token := uuid.New()
		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: token})
		require.NoError(t, err)

		err = repo.CompleteEmbedding(ctx, embedding.CompleteParams{
			DocumentID: created.ID,
			Token:      token,
			Vector:     embedding.Vector{0.1, 0.2, 0.3},
			Model:      "text-embedding-3-small",
		})
		require.NoError(t, err)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, doc.IsProcessed())
		assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, []float32(doc.Embedding.MustGet()), 1e-6)
		assert.Nil(t, doc.ClaimToken)
		require.NotNil(t, doc.EmbeddingModel)
		assert.Equal(t, "text-embedding-3-small", *doc.EmbeddingModel)

		// 完了済みは再度クレームされない
		docs, err := repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 10, Token: uuid.New()})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("complete with a foreign token reports claim lost", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "hello")
		require.NoError(t, err)
		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: uuid.New()})
		require.NoError(t, err)

		err = repo.CompleteEmbedding(ctx, embedding.CompleteParams{
			DocumentID: created.ID,
			Token:      uuid.New(),
			Vector:     embedding.Vector{1, 2, 3},
			Model:      "m",
		})
		assert.ErrorIs(t, err, embedding.ErrClaimLost)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, doc.IsProcessed())
	})

	t.Run("complete with wrong dimension is a dimension mismatch", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "hello")
		require.NoError(t, err)
		token := uuid.New()
		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: token})
		require.NoError(t, err)

		err = repo.CompleteEmbedding(ctx, embedding.CompleteParams{
			DocumentID: created.ID,
			Token:      token,
			Vector:     embedding.Vector{1, 2},
			Model:      "m",
		})
		assert.ErrorIs(t, err, embedding.ErrDimensionMismatch)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusProcessing, doc.Status)
		assert.True(t, doc.Embedding.IsAbsent())
	})

	t.Run("release counts attempts and fails at the limit", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "flaky")
		require.NoError(t, err)

		for attempt := 1; attempt <= 2; attempt++ {
			token := uuid.New()
			docs, err := repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: token})
			require.NoError(t, err)
			require.Len(t, docs, 1)

			status, err := repo.ReleaseClaim(ctx, embedding.ReleaseParams{
				DocumentID:  created.ID,
				Token:       token,
				Reason:      "rate limited",
				MaxAttempts: 2,
			})
			require.NoError(t, err)

			if attempt < 2 {
				assert.Equal(t, embedding.StatusPending, status)
			} else {
				assert.Equal(t, embedding.StatusFailed, status)
			}
		}

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, doc.Attempts)
		require.NotNil(t, doc.ErrorMessage)
		assert.Equal(t, "rate limited", *doc.ErrorMessage)
	})

	t.Run("release without counting keeps attempts", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "shutdown")
		require.NoError(t, err)
		token := uuid.New()
		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: token})
		require.NoError(t, err)

		status, err := repo.ReleaseClaim(ctx, embedding.ReleaseParams{DocumentID: created.ID, Token: token, Reason: "shutdown"})
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusPending, status)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, doc.Attempts)
	})

	t.Run("release with a foreign token reports claim lost", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "x")
		require.NoError(t, err)

		_, err = repo.ReleaseClaim(ctx, embedding.ReleaseParams{DocumentID: created.ID, Token: uuid.New(), MaxAttempts: 3})
		assert.ErrorIs(t, err, embedding.ErrClaimLost)
	})

	t.Run("mark failed and requeue failed", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "bad")
		require.NoError(t, err)
		token := uuid.New()
		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: token})
		require.NoError(t, err)

		require.NoError(t, repo.MarkFailed(ctx, created.ID, token, "text is empty"))

		counts, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[embedding.StatusFailed])
		assert.Equal(t, 0, counts[embedding.StatusPending])

		n, err := repo.RequeueFailed(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusPending, doc.Status)
		assert.Equal(t, 0, doc.Attempts)
		assert.Nil(t, doc.ErrorMessage)
	})

	t.Run("requeue stale returns expired claims to pending", func(t *testing.T) {
		resetDocuments(t, pool)
		stale, err := repo.CreateDocument(ctx, "stale")
		require.NoError(t, err)
		fresh, err := repo.CreateDocument(ctx, "fresh")
		require.NoError(t, err)

		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 2, Token: uuid.New()})
		require.NoError(t, err)
		_, err = pool.Exec(ctx, "UPDATE documents SET claimed_at = claimed_at - interval '1 hour' WHERE id = $1", stale.ID)
		require.NoError(t, err)

		n, err := repo.RequeueStale(ctx, 10*time.Minute, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		doc, err := repo.GetDocument(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusPending, doc.Status)
		assert.Equal(t, 1, doc.Attempts)
		assert.Nil(t, doc.ClaimToken)

		doc, err = repo.GetDocument(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusProcessing, doc.Status)
		assert.Equal(t, 0, doc.Attempts)
	})

	t.Run("requeue stale fails documents at max attempts", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "crashes the worker")
		require.NoError(t, err)

		_, err = repo.ClaimPending(ctx, embedding.ClaimParams{Limit: 1, Token: uuid.New()})
		require.NoError(t, err)
		_, err = pool.Exec(ctx, "UPDATE documents SET attempts = 2, claimed_at = claimed_at - interval '1 hour' WHERE id = $1", created.ID)
		require.NoError(t, err)

		n, err := repo.RequeueStale(ctx, 10*time.Minute, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		doc, err := repo.GetDocument(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, embedding.StatusFailed, doc.Status)
		assert.Equal(t, 3, doc.Attempts)
		assert.Nil(t, doc.ClaimToken)
		require.NotNil(t, doc.ErrorMessage)
		assert.Equal(t, "claim lease expired", *doc.ErrorMessage)
	})

	t.Run("schema rejects completed without vector", func(t *testing.T) {
		resetDocuments(t, pool)
		created, err := repo.CreateDocument(ctx, "x")
		require.NoError(t, err)

		_, err = pool.Exec(ctx, "UPDATE documents SET status = 'completed' WHERE id = $1", created.ID)
		require.Error(t, err)
		assert.True(t, IsCheckViolation(err))
	})
}
