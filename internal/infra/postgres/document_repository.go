package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/jinford/embed-worker/internal/platform/database"
)

// reaperLockID はリース切れ回収を1インスタンスだけで実行するためのロックID
var reaperLockID = database.GenerateLockID("embed-worker", "reaper")

// DBTX は pgxpool.Pool と pgx.Tx の共通インターフェースです
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DocumentRepository は embedding.Repository インターフェースを実装する PostgreSQL リポジトリです
type DocumentRepository struct {
	db DBTX
	tx *database.TransactionProvider
}

// NewDocumentRepository は新しい DocumentRepository を作成します
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{
		db: pool,
		tx: database.NewTransactionProvider(pool),
	}
}

// コンパイル時の型チェック
var _ embedding.Repository = (*DocumentRepository)(nil)

const documentColumns = `id, content, embedding::text, status, attempts, error_message, claim_token,
	claimed_at, embedding_model, embedded_at, created_at, updated_at`

// schemaHint はマイグレーション前に実行された場合にその旨をエラーに付け加えます
func schemaHint(err error) error {
	if IsUndefinedTable(err) {
		return fmt.Errorf("documents table does not exist, run `embed-worker db migrate`: %w", err)
	}
	return err
}

func scanDocument(row pgx.Row) (*embedding.Document, error) {
	var (
		doc        embedding.Document
		status     string
		vectorText *string
	)
	err := row.Scan(
		&doc.ID,
		&doc.Content,
		&vectorText,
		&status,
		&doc.Attempts,
		&doc.ErrorMessage,
		&doc.ClaimToken,
		&doc.ClaimedAt,
		&doc.EmbeddingModel,
		&doc.EmbeddedAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Status = embedding.Status(status)
	doc.Embedding, err = PgtextToVector(vectorText)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ClaimPending は未処理ドキュメントを古い順にクレームします。
// FOR UPDATE SKIP LOCKED により、並行するポーリングが同じ行を取得することはありません。
func (r *DocumentRepository) ClaimPending(ctx context.Context, params embedding.ClaimParams) ([]*embedding.Document, error) {
	query := `
		WITH candidates AS (
			SELECT id
			FROM documents
			WHERE status = 'pending' AND embedding IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE documents d
		SET status = 'processing',
			claim_token = $2,
			claimed_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		FROM candidates c
		WHERE d.id = c.id
		RETURNING d.id, d.content, d.embedding::text, d.status, d.attempts, d.error_message, d.claim_token,
			d.claimed_at, d.embedding_model, d.embedded_at, d.created_at, d.updated_at
	`

	rows, err := r.db.Query(ctx, query, params.Limit, params.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending documents: %w", schemaHint(err))
	}
	defer rows.Close()

	var docs []*embedding.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed documents: %w", err)
	}

	// RETURNING の順序は保証されないため作成日時順に並べ直す
	slices.SortFunc(docs, func(a, b *embedding.Document) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return docs, nil
}

// CompleteEmbedding はベクトルの保存と completed への遷移を1つの UPDATE で行います
func (r *DocumentRepository) CompleteEmbedding(ctx context.Context, params embedding.CompleteParams) error {
	query := `
		UPDATE documents
		SET embedding = $3,
			status = 'completed',
			embedding_model = $4,
			embedded_at = CURRENT_TIMESTAMP,
			claim_token = NULL,
			claimed_at = NULL,
			error_message = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`

	tag, err := r.db.Exec(ctx, query, params.DocumentID, params.Token, VectorToPgvector(params.Vector), params.Model)
	if err != nil {
		if IsDataException(err) {
			return fmt.Errorf("%w: %v", embedding.ErrDimensionMismatch, err)
		}
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", embedding.ErrClaimLost, params.DocumentID)
	}
	return nil
}

// ReleaseClaim はクレームを解放し、pending（またはリトライ上限到達時は failed）に戻します
func (r *DocumentRepository) ReleaseClaim(ctx context.Context, params embedding.ReleaseParams) (embedding.Status, error) {
	query := `
		UPDATE documents
		SET attempts = attempts + $3,
			status = CASE WHEN $4::int > 0 AND attempts + $3 >= $4::int THEN 'failed' ELSE 'pending' END,
			error_message = $5,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
		RETURNING status
	`

	increment := 0
	if params.MaxAttempts > 0 {
		increment = 1
	}

	var status string
	err := r.db.QueryRow(ctx, query,
		params.DocumentID,
		params.Token,
		increment,
		params.MaxAttempts,
		TruncateMessage(params.Reason),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", embedding.ErrClaimLost, params.DocumentID)
		}
		return "", fmt.Errorf("failed to release claim: %w", err)
	}

	return embedding.Status(status), nil
}

// MarkFailed は恒久的なエラーのドキュメントを failed にします（ベクトルは保存しません）
func (r *DocumentRepository) MarkFailed(ctx context.Context, documentID, token uuid.UUID, reason string) error {
	query := `
		UPDATE documents
		SET status = 'failed',
			attempts = attempts + 1,
			error_message = $3,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'
	`

	tag, err := r.db.Exec(ctx, query, documentID, token, TruncateMessage(reason))
	if err != nil {
		return fmt.Errorf("failed to mark document as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", embedding.ErrClaimLost, documentID)
	}
	return nil
}

// RequeueStale は leaseTimeout を超えて processing のままのドキュメントを pending に戻します。
// リース切れは試行回数に数え、maxAttempts に達したものは failed にします。
// アドバイザリロックを取得できなかった場合（他インスタンスが実行中）は何もしません。
func (r *DocumentRepository) RequeueStale(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (int, error) {
	query := `
		UPDATE documents
		SET attempts = attempts + CASE WHEN $2::int > 0 THEN 1 ELSE 0 END,
			status = CASE WHEN $2::int > 0 AND attempts + 1 >= $2::int THEN 'failed' ELSE 'pending' END,
			claim_token = NULL,
			claimed_at = NULL,
			error_message = 'claim lease expired',
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing'
			AND claimed_at < CURRENT_TIMESTAMP - make_interval(secs => $1)
	`

	return database.Transact(ctx, r.tx, func(a *database.Adapter) (int, error) {
		acquired, err := a.Locks.TryAcquire(ctx, reaperLockID)
		if err != nil {
			return 0, err
		}
		if !acquired {
			return 0, nil
		}

		tag, err := a.Tx.Exec(ctx, query, leaseTimeout.Seconds(), maxAttempts)
		if err != nil {
			return 0, fmt.Errorf("failed to requeue stale claims: %w", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

// RequeueFailed は failed のドキュメントを試行回数をリセットして pending に戻します
func (r *DocumentRepository) RequeueFailed(ctx context.Context) (int, error) {
	query := `
		UPDATE documents
		SET status = 'pending',
			attempts = 0,
			error_message = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'failed' AND embedding IS NULL
	`

	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed documents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus は状態ごとのドキュメント件数を返します
func (r *DocumentRepository) CountByStatus(ctx context.Context) (embedding.StatusCounts, error) {
	query := `
		SELECT status, COUNT(*)
		FROM documents
		GROUP BY status
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", schemaHint(err))
	}
	defer rows.Close()

	counts := embedding.StatusCounts{}
	for _, s := range embedding.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[embedding.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// CreateDocument は pending のドキュメントを登録します（運用・テスト用）
func (r *DocumentRepository) CreateDocument(ctx context.Context, content string) (*embedding.Document, error) {
	query := `
		INSERT INTO documents (content)
		VALUES ($1)
		RETURNING ` + documentColumns

	doc, err := scanDocument(r.db.QueryRow(ctx, query, content))
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

// GetDocument はIDでドキュメントを取得します
func (r *DocumentRepository) GetDocument(ctx context.Context, id uuid.UUID) (*embedding.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = $1
	`

	doc, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}
