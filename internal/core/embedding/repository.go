package embedding

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository はドキュメントストアへのアクセスを抽象化する
type Repository interface {
	// ClaimPending は未処理ドキュメントを作成日時の古い順に最大 Limit 件クレームして返す。
	// 同じドキュメントを2つのポーリングサイクルに返してはならない。
	ClaimPending(ctx context.Context, params ClaimParams) ([]*Document, error)

	// CompleteEmbedding はベクトル保存と completed への遷移を1回の更新で行う。
	// クレームが失効している場合は ErrClaimLost を返す。
	CompleteEmbedding(ctx context.Context, params CompleteParams) error

	// ReleaseClaim は一時的な失敗のあとでクレームを解放し、再ポーリング可能にする
	ReleaseClaim(ctx context.Context, params ReleaseParams) (Status, error)

	// MarkFailed は恒久的なエラーのドキュメントを failed にする
	MarkFailed(ctx context.Context, documentID, token uuid.UUID, reason string) error

	// RequeueStale は leaseTimeout より長く processing のままのドキュメントを pending に戻す。
	// リース切れは1回の試行として数え、maxAttempts に達したものは failed にする。
	// maxAttempts が 0 以下なら試行回数は数えない。
	RequeueStale(ctx context.Context, leaseTimeout time.Duration, maxAttempts int) (int, error)

	// RequeueFailed は failed のドキュメントを pending に戻す
	RequeueFailed(ctx context.Context) (int, error)

	// CountByStatus は状態ごとの件数を返す
	CountByStatus(ctx context.Context) (StatusCounts, error)
}
