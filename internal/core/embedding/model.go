package embedding

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Status はドキュメントのEmbedding処理状態を表す
type Status string

const (
	// StatusPending は未処理（Embedding未生成）
	StatusPending Status = "pending"
	// StatusProcessing はワーカーがクレーム済みで処理中
	StatusProcessing Status = "processing"
	// StatusCompleted はEmbedding保存済み
	StatusCompleted Status = "completed"
	// StatusFailed は恒久的なエラーまたはリトライ上限到達で処理を断念した状態
	StatusFailed Status = "failed"
)

// AllStatuses は集計表示用の状態一覧
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// IsValid は定義済みの状態かどうかを返す
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Vector はEmbeddingベクトル。一度生成したら変更しない
type Vector []float32

// Clone はベクトルのコピーを返す
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Document はEmbedding対象のドキュメント
type Document struct {
	ID             uuid.UUID
	Content        string
	Embedding      mo.Option[Vector]
	Status         Status
	Attempts       int
	ErrorMessage   *string
	ClaimToken     *uuid.UUID
	ClaimedAt      *time.Time
	EmbeddingModel *string
	EmbeddedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsProcessed はベクトルが保存済みかどうかを返す
func (d *Document) IsProcessed() bool {
	return d.Status == StatusCompleted && d.Embedding.IsPresent()
}

// ClaimParams はポーリング時のクレーム条件
type ClaimParams struct {
	// Limit は1回のポーリングで取得する最大件数
	Limit int
	// Token はこのポーリングサイクルのクレームトークン
	Token uuid.UUID
}

// ReleaseParams はクレーム解放時のパラメータ
type ReleaseParams struct {
	DocumentID uuid.UUID
	Token      uuid.UUID
	Reason     string
	// MaxAttempts に達した場合は pending ではなく failed に遷移する。
	// 0 以下の場合は試行回数を数えずに pending へ戻す（停止時の解放など）
	MaxAttempts int
}

// CompleteParams はEmbedding書き込み時のパラメータ
type CompleteParams struct {
	DocumentID uuid.UUID
	Token      uuid.UUID
	Vector     Vector
	Model      string
}

// StatusCounts は状態ごとのドキュメント件数
type StatusCounts map[Status]int

// Total は全件数を返す
func (c StatusCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}
