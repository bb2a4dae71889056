package embedding

import "errors"

var (
	// ErrInvalidText は空文字列やトークン上限超過など、送信前に弾く入力エラー
	ErrInvalidText = errors.New("invalid document text")

	// ErrPermanent はモデルAPIが恒久的なエラーを返した場合のエラー（リトライしない）
	ErrPermanent = errors.New("permanent embedding error")

	// ErrDimensionMismatch はベクトル次元数がモデルの次元数と一致しない場合のエラー
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingUnavailable はリトライしても一時的なエラーが解消しなかった場合のエラー
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrClaimLost はクレームが既に失効している（再クレームされた）場合のエラー
	ErrClaimLost = errors.New("document claim lost")
)

// IsPermanent はリトライしても結果が変わらないエラーかどうかを判定する
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidText) ||
		errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrDimensionMismatch)
}
