package openai

import (
	"fmt"

	"github.com/jinford/embed-worker/internal/core/embedding"
	"github.com/pkoukk/tiktoken-go"
)

// EmbeddingEncoding は text-embedding-3-* が使うトークナイザ
const EmbeddingEncoding = "cl100k_base"

// TokenCounter は tiktoken を利用した embedding.TokenCounter 実装
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は cl100k_base のトークンカウンタを作成する。
// 初回はエンコーディング定義の取得が必要なため失敗しうる。
func NewTokenCounter() (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(EmbeddingEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
	}
	return &TokenCounter{encoding: enc}, nil
}

// CountTokens はテキストのトークン数を返す
func (t *TokenCounter) CountTokens(text string) int {
	if t.encoding == nil {
		return embedding.EstimateTokens(text)
	}
	return len(t.encoding.Encode(text, nil, nil))
}

var _ embedding.TokenCounter = (*TokenCounter)(nil)
