package embedding

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxTokens は text-embedding-3-* の入力トークン上限
const DefaultMaxTokens = 8191

// TextValidator はモデルへ送信する前に入力テキストを検証する
type TextValidator struct {
	counter   TokenCounter
	maxTokens int
}

// NewTextValidator は TextValidator を作成する。
// counter が nil の場合は文字数ベースの推定値で上限を判定する。
func NewTextValidator(counter TokenCounter, maxTokens int) *TextValidator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &TextValidator{counter: counter, maxTokens: maxTokens}
}

// MaxTokens はトークン上限を返す
func (v *TextValidator) MaxTokens() int {
	return v.maxTokens
}

// Validate は空文字列・不正なUTF-8・トークン上限超過を ErrInvalidText として返す
func (v *TextValidator) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidText)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidText)
	}

	tokens := v.countTokens(text)
	if tokens > v.maxTokens {
		return fmt.Errorf("%w: text has %d tokens (max %d)", ErrInvalidText, tokens, v.maxTokens)
	}
	return nil
}

func (v *TextValidator) countTokens(text string) int {
	if v.counter != nil {
		return v.counter.CountTokens(text)
	}
	return EstimateTokens(text)
}

// EstimateTokens はテキストの推定トークン数を返す（3文字で1トークン）
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 3
}
