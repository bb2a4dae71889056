package postgres

import (
	"fmt"
	"unicode/utf8"

	"github.com/jinford/embed-worker/internal/core/embedding"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"
)

// maxErrorMessageLength は error_message カラムに保存する最大文字数
const maxErrorMessageLength = 1000

// VectorToPgvector converts embedding.Vector to pgvector.Vector
func VectorToPgvector(v embedding.Vector) pgvector.Vector {
	return pgvector.NewVector([]float32(v))
}

// PgtextToVector converts the text form of a nullable vector column to an optional embedding.Vector
func PgtextToVector(text *string) (mo.Option[embedding.Vector], error) {
	if text == nil {
		return mo.None[embedding.Vector](), nil
	}

	var v pgvector.Vector
	if err := v.Scan(*text); err != nil {
		return mo.None[embedding.Vector](), fmt.Errorf("failed to parse vector: %w", err)
	}
	return mo.Some(embedding.Vector(v.Slice())), nil
}

// TruncateMessage はエラーメッセージを保存可能な長さに切り詰めます
func TruncateMessage(s string) string {
	if utf8.RuneCountInString(s) <= maxErrorMessageLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxErrorMessageLength]) + "... (truncated)"
}
