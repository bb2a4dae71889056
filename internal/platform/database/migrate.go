package database

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"text/template"
)

//go:embed schema.sql
var schemaSQL string

var schemaTemplate = template.Must(template.New("schema").Parse(schemaSQL))

// migrationLockID は複数インスタンスが同時にマイグレーションしないためのロックID
var migrationLockID = GenerateLockID("embed-worker", "migrate")

// RenderSchema はベクトル次元数を埋め込んだスキーマDDLを返します
func RenderSchema(dimension int) (string, error) {
	if dimension <= 0 {
		return "", fmt.Errorf("invalid embedding dimension: %d", dimension)
	}

	var buf bytes.Buffer
	if err := schemaTemplate.Execute(&buf, struct{ Dimension int }{dimension}); err != nil {
		return "", fmt.Errorf("failed to render schema: %w", err)
	}
	return buf.String(), nil
}

// Migrate はスキーマを冪等に適用します
func Migrate(ctx context.Context, p *TransactionProvider, dimension int) error {
	ddl, err := RenderSchema(dimension)
	if err != nil {
		return err
	}

	_, err = Transact(ctx, p, func(a *Adapter) (struct{}, error) {
		if err := a.Locks.Acquire(ctx, migrationLockID); err != nil {
			return struct{}{}, err
		}
		if _, err := a.Tx.Exec(ctx, ddl); err != nil {
			return struct{}{}, fmt.Errorf("failed to apply schema: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}
