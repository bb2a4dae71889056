package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgErrCodeUndefinedTable  = "42P01"
	pgErrCodeCheckViolation  = "23514"
	pgErrCodeInvalidTextRepr = "22P02"
	pgErrCodeDataException   = "22000"
)

// IsUndefinedTable は documents テーブルが未作成（マイグレーション前）かどうかを判定します
func IsUndefinedTable(err error) bool {
	return hasCode(err, pgErrCodeUndefinedTable)
}

// IsCheckViolation は CHECK 制約違反（例: completed なのにベクトルがない）かどうかを判定します
func IsCheckViolation(err error) bool {
	return hasCode(err, pgErrCodeCheckViolation)
}

// IsDataException はベクトル次元数の不一致など、値が列に収まらない場合かどうかを判定します
func IsDataException(err error) bool {
	return hasCode(err, pgErrCodeDataException) || hasCode(err, pgErrCodeInvalidTextRepr)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
