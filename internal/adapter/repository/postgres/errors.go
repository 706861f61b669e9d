package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/V4T54L/tenancy/internal/domain"
)

const (
	codeUniqueViolation = "23505"
	codeDuplicateDB     = "42P04"
)

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) (code, table string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Table
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.TableName
	}
	return "", ""
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	code, table := sqlState(err)
	if code != codeUniqueViolation {
		return err
	}
	if table == "tenant_keys" {
		return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrConflict, err)
}

func isDuplicateDatabase(err error) bool {
	code, _ := sqlState(err)
	return code == codeDuplicateDB
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
