package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"harvestline/internal/db"
	"harvestline/internal/domain"
)

// Repo is the policy store. Writes that belong to a state change take the
// caller's transaction; reads without one go straight to the pool.
type Repo struct {
	DB     *sql.DB
	Driver db.Driver
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) conn(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Driver, query)
}

// BeginTx starts a transaction on the store.
func (r Repo) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.DB.BeginTx(ctx, nil)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
