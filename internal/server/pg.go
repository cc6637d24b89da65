package server

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// pgBeginner is the slice of *pgxpool.Pool the stores need; tests can
// satisfy it without a database.
type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
