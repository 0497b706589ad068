package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-tenant-orders/internal/logging"
	"github.com/ariefcatur/go-tenant-orders/internal/orders"
)

// Store implements orders.Store and tiers.Repository on Postgres.
type Store struct {
	db          DB
	read        queries
	lockTimeout time.Duration
	log         *zap.Logger
}

// NewStore wraps db. lockTimeout bounds how long any statement in a transaction waits for a row
// lock before failing as TRANSIENT; zero leaves the server default.
func NewStore(db DB, lockTimeout time.Duration, log *zap.Logger) *Store {
	return &Store{db: db, read: queries{q: db}, lockTimeout: lockTimeout, log: logging.OrNop(log)}
}

// queries holds every statement and runs them on either the pool or a transaction.
type queries struct {
	q querier
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return s.inTx(ctx, func(ctx context.Context, q queries) error {
		return fn(ctx, orderTx{q})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, q queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err, "", "begin transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				s.log.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if s.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
			return classify(err, "", "set lock timeout")
		}
	}

	if err = fn(ctx, queries{q: tx}); err != nil {
		return classify(err, "", "transaction")
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err, "", "commit")
	}
	return nil
}

// orderTx narrows queries to the orders.Tx method set.
type orderTx struct{ queries }

var _ orders.Tx = orderTx{}
var _ orders.Store = (*Store)(nil)
