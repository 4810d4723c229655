// Package database implements PostgreSQL persistence for targets, snapshots,
// profiles, change records and the failure ledger.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jonesrussell/north-cloud/staffdir/internal/config"
)

const defaultPingTimeout = 5 * time.Second

// ErrNotFound is returned when a lookup or targeted update matches no row.
var ErrNotFound = errors.New("not found")

// Connect opens and pings a PostgreSQL pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	return db, nil
}

type txKey struct{}

// conn returns the transaction bound to ctx, or db.
func conn(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return db
}

// Store groups every repository over one pool.
type Store struct {
	*TargetRepository
	*SnapshotRepository
	*ProfileRepository
	*ChangeRepository
	*FailureRepository

	db *sqlx.DB
}

// NewStore builds a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		TargetRepository:   NewTargetRepository(db),
		SnapshotRepository: NewSnapshotRepository(db),
		ProfileRepository:  NewProfileRepository(db),
		ChangeRepository:   NewChangeRepository(db),
		FailureRepository:  NewFailureRepository(db),
		db:                 db,
	}
}

// Transact runs fn in a transaction. Repository calls made with the ctx
// passed to fn join it. Nested calls reuse the outer transaction.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execRequireRows turns a zero-row update into notFound.
func execRequireRows(result sql.Result, err, notFound error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return affectedErr
	}
	if n == 0 {
		return notFound
	}
	return nil
}
