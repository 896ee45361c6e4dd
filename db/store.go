// Package db implements the relational store of the node on Postgres.
// Accessors are free functions over a Querier so that they compose inside
// one transaction; the Store owns the connection pool.
package db

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "db")

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx, so accessors run
// standalone or inside a transaction.
type Querier interface {
	sqlx.ExtContext
}

// Store owns the database connection pool.
type Store struct {
	db *sqlx.DB
}

// NewStore connects to Postgres, applies the schema and returns the
// store.
func NewStore(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to database")
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
	}
	store := &Store{db: conn}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStoreWithDB wraps an existing connection pool. No migration runs;
// callers that manage their own connection (tooling, tests) keep control
// of the schema.
func NewStoreWithDB(conn *sqlx.DB) *Store {
	return &Store{db: conn}
}

// DB exposes the underlying pool for read accessors.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
				log.WithError(err).Error("Could not roll back transaction")
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.WithError(rbErr).Error("Could not roll back transaction")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "could not commit transaction")
}

// IsNotFound reports whether err is the no-rows sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
