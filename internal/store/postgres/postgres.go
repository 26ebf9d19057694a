// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/AnuragDani/ride-billing-engine/internal/database"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
	"github.com/AnuragDani/ride-billing-engine/internal/store"
)

// Store is the PostgreSQL store.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*pgTx)(nil)
)

// New wraps an open connection pool.
func New(db *database.DB) *Store {
	return &Store{db: db.Conn}
}

type pgTx struct {
	tx *sql.Tx
}

// WithTx runs fn in a READ COMMITTED transaction, committing only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr("commit transaction", err)
	}
	return nil
}

// mapErr converts driver errors into the engine's error taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Constraint, models.ErrConflict)
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "55P03", pqErr.Code == "57P01":
			return &models.TransientStorageError{Op: op, Err: err}
		case strings.HasPrefix(string(pqErr.Code), "08"):
			return &models.TransientStorageError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return &models.TransientStorageError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

func fromJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
