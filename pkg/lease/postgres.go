package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps builder state in a single JSONB-backed table. Update
// runs inside a transaction with the row locked FOR UPDATE, which gives the
// read-check-write atomicity the lease protocol requires.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS builder_state (
    name TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM builder_state WHERE name=$1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return *newState(name), nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("parse state record for %q: %w", name, err)
	}
	return st, nil
}

func (s *PostgresStore) Update(ctx context.Context, name string, fn func(st *State) error) (State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, err
	}
	defer tx.Rollback()

	st := newState(name)
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM builder_state WHERE name=$1 FOR UPDATE`, name).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return State{}, err
	}
	if err == nil {
		if err := json.Unmarshal(raw, st); err != nil {
			return State{}, fmt.Errorf("parse state record for %q: %w", name, err)
		}
	}

	if err := fn(st); err != nil {
		return State{}, err
	}
	st.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(st)
	if err != nil {
		return State{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO builder_state (name, data, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (name) DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`,
		name, payload, st.UpdatedAt)
	if err != nil {
		return State{}, err
	}
	if err := tx.Commit(); err != nil {
		return State{}, err
	}
	return *st, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM builder_state WHERE name=$1`, name)
	return err
}

var _ Store = (*PostgresStore)(nil)
