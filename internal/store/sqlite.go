package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createModulesTable = `
CREATE TABLE IF NOT EXISTS modules (
    name       TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL
)`

const createInvocationsTable = `
CREATE TABLE IF NOT EXISTS invocations (
    id          TEXT PRIMARY KEY,
    module      TEXT NOT NULL,
    function    TEXT NOT NULL,
    driver      TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    inputs      TEXT NOT NULL,
    outputs     TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createInvocationsIndex = `
CREATE INDEX IF NOT EXISTS invocations_module ON invocations (module, created_at)`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dbPath and creates missing tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []struct{ what, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create modules table", createModulesTable},
		{"create invocations table", createInvocationsTable},
		{"create invocations index", createInvocationsIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutModule stores data under name, replacing any previous binary.
func (s *SQLiteStore) PutModule(ctx context.Context, name string, data []byte) (*Module, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modules (name, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		name, data, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert module: %w", err)
	}
	return &Module{Name: name, Data: data, Size: len(data), CreatedAt: now}, nil
}

func (s *SQLiteStore) GetModule(ctx context.Context, name string) (*Module, error) {
	m := &Module{}
	err := s.db.QueryRowContext(ctx,
		"SELECT name, data, created_at FROM modules WHERE name = ?", name,
	).Scan(&m.Name, &m.Data, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get module: %w", err)
	}
	m.Size = len(m.Data)
	return m, nil
}

// ListModules returns every module ordered by name. Data is left empty.
func (s *SQLiteStore) ListModules(ctx context.Context) ([]*Module, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, length(data), created_at FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var modules []*Module
	for rows.Next() {
		m := &Module{}
		if err := rows.Scan(&m.Name, &m.Size, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, nil
}

func (s *SQLiteStore) DeleteModule(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete module: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *Invocation) error {
	inputs, err := json.Marshal(nonNil(inv.Inputs))
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	outputs, err := json.Marshal(nonNil(inv.Outputs))
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invocations (
			id, module, function, driver, status, error,
			inputs, outputs, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Module, inv.Function, inv.Driver, inv.Status, inv.Error,
		string(inputs), string(outputs), inv.DurationMS, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

const selectInvocation = `SELECT id, module, function, driver, status, error,
	inputs, outputs, duration_ms, created_at FROM invocations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	inv := &Invocation{}
	var errText sql.NullString
	var inputs, outputs string
	if err := row.Scan(
		&inv.ID, &inv.Module, &inv.Function, &inv.Driver, &inv.Status, &errText,
		&inputs, &outputs, &inv.DurationMS, &inv.CreatedAt,
	); err != nil {
		return nil, err
	}
	inv.Error = errText.String
	if err := json.Unmarshal([]byte(inputs), &inv.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &inv.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return inv, nil
}

func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	inv, err := scanInvocation(s.db.QueryRowContext(ctx, selectInvocation+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns the most recent invocations of module, newest
// first. An empty module lists every invocation.
func (s *SQLiteStore) ListInvocations(ctx context.Context, module string, limit int) ([]*Invocation, error) {
	query := selectInvocation
	args := []any{}
	if module != "" {
		query += " WHERE module = ?"
		args = append(args, module)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
