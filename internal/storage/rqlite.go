package storage

import (
	"context"
	"fmt"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// Rqlite keeps entries in an append-only rqlite table. Each Put inserts a
// row and Get reads the newest row for the key.
type Rqlite struct {
	conn *gorqlite.Connection
}

// OpenRqlite connects to the rqlite node at uri and creates the entries
// table if needed.
func OpenRqlite(ctx context.Context, uri string) (*Rqlite, error) {
	log.Info().Str("uri", uri).Msg("Initializing rqlite storage")

	conn, err := gorqlite.Open(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}
	r := &Rqlite{conn: conn}
	if err := r.initializeSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Rqlite) initializeSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value TEXT NOT NULL
	);
	`
	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_entries_key ON entries (key, id);`

	if _, err := r.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	if _, err := r.conn.WriteOne(createIndexSQL); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (r *Rqlite) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stmt := gorqlite.ParameterizedStatement{
		Query:     `INSERT INTO entries (key, value) VALUES (?, ?);`,
		Arguments: []interface{}{bound(key), bound(value)},
	}
	if _, err := r.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (r *Rqlite) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	stmt := gorqlite.ParameterizedStatement{
		Query:     `SELECT value FROM entries WHERE key = ? ORDER BY id DESC LIMIT 1;`,
		Arguments: []interface{}{bound(key)},
	}
	result, err := r.conn.QueryOneParameterized(stmt)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	if !result.Next() {
		return "", false, nil
	}
	var value string
	if err := result.Scan(&value); err != nil {
		return "", false, fmt.Errorf("failed to scan row: %w", err)
	}
	return value, true, nil
}

// Versions returns how many rows are retained for key.
func (r *Rqlite) Versions(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	stmt := gorqlite.ParameterizedStatement{
		Query:     `SELECT COUNT(*) FROM entries WHERE key = ?;`,
		Arguments: []interface{}{bound(key)},
	}
	result, err := r.conn.QueryOneParameterized(stmt)
	if err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", key, err)
	}
	var n int64
	if result.Next() {
		if err := result.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan row: %w", err)
		}
	}
	return int(n), nil
}

func (r *Rqlite) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}
