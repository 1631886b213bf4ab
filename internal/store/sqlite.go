package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite stores records in a single upserted table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("SQLITE_PATH required for sqlite store")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context, gameID string) (*Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM game_snapshots WHERE game_id = ?`, strings.TrimSpace(gameID),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite load %s: %w", gameID, err)
	}
	return Decode([]byte(payload))
}

func (s *SQLite) Save(ctx context.Context, rec *Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return err
	}
	active := 0
	if rec.Active {
		active = 1
	}
	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO game_snapshots (game_id, schema_version, active, payload, saved_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(game_id) DO UPDATE SET
            schema_version = excluded.schema_version,
            active = excluded.active,
            payload = excluded.payload,
            saved_at = excluded.saved_at`,
		strings.TrimSpace(rec.GameID), SchemaVersion, active, string(raw), savedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite save %s: %w", rec.GameID, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM game_snapshots WHERE game_id = ?`, strings.TrimSpace(gameID)); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", gameID, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id FROM game_snapshots ORDER BY game_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
