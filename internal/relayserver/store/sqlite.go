// Package store buffers upstream frames for clients that cannot receive them right now.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Frame is one buffered upstream message.
type Frame struct {
	Seq       int64
	ClientID  string
	Payload   []byte
	CreatedAt time.Time
}

// SQLiteStore keeps the replay buffer in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens dsn and creates the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS buffered_frames (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buffered_frames_client ON buffered_frames(client_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_buffered_frames_created ON buffered_frames(created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append buffers payload for clientID and returns its sequence number.
func (s *SQLiteStore) Append(ctx context.Context, clientID string, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buffered_frames (client_id, payload, created_at) VALUES (?, ?, ?)`,
		clientID, payload, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to buffer frame: %w", err)
	}
	return res.LastInsertId()
}

// Pending returns up to limit buffered frames for clientID in arrival order.
func (s *SQLiteStore) Pending(ctx context.Context, clientID string, limit int) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, client_id, payload, created_at FROM buffered_frames
		 WHERE client_id = ? ORDER BY seq ASC LIMIT ?`,
		clientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query buffered frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var created int64
		if err := rows.Scan(&f.Seq, &f.ClientID, &f.Payload, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(created)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Ack drops every frame of clientID up to and including seq.
func (s *SQLiteStore) Ack(ctx context.Context, clientID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buffered_frames WHERE client_id = ? AND seq <= ?`, clientID, seq)
	if err != nil {
		return fmt.Errorf("failed to ack frames: %w", err)
	}
	return nil
}

// Clear drops all frames of clientID.
func (s *SQLiteStore) Clear(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buffered_frames WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to clear frames: %w", err)
	}
	return nil
}

// Count returns how many frames are buffered for clientID.
func (s *SQLiteStore) Count(ctx context.Context, clientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffered_frames WHERE client_id = ?`, clientID).Scan(&n)
	return n, err
}

// Sweep deletes frames buffered before cutoff and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buffered_frames WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep frames: %w", err)
	}
	return res.RowsAffected()
}
