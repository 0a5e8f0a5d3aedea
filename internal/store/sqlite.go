// ABOUTME: SQLite implementation of the turn archive using modernc.org/sqlite
// ABOUTME: Provides turn persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			agent_thread TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			status TEXT NOT NULL,
			text TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_conversation
			ON turns(channel_id, thread_ts, completed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveTurn archives one completed turn. An empty ID gets a generated one.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, channel_id, thread_ts, user_id, agent_thread, turn_id,
			status, text, input_tokens, output_tokens, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ChannelID, turn.ThreadTS, turn.UserID, turn.AgentThread, turn.TurnID,
		turn.Status, turn.Text, turn.InputTokens, turn.OutputTokens,
		turn.StartedAt, turn.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("saving turn: %w", err)
	}

	s.logger.Debug("turn archived",
		"channel_id", turn.ChannelID,
		"thread_ts", turn.ThreadTS,
		"turn_id", turn.TurnID,
		"status", turn.Status)
	return nil
}

// ListTurns returns the most recent turns for a conversation, newest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, channelID, threadTS string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, thread_ts, user_id, agent_thread, turn_id,
			status, text, input_tokens, output_tokens, started_at, completed_at
		FROM turns
		WHERE channel_id = ? AND thread_ts = ?
		ORDER BY completed_at DESC
		LIMIT ?`,
		channelID, threadTS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ChannelID, &t.ThreadTS, &t.UserID, &t.AgentThread, &t.TurnID,
			&t.Status, &t.Text, &t.InputTokens, &t.OutputTokens, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}

	return turns, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
