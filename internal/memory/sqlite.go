package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/nugget/gizmo/internal/conversation"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore persists conversations in SQLite. Each turn is one row;
// SaveHistory replaces a conversation's rows inside one transaction.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database at path and applies pending
// migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("conversation store opened", "path", path)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// LoadHistory implements Store.
func (s *SQLiteStore) LoadHistory(ctx context.Context, id string) (conversation.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, parts, timestamp
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	h := conversation.History{}
	for rows.Next() {
		var (
			turn  conversation.Turn
			role  string
			parts string
		)
		if err := rows.Scan(&role, &parts, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &turn.Parts); err != nil {
			return nil, fmt.Errorf("decode turn parts: %w", err)
		}
		turn.Role = conversation.Role(role)
		h = append(h, turn)
	}
	return h, rows.Err()
}

// SaveHistory implements Store.
func (s *SQLiteStore) SaveHistory(ctx context.Context, id string, h conversation.History) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (id, conversation_id, seq, role, parts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, turn := range h {
		parts, err := json.Marshal(turn.Parts)
		if err != nil {
			return fmt.Errorf("encode turn %d: %w", i, err)
		}
		turnID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("turn id: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, turnID.String(), id, i, string(turn.Role), string(parts), turn.Timestamp.UTC()); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// SaveMetadata implements Store.
func (s *SQLiteStore) SaveMetadata(ctx context.Context, id string, created time.Time, lastMessage string) error {
	m := newMetadata(id, created, lastMessage, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at, last_message)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_message = excluded.last_message
	`, m.ID, m.Created, m.Updated, m.LastMessage)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// GetMetadata implements Store.
func (s *SQLiteStore) GetMetadata(ctx context.Context, id string) (*conversation.Metadata, error) {
	var m conversation.Metadata
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, last_message
		FROM conversations
		WHERE id = ?
	`, id).Scan(&m.ID, &m.Created, &m.Updated, &m.LastMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	return &m, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
