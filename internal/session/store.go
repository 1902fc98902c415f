package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/toolmux/toolmux/internal/db"
)

// ErrNoMessages is returned when a last-message query finds nothing.
var ErrNoMessages = errors.New("no messages recorded")

// Store is the conversation log contract. Messages are append-only; Remove
// exists only to unpair the user half of a failed exchange.
type Store interface {
	Append(ctx context.Context, msg *Message) error
	LastAssistant(ctx context.Context, tool string) (*Message, error)
	List(ctx context.Context, tool string) ([]*Message, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

type sqliteStore struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ Store = (*sqliteStore)(nil)

// NewStore opens (creating if needed) the conversation log at dbPath.
func NewStore(dbPath string) (Store, error) {
	sqlDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	return newSQLiteStore(sqlx.NewDb(sqlDB, "sqlite3"), true)
}

// NewStoreWithDB wraps an existing connection; the caller owns its lifetime.
func NewStoreWithDB(dbx *sqlx.DB) (Store, error) {
	return newSQLiteStore(dbx, false)
}

func newSQLiteStore(dbx *sqlx.DB, ownsDB bool) (*sqliteStore, error) {
	s := &sqliteStore{db: dbx, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = dbx.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		tool TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_created ON messages(tool, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" || msg.Tool == "" {
		return fmt.Errorf("message id and tool are required")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, role, tool, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.Role, msg.Tool, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *sqliteStore) LastAssistant(ctx context.Context, tool string) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, s.db.Rebind(`
		SELECT id, role, tool, content, created_at
		FROM messages
		WHERE tool = ? AND role = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`), tool, RoleAssistant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMessages
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *sqliteStore) List(ctx context.Context, tool string) ([]*Message, error) {
	var msgs []*Message
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(`
		SELECT id, role, tool, content, created_at
		FROM messages
		WHERE tool = ?
		ORDER BY created_at ASC, rowid ASC
	`), tool)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %s not found", id)
	}
	return nil
}
