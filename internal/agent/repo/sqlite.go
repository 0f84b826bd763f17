package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  namespace TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(namespace, thread_id)
);
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  namespace TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  role TEXT NOT NULL,
  tool_call_id TEXT NOT NULL DEFAULT '',
  message_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(namespace, thread_id, id);
`

// sqliteLog holds the queries shared by the sync and async SQLite stores.
type sqliteLog struct {
	db        *sql.DB
	namespace string
}

func newSQLiteLog(ctx context.Context, db *sql.DB, namespace string) (*sqliteLog, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite handle is nil")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &sqliteLog{db: db, namespace: normalizeNamespace(namespace)}, nil
}

func (l *sqliteLog) append(ctx context.Context, threadID string, message *schema.Message, payload []byte) (err error) {
	now := time.Now().UnixMilli()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapSQLite(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads(namespace, thread_id, created_at_unix_ms) VALUES(?, ?, ?)`,
		l.namespace, threadID, now,
	); err != nil {
		return errx.WrapSQLite(err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages(namespace, thread_id, role, tool_call_id, message_json, created_at_unix_ms) VALUES(?, ?, ?, ?, ?, ?)`,
		l.namespace, threadID, string(message.Role), message.ToolCallID, string(payload), now,
	); err != nil {
		return errx.WrapSQLite(err)
	}
	if err = tx.Commit(); err != nil {
		return errx.WrapSQLite(err)
	}
	return nil
}

func (l *sqliteLog) load(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT message_json FROM messages WHERE namespace = ? AND thread_id = ? ORDER BY id ASC`,
		l.namespace, threadID,
	)
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to load conversation history from sqlite")
		return nil, errx.WrapSQLite(err)
	}
	defer rows.Close()

	msgs := make([]*schema.Message, 0)
	for i := 0; rows.Next(); i++ {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errx.WrapSQLite(err)
		}
		m, err := decodeMessage([]byte(raw), i)
		if err != nil {
			logx.Error().Err(err).Str("thread_id", threadID).Int("index", i).Msg("failed to unmarshal message")
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapSQLite(err)
	}
	return &model.ConversationHistory{ThreadID: threadID, Messages: msgs}, nil
}

func (l *sqliteLog) listThreads(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT thread_id FROM threads WHERE namespace = ? ORDER BY seq DESC`, l.namespace)
	if err != nil {
		logx.Error().Err(err).Msg("failed to list threads from sqlite")
		return nil, errx.WrapSQLite(err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errx.WrapSQLite(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapSQLite(err)
	}
	return out, nil
}

func (l *sqliteLog) count(ctx context.Context, threadID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE namespace = ? AND thread_id = ?`, l.namespace, threadID,
	).Scan(&n)
	if err != nil {
		return 0, errx.WrapSQLite(err)
	}
	return n, nil
}

// SQLiteConversationRepository appends synchronously: AddMessage returns after
// the transaction commits.
type SQLiteConversationRepository struct {
	log *sqliteLog
}

func NewSQLiteConversationRepository(ctx context.Context, db *sql.DB, namespace string) (*SQLiteConversationRepository, error) {
	l, err := newSQLiteLog(ctx, db, namespace)
	if err != nil {
		return nil, err
	}
	return &SQLiteConversationRepository{log: l}, nil
}

func (r *SQLiteConversationRepository) AddMessage(ctx context.Context, threadID string, message *schema.Message) error {
	b, err := encodeMessage(threadID, message)
	if err != nil {
		return err
	}
	if err := r.log.append(ctx, threadID, message, b); err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to append message to sqlite")
		return err
	}
	return nil
}

func (r *SQLiteConversationRepository) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	return r.log.load(ctx, threadID)
}

func (r *SQLiteConversationRepository) ListThreads(ctx context.Context) ([]string, error) {
	return r.log.listThreads(ctx)
}

func (r *SQLiteConversationRepository) GetMessageCount(ctx context.Context, threadID string) (int, error) {
	return r.log.count(ctx, threadID)
}

func (r *SQLiteConversationRepository) Close() error {
	return r.log.db.Close()
}

var _ model.ConversationRepository = (*SQLiteConversationRepository)(nil)
