package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/domain"
)

// SQLite implements domain.ChatStorage on a local SQLite database.
// Writes run inside transactions so the batch save is all-or-nothing and
// concurrent writers to the same key serialize on the database.
type SQLite struct {
	db  *sql.DB
	now func() int64
}

// NewSQLite opens (or creates) a database at dbPath and runs the schema
// migration.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat db: %w", err)
	}
	return &SQLite{
		db:  db,
		now: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			ts         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_key
			ON chat_messages (user_id, session_id, agent_id, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveChatMessage implements domain.ChatStorage.
func (s *SQLite) SaveChatMessage(ctx context.Context, userID, sessionID, agentID string, msg domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	return s.save(ctx, userID, sessionID, agentID, []domain.ConversationMessage{msg}, maxHistorySize)
}

// SaveChatMessages implements domain.ChatStorage.
func (s *SQLite) SaveChatMessages(ctx context.Context, userID, sessionID, agentID string, msgs []domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	return s.save(ctx, userID, sessionID, agentID, msgs, maxHistorySize)
}

func (s *SQLite) save(ctx context.Context, userID, sessionID, agentID string, msgs []domain.ConversationMessage, maxHistorySize int) (result []domain.ConversationMessage, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapOp("SQLite.save", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	history, err := loadHistoryTx(ctx, tx, userID, sessionID, agentID)
	if err != nil {
		return nil, domain.WrapOp("SQLite.save", err)
	}

	lastTS := int64(0)
	if len(history) > 0 {
		lastTS = history[len(history)-1].Timestamp
	}
	for _, msg := range msgs {
		if suppressed(history, msg) {
			continue
		}
		ts := s.now()
		if ts < lastTS {
			ts = lastTS
		}
		lastTS = ts

		content, marshalErr := json.Marshal(msg.Content)
		if marshalErr != nil {
			err = domain.WrapOp("SQLite.save", marshalErr)
			return nil, err
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO chat_messages (user_id, session_id, agent_id, role, content, ts) VALUES (?, ?, ?, ?, ?, ?)",
			userID, sessionID, agentID, string(msg.Role), string(content), ts,
		); err != nil {
			err = domain.WrapOp("SQLite.save", err)
			return nil, err
		}
		history = append(history, domain.TimestampedMessage{ConversationMessage: msg, Timestamp: ts})
	}

	trimmed := trimToPairs(history, maxHistorySize)
	if drop := len(history) - len(trimmed); drop > 0 {
		if _, err = tx.ExecContext(ctx, `
			DELETE FROM chat_messages WHERE id IN (
				SELECT id FROM chat_messages
				WHERE user_id = ? AND session_id = ? AND agent_id = ?
				ORDER BY id ASC LIMIT ?
			)`,
			userID, sessionID, agentID, drop,
		); err != nil {
			err = domain.WrapOp("SQLite.save", err)
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, domain.WrapOp("SQLite.save", err)
	}
	return stripTimestamps(trimmed), nil
}

// FetchChat implements domain.ChatStorage.
func (s *SQLite) FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, ts FROM chat_messages WHERE user_id = ? AND session_id = ? AND agent_id = ? ORDER BY id ASC",
		userID, sessionID, agentID,
	)
	if err != nil {
		return nil, domain.WrapOp("SQLite.FetchChat", err)
	}
	history, err := scanHistory(rows)
	if err != nil {
		return nil, domain.WrapOp("SQLite.FetchChat", err)
	}
	return stripTimestamps(trimToPairs(history, maxHistorySize)), nil
}

// FetchAllChats implements domain.ChatStorage.
func (s *SQLite) FetchAllChats(ctx context.Context, userID, sessionID string) ([]domain.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, role, content FROM chat_messages WHERE user_id = ? AND session_id = ? ORDER BY ts ASC, id ASC",
		userID, sessionID,
	)
	if err != nil {
		return nil, domain.WrapOp("SQLite.FetchAllChats", err)
	}
	defer rows.Close()

	var out []domain.ConversationMessage
	for rows.Next() {
		var agentID, role, content string
		if err := rows.Scan(&agentID, &role, &content); err != nil {
			return nil, domain.WrapOp("SQLite.FetchAllChats", err)
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, domain.WrapOp("SQLite.FetchAllChats", err)
		}
		out = append(out, labelAssistant(msg, agentID))
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp("SQLite.FetchAllChats", err)
	}
	return out, nil
}

func loadHistoryTx(ctx context.Context, tx *sql.Tx, userID, sessionID, agentID string) ([]domain.TimestampedMessage, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT role, content, ts FROM chat_messages WHERE user_id = ? AND session_id = ? AND agent_id = ? ORDER BY id ASC",
		userID, sessionID, agentID,
	)
	if err != nil {
		return nil, err
	}
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) ([]domain.TimestampedMessage, error) {
	defer rows.Close()
	var history []domain.TimestampedMessage
	for rows.Next() {
		var role, content string
		var ts int64
		if err := rows.Scan(&role, &content, &ts); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(role, content)
		if err != nil {
			return nil, err
		}
		history = append(history, domain.TimestampedMessage{ConversationMessage: msg, Timestamp: ts})
	}
	return history, rows.Err()
}

func decodeMessage(role, content string) (domain.ConversationMessage, error) {
	var blocks []domain.ContentBlock
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return domain.ConversationMessage{}, fmt.Errorf("decode content: %w", err)
	}
	return domain.ConversationMessage{Role: domain.Role(role), Content: blocks}, nil
}
