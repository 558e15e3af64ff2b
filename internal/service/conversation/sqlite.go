package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/voiceline/backend/internal/model/conversation"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	thread_id     TEXT NOT NULL UNIQUE,
	preview       TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content_type    TEXT NOT NULL,
	content         TEXT NOT NULL,
	attachment      TEXT,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

// SQLiteStore persists conversations in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindOrCreateConversation(ctx context.Context, userID, threadID string) (conversation.Conversation, error) {
	if userID == "" {
		return conversation.Conversation{}, ErrUserRequired
	}
	if threadID == "" {
		return conversation.Conversation{}, ErrThreadRequired
	}

	conv, err := s.conversationByThread(ctx, threadID)
	if err == nil {
		if conv.UserID != userID {
			return conversation.Conversation{}, ErrConversationNotFound
		}
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, fmt.Errorf("lookup conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = conversation.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, thread_id, preview, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, '', 0, ?, ?)`,
		conv.ID, conv.UserID, conv.ThreadID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	return conv, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return conversation.Message{}, err
	}

	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var attachment sql.NullString
	if msg.Attachment != nil {
		encoded, err := json.Marshal(msg.Attachment)
		if err != nil {
			return conversation.Message{}, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content_type, content, attachment, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(msg.ContentType), msg.Content, attachment, msg.LatencyMS, msg.CreatedAt)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("append message: %w", err)
	}

	return msg, nil
}

func (s *SQLiteStore) UpdateAggregate(ctx context.Context, conversationID, preview string, at time.Time, deltaCount int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET preview = ?, updated_at = ?, message_count = message_count + ? WHERE id = ?`,
		TruncatePreview(preview), at, deltaCount, conversationID)
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update aggregate: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, thread_id, preview, message_count, created_at, updated_at
		 FROM conversations WHERE id = ?`, conversationID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, preview, message_count, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]conversation.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content_type, content, attachment, latency_ms, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]conversation.Message, 0)
	for rows.Next() {
		var (
			msg         conversation.Message
			role        string
			contentType string
			attachment  sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &contentType, &msg.Content, &attachment, &msg.LatencyMS, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		msg.Role = conversation.Role(role)
		msg.ContentType = conversation.ContentType(contentType)
		if attachment.Valid {
			var att conversation.Attachment
			if err := json.Unmarshal([]byte(attachment.String), &att); err != nil {
				return nil, fmt.Errorf("decode attachment: %w", err)
			}
			msg.Attachment = &att
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) conversationByThread(ctx context.Context, threadID string) (conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, thread_id, preview, message_count, created_at, updated_at
		 FROM conversations WHERE thread_id = ?`, threadID)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var conv conversation.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.ThreadID, &conv.Preview, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt)
	return conv, err
}
