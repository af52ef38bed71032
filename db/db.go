package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mbenaiss/campus-chat/models"
)

// DefaultLimit is used by list queries when limit is not positive
const DefaultLimit = 20

// DB is the SQLite archive of conversations and messages seen by the bridge
type DB interface {
	StoreConversation(ctx context.Context, conversation models.Conversation) error
	StoreMessage(ctx context.Context, msg models.Message) error
	ListConversations(ctx context.Context, query string, limit, page int) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, query string, limit, page int) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	Close() error
}

type db struct {
	db *sql.DB
}

// NewDB opens (or creates) the archive under dbPath
func NewDB(ctx context.Context, dbPath string) (DB, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s/archive.db?_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	db := &db{conn}
	if err := db.initDB(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

func (s *db) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`)
	if err != nil {
		return fmt.Errorf("failed to set journal mode: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT,
			participants TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_message_id TEXT,
			last_message_content TEXT,
			created_at TIMESTAMP,
			last_activity_at TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}

	// no foreign key: pushes can arrive for conversations not archived yet
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT,
			conversation_id TEXT,
			sender_id TEXT,
			sender_name TEXT,
			content TEXT,
			message_type TEXT,
			file_url TEXT,
			file_name TEXT,
			file_size INTEGER,
			voice_duration INTEGER,
			edited BOOLEAN,
			status TEXT,
			reactions TEXT,
			created_at TIMESTAMP,
			PRIMARY KEY (id, conversation_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);`)
	if err != nil {
		return fmt.Errorf("failed to create conversation_created index: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);`)
	if err != nil {
		return fmt.Errorf("failed to create id index: %w", err)
	}

	return nil
}

func (s *db) Close() error {
	return s.db.Close()
}

// StoreConversation upserts a conversation summary
func (s *db) StoreConversation(ctx context.Context, conversation models.Conversation) error {
	participants, err := json.Marshal(conversation.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	var lastID, lastContent sql.NullString
	if conversation.LastMessage != nil {
		lastID = sql.NullString{String: conversation.LastMessage.ID, Valid: true}
		lastContent = sql.NullString{String: conversation.LastMessage.Content, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations
		(id, type, title, participants, unread_count, last_message_id, last_message_content, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversation.ID, string(conversation.Type), conversation.Title, string(participants),
		conversation.UnreadCount, lastID, lastContent,
		conversation.CreatedAt.UTC(), conversation.LastActivityAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store conversation %s: %w", conversation.ID, err)
	}
	return nil
}

// StoreMessage upserts a message; later copies (new reactions, status)
// replace earlier ones
func (s *db) StoreMessage(ctx context.Context, msg models.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return nil
	}
	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return fmt.Errorf("encode reactions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
		(id, conversation_id, sender_id, sender_name, content, message_type, file_url, file_name,
		 file_size, voice_duration, edited, status, reactions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content, string(msg.MessageType),
		msg.FileURL, msg.FileName, msg.FileSize, msg.VoiceDuration, msg.Edited, string(msg.Status),
		string(reactions), msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return nil
}

const conversationColumns = `id, type, title, participants, unread_count, last_message_id, last_message_content, created_at, last_activity_at`

// ListConversations returns conversations by most recent activity. query
// filters by title or participant name.
func (s *db) ListConversations(ctx context.Context, query string, limit, page int) ([]models.Conversation, error) {
	limit, offset := window(limit, page)

	sqlQuery := "SELECT " + conversationColumns + " FROM conversations"
	var args []any
	if query = strings.TrimSpace(query); query != "" {
		sqlQuery += " WHERE title LIKE ? OR participants LIKE ?"
		like := "%" + query + "%"
		args = append(args, like, like)
	}
	sqlQuery += " ORDER BY last_activity_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conversation)
	}

	return conversations, rows.Err()
}

// GetConversation retrieves one conversation, or nil when unknown
func (s *db) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	conversation, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

const messageColumns = `id, conversation_id, sender_id, sender_name, content, message_type, file_url, file_name,
	file_size, voice_duration, edited, status, reactions, created_at`

// ListMessages returns a conversation's messages newest first. An empty
// conversationID searches every conversation; query filters by content.
func (s *db) ListMessages(ctx context.Context, conversationID, query string, limit, page int) ([]models.Message, error) {
	limit, offset := window(limit, page)

	var where []string
	var args []any
	if conversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, conversationID)
	}
	if query = strings.TrimSpace(query); query != "" {
		where = append(where, "(content LIKE ? OR file_name LIKE ?)")
		like := "%" + query + "%"
		args = append(args, like, like)
	}

	sqlQuery := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// GetMessage retrieves a message by id, or nil when unknown
func (s *db) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ? LIMIT 1", id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation               models.Conversation
		kind, participants         string
		title, lastID, lastContent sql.NullString
		createdAt, lastActivityAt  time.Time
	)
	err := row.Scan(&conversation.ID, &kind, &title, &participants, &conversation.UnreadCount,
		&lastID, &lastContent, &createdAt, &lastActivityAt)
	if err != nil {
		return nil, err
	}

	conversation.Type = models.ConversationType(kind)
	conversation.Title = title.String
	conversation.CreatedAt = createdAt
	conversation.LastActivityAt = lastActivityAt
	if participants != "" {
		if err := json.Unmarshal([]byte(participants), &conversation.Participants); err != nil {
			return nil, fmt.Errorf("decode participants of %s: %w", conversation.ID, err)
		}
	}
	if lastID.Valid {
		conversation.LastMessage = &models.MessageSummary{ID: lastID.String, Content: lastContent.String}
	}
	return &conversation, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg                            models.Message
		senderName, fileURL, fileName  sql.NullString
		messageType, status, reactions string
		fileSize, voiceDuration        sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &senderName, &msg.Content, &messageType,
		&fileURL, &fileName, &fileSize, &voiceDuration, &msg.Edited, &status, &reactions, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	msg.SenderName = senderName.String
	msg.MessageType = models.MessageType(messageType)
	msg.Status = models.DeliveryStatus(status)
	msg.FileURL = fileURL.String
	msg.FileName = fileName.String
	msg.FileSize = fileSize.Int64
	msg.VoiceDuration = int(voiceDuration.Int64)
	if reactions != "" && reactions != "null" {
		if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions of %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func window(limit, page int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if page < 0 {
		page = 0
	}
	return limit, limit * page
}
