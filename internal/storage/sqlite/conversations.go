// Package sqlite provides durable conversation storage. Completed turns
// are handed off here; the session store only holds live state.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Simplereally/rapid-chat/internal/chat"
	"github.com/Simplereally/rapid-chat/pkg/logger"
	_ "modernc.org/sqlite"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// SessionRecord summarizes one stored conversation
type SessionRecord struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationStorage is a SQLite-based storage for conversation history
type ConversationStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewConversationStorage creates a new SQLite-based conversation storage
func NewConversationStorage(dbPath string, log *logger.Logger) (*ConversationStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	storage := &ConversationStorage{
		db:     db,
		logger: storageLogger,
	}

	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// Close closes the database connection
func (s *ConversationStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDB initializes the database schema
func (s *ConversationStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position)`)
	if err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}

	return nil
}

// StoreTurn persists the full transcript of a session. Messages are keyed
// by id so replaying the same handoff is idempotent, and position keeps
// the conversation order stable across replays.
func (s *ConversationStorage) StoreTurn(sessionID string, messages []chat.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO messages (id, session_id, position, role, parts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, msg := range messages {
		parts, err := chat.MarshalParts(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		if _, err := stmt.Exec(msg.ID, sessionID, i, string(msg.Role), string(parts), now); err != nil {
			return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Stored conversation turn",
		String("session_id", sessionID),
		Int("messages", len(messages)))
	return nil
}

// GetMessages returns the stored transcript of a session in order
func (s *ConversationStorage) GetMessages(sessionID string) ([]chat.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, parts FROM messages
		WHERE session_id = ?
		ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var id, role, parts string
		if err := rows.Scan(&id, &role, &parts); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg := chat.Message{ID: id, Role: chat.Role(role)}
		decoded, err := chat.UnmarshalParts([]byte(parts))
		if err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		msg.Parts = decoded
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Sessions lists every stored conversation, most recently updated first
func (s *ConversationStorage) Sessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, COUNT(*), MAX(updated_at) FROM messages
		GROUP BY session_id
		ORDER BY MAX(updated_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var updated string
		if err := rows.Scan(&rec.SessionID, &rec.MessageCount, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, updated); err == nil {
			rec.UpdatedAt = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteSession removes a stored conversation
func (s *ConversationStorage) DeleteSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}
