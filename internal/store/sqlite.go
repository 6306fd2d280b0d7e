package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        email TEXT NOT NULL DEFAULT '',
        display_name TEXT NOT NULL DEFAULT '',
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL DEFAULT 'New Conversation',
        title_generated BOOLEAN NOT NULL DEFAULT FALSE,
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        metadata TEXT, -- JSON, closed shapes only (see models.go)
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (conversation_id, seq),
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS bookmarks (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        message_id TEXT NOT NULL,
        note TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (user_id, message_id),
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS knowledge_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        title TEXT NOT NULL DEFAULT '',
        content TEXT NOT NULL,
        source TEXT NOT NULL DEFAULT '',
        category TEXT NOT NULL DEFAULT 'general',
        tags_json TEXT,
        embedding_json TEXT, -- JSON string of []float32
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS analytics_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        event_type TEXT NOT NULL,
        payload TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, external_user_id, email, display_name, password_hash, created_at FROM users WHERE external_user_id = ?",
		externalUserID,
	).Scan(&user.ID, &user.ExternalUserID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, email, displayName, passwordHash string) (*User, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (external_user_id, email, display_name, password_hash) VALUES (?, ?, ?, ?)",
		externalUserID, email, displayName, passwordHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getUserByID(id)
}

func (s *SQLiteStore) getUserByID(id int64) (*User, error) {
	var user User
	err := s.db.QueryRow(
		"SELECT id, external_user_id, email, display_name, password_hash, created_at FROM users WHERE id = ?",
		id,
	).Scan(&user.ID, &user.ExternalUserID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(userID int64, title string) (*Conversation, error) {
	convID := uuid.NewString()
	now := time.Now()

	_, err := s.db.Exec(
		"INSERT INTO conversations (id, user_id, title, title_generated, is_active, created_at, updated_at) VALUES (?, ?, ?, FALSE, TRUE, ?, ?)",
		convID, userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return &Conversation{
		ID:        convID,
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetConversationByID(convID string, userID int64) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRow(
		"SELECT id, user_id, title, title_generated, is_active, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?",
		convID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.TitleGenerated, &conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) GetConversationsByUserID(userID int64, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, title, title_generated, is_active, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?",
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.TitleGenerated, &conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SetGeneratedTitle replaces the placeholder title with a generated one.
// The title_generated guard makes the write first-wins: once a generated
// title exists, later calls affect zero rows and report false.
func (s *SQLiteStore) SetGeneratedTitle(convID string, userID int64, title string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE conversations SET title = ?, title_generated = TRUE WHERE id = ? AND user_id = ? AND title_generated = FALSE",
		title, convID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update conversation title: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) SetConversationActive(convID string, userID int64, active bool) error {
	res, err := s.db.Exec(
		"UPDATE conversations SET is_active = ? WHERE id = ? AND user_id = ?",
		active, convID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation active flag: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation not found or not owned by user")
	}
	return nil
}

// DeleteConversationCascade removes a conversation, its messages, and any
// bookmarks referencing those messages in a single transaction. Ownership
// is enforced here rather than through an implicit schema cascade.
func (s *SQLiteStore) DeleteConversationCascade(convID string, userID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM conversations WHERE id = ? AND user_id = ?", convID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation not found or not owned by user")
	}

	if _, err := tx.Exec(
		"DELETE FROM bookmarks WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)",
		convID,
	); err != nil {
		return fmt.Errorf("failed to delete bookmarks for conversation: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", convID); err != nil {
		return fmt.Errorf("failed to delete messages for conversation: %w", err)
	}

	return tx.Commit()
}

// Message methods

// AppendMessage inserts the message and bumps the conversation's updated
// timestamp in one transaction. When placeholderTitle is non-nil the
// conversation title is set in the same transaction (used for the first
// user message), so a failure leaves neither write behind.
func (s *SQLiteStore) AppendMessage(msg *Message, placeholderTitle *string) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = time.Now()

	var metadataJSON sql.NullString
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO messages (id, conversation_id, seq, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.Seq, msg.Role, msg.Content, metadataJSON, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if placeholderTitle != nil {
		_, err = tx.Exec(
			"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND title_generated = FALSE",
			*placeholderTitle, msg.CreatedAt, msg.ConversationID,
		)
	} else {
		_, err = tx.Exec(
			"UPDATE conversations SET updated_at = ? WHERE id = ?",
			msg.CreatedAt, msg.ConversationID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to bump conversation timestamp: %w", err)
	}

	return tx.Commit()
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var msg Message
	var metadataJSON sql.NullString
	if err := scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.Role, &msg.Content, &metadataJSON, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		var meta MessageMetadata
		if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
			log.Warnf("Unreadable metadata on message %s, dropping: %v", msg.ID, err)
		} else {
			msg.Metadata = &meta
		}
	}
	return &msg, nil
}

const messageColumns = "id, conversation_id, seq, role, content, metadata, created_at"

func (s *SQLiteStore) GetMessagesByConversationID(convID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?",
		convID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// GetLastNMessages returns up to n most recent messages in chronological
// order, suitable for prompt history assembly.
func (s *SQLiteStore) GetLastNMessages(convID string, n int) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?",
		convID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into seq order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) GetMessageByID(messageID string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID,
	).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) MaxSeq(convID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(seq) FROM messages WHERE conversation_id = ?", convID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Bookmark methods

// ToggleBookmark flips bookmark state for (userID, messageID) atomically
// and returns whether the message is bookmarked afterwards. A toggle
// against a message that no longer exists removes any stale bookmark row
// and reports false; it never errors and never resurrects the message.
func (s *SQLiteStore) ToggleBookmark(userID int64, messageID, note string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin bookmark transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(
		"SELECT id FROM bookmarks WHERE user_id = ? AND message_id = ?",
		userID, messageID,
	).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.Exec("DELETE FROM bookmarks WHERE id = ?", existingID); err != nil {
			return false, fmt.Errorf("failed to delete bookmark: %w", err)
		}
		return false, tx.Commit()
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("failed to query bookmark: %w", err)
	}

	var msgExists int
	err = tx.QueryRow("SELECT COUNT(1) FROM messages WHERE id = ?", messageID).Scan(&msgExists)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	if msgExists == 0 {
		// Dangling toggle: nothing to add, nothing left behind.
		return false, tx.Commit()
	}

	_, err = tx.Exec(
		"INSERT INTO bookmarks (id, user_id, message_id, note, created_at) VALUES (?, ?, ?, ?, ?)",
		uuid.NewString(), userID, messageID, note, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert bookmark: %w", err)
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) IsBookmarked(userID int64, messageID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM bookmarks WHERE user_id = ? AND message_id = ?",
		userID, messageID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query bookmark: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) GetBookmarksByUserID(userID int64) ([]Bookmark, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, message_id, note, created_at FROM bookmarks WHERE user_id = ? ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	var bookmarks []Bookmark
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.UserID, &b.MessageID, &b.Note, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark row: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	return bookmarks, rows.Err()
}

// Analytics methods

func (s *SQLiteStore) CreateAnalyticsEvent(userID int64, eventType, payload string) error {
	_, err := s.db.Exec(
		"INSERT INTO analytics_events (user_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)",
		userID, eventType, payload, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}
