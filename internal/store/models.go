package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID             string    `json:"id"` // UUID
	UserID         int64     `json:"user_id"`
	Title          string    `json:"title"`
	TitleGenerated bool      `json:"title_generated"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MetadataKind enumerates every message metadata shape the system writes.
// Downstream consumers can switch over this closed set instead of probing
// an open map.
type MetadataKind string

const (
	// MetaAnswer marks a genuine assistant answer; ContextUsed records
	// whether retrieved reference passages went into the prompt.
	MetaAnswer MetadataKind = "answer"
	// MetaFallback marks the canned assistant reply recorded when the
	// generation backend failed or the turn was cancelled.
	MetaFallback MetadataKind = "fallback"
)

type MessageMetadata struct {
	Kind        MetadataKind `json:"kind"`
	ContextUsed bool         `json:"context_used,omitempty"`
}

type Message struct {
	ID             string           `json:"id"` // UUID
	ConversationID string           `json:"conversation_id"`
	Seq            int64            `json:"seq"` // 1-based, gap-free per conversation
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type Bookmark struct {
	ID        string    `json:"id"` // UUID
	UserID    int64     `json:"user_id"`
	MessageID string    `json:"message_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type KnowledgeChunk struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags,omitempty"`
	Embedding []float32 `json:"-"` // internal, never marshalled to responses
	CreatedAt time.Time `json:"created_at"`
}

type AnalyticsEvent struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"` // JSON document
	CreatedAt time.Time `json:"created_at"`
}
