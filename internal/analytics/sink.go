// Package analytics emits usage events to a durable sink without ever
// blocking or failing a conversation turn.
package analytics

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	EventQuery    = "query"
	EventLogin    = "login"
	EventBookmark = "bookmark"
)

// QueryPayload describes one answered (or fallback-answered) turn.
type QueryPayload struct {
	Query          string `json:"query"`
	ResponseLength int    `json:"response_length"`
	ContextUsed    bool   `json:"context_used"`
	Fallback       bool   `json:"fallback"`
	Timestamp      string `json:"timestamp"`
}

type LoginPayload struct {
	Email     string `json:"email"`
	Timestamp string `json:"timestamp"`
}

type BookmarkPayload struct {
	MessageID  string `json:"message_id"`
	Bookmarked bool   `json:"bookmarked"`
	Timestamp  string `json:"timestamp"`
}

// Sink receives fire-and-forget events. Implementations must return
// immediately; delivery failures are logged, never surfaced.
type Sink interface {
	Emit(userID int64, eventType string, payload any)
}

type eventWriter interface {
	CreateAnalyticsEvent(userID int64, eventType, payload string) error
}

// StoreSink persists events asynchronously through the store.
type StoreSink struct {
	writer eventWriter
}

func NewStoreSink(writer eventWriter) *StoreSink {
	return &StoreSink{writer: writer}
}

func (s *StoreSink) Emit(userID int64, eventType string, payload any) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		log.Warnf("Dropping analytics event %s: unmarshalable payload: %v", eventType, err)
		return
	}
	go func() {
		if err := s.writer.CreateAnalyticsEvent(userID, eventType, string(payloadJSON)); err != nil {
			log.Warnf("Failed to persist analytics event %s: %v", eventType, err)
		}
	}()
}

// NopSink discards everything; used when no sink is configured and in
// tests.
type NopSink struct{}

func (NopSink) Emit(int64, string, any) {}

// Now is exposed for payload timestamps so call sites stay uniform.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
