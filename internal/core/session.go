package core

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"aerocareers.in/chatbot/internal/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationArchived = errors.New("conversation is archived")
)

const (
	defaultConversationTitle = "New Conversation"
	placeholderTitleRunes    = 50
	generatedTitleMaxRunes   = 100
)

// convState serializes appends for one conversation and carries its
// monotonic sequence counter. Ordering comes from this counter, not from
// wall-clock timestamps, which can collide at sub-millisecond granularity.
type convState struct {
	mu      sync.Mutex
	nextSeq int64
	seqInit bool
}

// SessionManager owns the ordered message log of each conversation,
// conversation metadata, and bookmark associations. Different
// conversations never contend with each other.
type SessionManager struct {
	store *store.SQLiteStore

	mu    sync.Mutex
	convs map[string]*convState
}

func NewSessionManager(db *store.SQLiteStore) *SessionManager {
	return &SessionManager{
		store: db,
		convs: make(map[string]*convState),
	}
}

func (m *SessionManager) stateFor(convID string) *convState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.convs[convID]
	if !ok {
		st = &convState{}
		m.convs[convID] = st
	}
	return st
}

func (m *SessionManager) CreateConversation(owner *store.User) (*store.Conversation, error) {
	conv, err := m.store.CreateConversation(owner.ID, defaultConversationTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation resolves a conversation the owner may act on, or
// ErrConversationNotFound.
func (m *SessionManager) GetConversation(owner *store.User, convID string) (*store.Conversation, error) {
	conv, err := m.store.GetConversationByID(convID, owner.ID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

func (m *SessionManager) ListConversations(owner *store.User, limit int) ([]store.Conversation, error) {
	return m.store.GetConversationsByUserID(owner.ID, limit)
}

// AppendMessage appends to the conversation's ordered log under the
// per-conversation lock and bumps the updated timestamp. The returned
// firstUserMessage flag tells the caller that title derivation is now
// pending; the manager itself never calls the generation collaborator.
func (m *SessionManager) AppendMessage(convID, role, content string, meta *store.MessageMetadata) (msg *store.Message, firstUserMessage bool, err error) {
	st := m.stateFor(convID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seqInit {
		maxSeq, err := m.store.MaxSeq(convID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resume sequence counter: %w", err)
		}
		st.nextSeq = maxSeq
		st.seqInit = true
	}

	seq := st.nextSeq + 1
	message := &store.Message{
		ConversationID: convID,
		Seq:            seq,
		Role:           role,
		Content:        content,
		Metadata:       meta,
	}

	// The first user message lends the conversation its placeholder
	// title, written in the same transaction as the message itself.
	var placeholder *string
	if seq == 1 && role == store.RoleUser {
		title := truncateTitle(content, placeholderTitleRunes)
		placeholder = &title
		firstUserMessage = true
	}

	if err := m.store.AppendMessage(message, placeholder); err != nil {
		return nil, false, err
	}

	st.nextSeq = seq
	return message, firstUserMessage, nil
}

// SetGeneratedTitle writes a generated title exactly once. Once a
// generated title exists, later calls are no-ops.
func (m *SessionManager) SetGeneratedTitle(owner *store.User, convID, title string) error {
	title = truncateTitle(title, generatedTitleMaxRunes)
	applied, err := m.store.SetGeneratedTitle(convID, owner.ID, title)
	if err != nil {
		return err
	}
	if !applied {
		log.Debugf("Title for conversation %s already generated, keeping existing", convID)
	}
	return nil
}

func (m *SessionManager) ArchiveConversation(owner *store.User, convID string, active bool) error {
	return m.store.SetConversationActive(convID, owner.ID, active)
}

// DeleteConversation removes the conversation, its messages, and any
// bookmarks on those messages as one atomic unit.
func (m *SessionManager) DeleteConversation(owner *store.User, convID string) error {
	if err := m.store.DeleteConversationCascade(convID, owner.ID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.convs, convID)
	m.mu.Unlock()
	return nil
}

func (m *SessionManager) Messages(convID string, limit, offset int) ([]store.Message, error) {
	return m.store.GetMessagesByConversationID(convID, limit, offset)
}

// History returns up to n most recent messages in order, for prompt
// assembly.
func (m *SessionManager) History(convID string, n int) ([]store.Message, error) {
	return m.store.GetLastNMessages(convID, n)
}

// BookmarkToggle flips bookmark state for (owner, message): insert if
// absent, delete if present. Two toggles return to the original state.
// The owner must be able to see the message; a toggle on a message that
// no longer exists is a no-op delete.
func (m *SessionManager) BookmarkToggle(owner *store.User, messageID, note string) (bool, error) {
	msg, err := m.store.GetMessageByID(messageID)
	if err != nil {
		return false, err
	}
	if msg != nil {
		conv, err := m.store.GetConversationByID(msg.ConversationID, owner.ID)
		if err != nil {
			return false, err
		}
		if conv == nil {
			return false, ErrConversationNotFound
		}
	}
	return m.store.ToggleBookmark(owner.ID, messageID, note)
}

func (m *SessionManager) IsBookmarked(owner *store.User, messageID string) (bool, error) {
	return m.store.IsBookmarked(owner.ID, messageID)
}

func (m *SessionManager) ListBookmarks(owner *store.User) ([]store.Bookmark, error) {
	return m.store.GetBookmarksByUserID(owner.ID)
}

func truncateTitle(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}
