package core

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerocareers.in/chatbot/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestUser(t *testing.T, db *store.SQLiteStore) *store.User {
	t.Helper()
	user, err := db.CreateUser("student-"+uuid.NewString(), "student@example.com", "Student", "hash")
	require.NoError(t, err)
	return user
}

func TestPlaceholderTitleFromFirstUserMessage(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)
	assert.Equal(t, "New Conversation", conv.Title)
	assert.True(t, conv.IsActive)

	longQuestion := strings.Repeat("What about internships? ", 5) // > 50 runes
	_, first, err := sessions.AppendMessage(conv.ID, store.RoleUser, longQuestion, nil)
	require.NoError(t, err)
	assert.True(t, first)

	fresh, err := sessions.GetConversation(user, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, string([]rune(longQuestion)[:50])+"...", fresh.Title)
	assert.False(t, fresh.TitleGenerated)

	// Later messages do not re-trigger title derivation.
	_, first, err = sessions.AppendMessage(conv.ID, store.RoleAssistant, "reply", nil)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestGeneratedTitleWrittenExactlyOnce(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)
	_, _, err = sessions.AppendMessage(conv.ID, store.RoleUser, "What is the internship duration?", nil)
	require.NoError(t, err)

	require.NoError(t, sessions.SetGeneratedTitle(user, conv.ID, "Internship Duration"))

	fresh, err := sessions.GetConversation(user, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Internship Duration", fresh.Title)
	assert.True(t, fresh.TitleGenerated)

	// A second assignment with different text is a no-op.
	require.NoError(t, sessions.SetGeneratedTitle(user, conv.ID, "Something Else"))

	fresh, err = sessions.GetConversation(user, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Internship Duration", fresh.Title)
}

func TestConcurrentAppendsProduceGapFreeSequence(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := sessions.AppendMessage(conv.ID, store.RoleUser, fmt.Sprintf("message %d", i), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	messages, err := sessions.Messages(conv.ID, n+10, 0)
	require.NoError(t, err)
	require.Len(t, messages, n)

	for i, msg := range messages {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestSequenceCounterResumesAcrossManagers(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)

	sessions := NewSessionManager(db)
	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)
	_, _, err = sessions.AppendMessage(conv.ID, store.RoleUser, "one", nil)
	require.NoError(t, err)
	_, _, err = sessions.AppendMessage(conv.ID, store.RoleAssistant, "two", nil)
	require.NoError(t, err)

	// A fresh manager (process restart) picks up where the log ends.
	resumed := NewSessionManager(db)
	msg, first, err := resumed.AppendMessage(conv.ID, store.RoleUser, "three", nil)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, int64(3), msg.Seq)
}

func TestBookmarkToggleIsAnInvolution(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)
	msg, _, err := sessions.AppendMessage(conv.ID, store.RoleAssistant, "an answer", nil)
	require.NoError(t, err)

	bookmarked, err := sessions.BookmarkToggle(user, msg.ID, "useful")
	require.NoError(t, err)
	assert.True(t, bookmarked)

	isBookmarked, err := sessions.IsBookmarked(user, msg.ID)
	require.NoError(t, err)
	assert.True(t, isBookmarked)

	bookmarked, err = sessions.BookmarkToggle(user, msg.ID, "")
	require.NoError(t, err)
	assert.False(t, bookmarked)

	isBookmarked, err = sessions.IsBookmarked(user, msg.ID)
	require.NoError(t, err)
	assert.False(t, isBookmarked)

	bookmarks, err := sessions.ListBookmarks(user)
	require.NoError(t, err)
	assert.Empty(t, bookmarks)
}

func TestBookmarkToggleOnMissingMessageIsNoop(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	bookmarked, err := sessions.BookmarkToggle(user, uuid.NewString(), "")
	require.NoError(t, err)
	assert.False(t, bookmarked)
}

func TestDeleteConversationCascades(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)
	_, _, err = sessions.AppendMessage(conv.ID, store.RoleUser, "question", nil)
	require.NoError(t, err)
	answer, _, err := sessions.AppendMessage(conv.ID, store.RoleAssistant, "answer", nil)
	require.NoError(t, err)

	bookmarked, err := sessions.BookmarkToggle(user, answer.ID, "")
	require.NoError(t, err)
	require.True(t, bookmarked)

	require.NoError(t, sessions.DeleteConversation(user, conv.ID))

	_, err = sessions.GetConversation(user, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	messages, err := sessions.Messages(conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	bookmarks, err := sessions.ListBookmarks(user)
	require.NoError(t, err)
	assert.Empty(t, bookmarks)
}

func TestArchiveClearsActiveFlag(t *testing.T) {
	db := newTestStore(t)
	user := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(user)
	require.NoError(t, err)

	require.NoError(t, sessions.ArchiveConversation(user, conv.ID, false))

	fresh, err := sessions.GetConversation(user, conv.ID)
	require.NoError(t, err)
	assert.False(t, fresh.IsActive)

	// No terminal state: archival is reversible.
	require.NoError(t, sessions.ArchiveConversation(user, conv.ID, true))
	fresh, err = sessions.GetConversation(user, conv.ID)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
}

func TestConversationOwnershipIsEnforced(t *testing.T) {
	db := newTestStore(t)
	owner := newTestUser(t, db)
	stranger := newTestUser(t, db)
	sessions := NewSessionManager(db)

	conv, err := sessions.CreateConversation(owner)
	require.NoError(t, err)
	msg, _, err := sessions.AppendMessage(conv.ID, store.RoleAssistant, "answer", nil)
	require.NoError(t, err)

	_, err = sessions.GetConversation(stranger, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = sessions.BookmarkToggle(stranger, msg.ID, "")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
