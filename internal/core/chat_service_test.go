package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aerocareers.in/chatbot/internal/analytics"
	"aerocareers.in/chatbot/internal/knowledge"
	"aerocareers.in/chatbot/internal/ratelimit"
	"aerocareers.in/chatbot/internal/store"
)

type stubGenerator struct {
	reply    string
	err      error
	titleErr error
	prompts  []string
}

func (s *stubGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubGenerator) SummarizeTitle(ctx context.Context, seed string) (string, error) {
	if s.titleErr != nil {
		return "", s.titleErr
	}
	return "Generated Title", nil
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

// internshipFixture builds a chat service whose reference store holds an
// internship-duration chunk aligned with the stub query embedding, plus
// an unrelated chunk that should rank below it.
func internshipFixture(t *testing.T, gen *stubGenerator, embedder knowledge.Embedder, shortCap int) (*ChatService, *store.SQLiteStore, *store.User) {
	t.Helper()

	db := newTestStore(t)
	user := newTestUser(t, db)

	refStore := knowledge.NewStore()
	require.NoError(t, refStore.Insert(knowledge.Chunk{
		Text:      "Internships typically last 2-6 months during summer or winter breaks.",
		Category:  "internship",
		Embedding: []float32{1, 0},
	}))
	require.NoError(t, refStore.Insert(knowledge.Chunk{
		Text:      "Minimum CGPA requirement is typically 7.0 or above.",
		Category:  "placement",
		Embedding: []float32{0, 1},
	}))

	svc := NewChatService(
		NewSessionManager(db),
		knowledge.NewRetriever(refStore, embedder),
		ratelimit.NewLimiter(shortCap, 100),
		gen,
		analytics.NopSink{},
		GenerateOptions{Temperature: 0.7, MaxTokens: 2048},
		20,
	)
	return svc, db, user
}

func TestEndToEndTurn(t *testing.T) {
	// Title generation is forced to fail so the placeholder title from
	// the first user message stays observable.
	gen := &stubGenerator{reply: "Internships at the company last 2 to 6 months.", titleErr: errors.New("title model down")}
	embedder := &fixedEmbedder{vec: []float32{1, 0}}
	svc, _, user := internshipFixture(t, gen, embedder, 10)

	question := "What is the internship duration?"
	conv, messages, err := svc.StartConversation(context.Background(), user, question)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, question, messages[0].Content)
	assert.Equal(t, int64(1), messages[0].Seq)

	assistant := messages[1]
	assert.Equal(t, store.RoleAssistant, assistant.Role)
	assert.Equal(t, gen.reply, assistant.Content)
	assert.Equal(t, int64(2), assistant.Seq)
	require.NotNil(t, assistant.Metadata)
	assert.Equal(t, store.MetaAnswer, assistant.Metadata.Kind)
	assert.True(t, assistant.Metadata.ContextUsed)

	// The internship chunk was the top match and went into the prompt.
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Source 1 (internship): Internships typically last 2-6 months")

	// Question is short, so the placeholder title is the question itself.
	assert.Equal(t, question, conv.Title)

	// Bookmark toggle on the assistant message is a strict involution.
	bookmarked, err := svc.ToggleBookmark(user, assistant.ID, "")
	require.NoError(t, err)
	assert.True(t, bookmarked)
	bookmarked, err = svc.ToggleBookmark(user, assistant.ID, "")
	require.NoError(t, err)
	assert.False(t, bookmarked)
}

func TestGenerationFailureRecordsTaggedFallback(t *testing.T) {
	gen := &stubGenerator{err: errors.New("backend unavailable"), titleErr: errors.New("down")}
	svc, _, user := internshipFixture(t, gen, &fixedEmbedder{vec: []float32{1, 0}}, 10)

	conv, _, err := svc.StartConversation(context.Background(), user, "")
	require.NoError(t, err)

	reply, err := svc.SendMessage(context.Background(), user, conv.ID, "Tell me about placements")
	require.NoError(t, err)

	// The user message stays; the assistant slot carries the canned
	// apology, tagged so analytics can tell it from a real answer.
	assert.Equal(t, fallbackReply, reply.Content)
	require.NotNil(t, reply.Metadata)
	assert.Equal(t, store.MetaFallback, reply.Metadata.Kind)

	messages, err := svc.Sessions().Messages(conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "Tell me about placements", messages[0].Content)
}

func TestRateLimitedTurnRecordsNothing(t *testing.T) {
	gen := &stubGenerator{reply: "ok", titleErr: errors.New("down")}
	svc, _, user := internshipFixture(t, gen, &fixedEmbedder{vec: []float32{1, 0}}, 1)

	conv, _, err := svc.StartConversation(context.Background(), user, "first question")
	require.NoError(t, err)

	// The single short-window slot is spent; the next turn is rejected
	// before anything is written.
	_, err = svc.SendMessage(context.Background(), user, conv.ID, "second question")
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)

	messages, err := svc.Sessions().Messages(conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2) // only the first turn's pair
}

func TestDegradedRetrievalStillAnswers(t *testing.T) {
	gen := &stubGenerator{reply: "General advice without references.", titleErr: errors.New("down")}
	embedder := &fixedEmbedder{err: errors.New("embedding backend down")}
	svc, _, user := internshipFixture(t, gen, embedder, 10)

	_, messages, err := svc.StartConversation(context.Background(), user, "Any tips?")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	assistant := messages[1]
	require.NotNil(t, assistant.Metadata)
	assert.Equal(t, store.MetaAnswer, assistant.Metadata.Kind)
	assert.False(t, assistant.Metadata.ContextUsed)

	// The prompt carried no reference block.
	require.Len(t, gen.prompts, 1)
	assert.NotContains(t, gen.prompts[0], "Relevant Context:")
}

func TestArchivedConversationRejectsTurns(t *testing.T) {
	gen := &stubGenerator{reply: "ok", titleErr: errors.New("down")}
	svc, _, user := internshipFixture(t, gen, &fixedEmbedder{vec: []float32{1, 0}}, 10)

	conv, _, err := svc.StartConversation(context.Background(), user, "")
	require.NoError(t, err)
	require.NoError(t, svc.Sessions().ArchiveConversation(user, conv.ID, false))

	_, err = svc.SendMessage(context.Background(), user, conv.ID, "hello?")
	assert.ErrorIs(t, err, ErrConversationArchived)
}

func TestPromptIncludesTrimmedHistory(t *testing.T) {
	gen := &stubGenerator{reply: "ok", titleErr: errors.New("down")}
	svc, _, user := internshipFixture(t, gen, &fixedEmbedder{vec: []float32{1, 0}}, 100)

	conv, _, err := svc.StartConversation(context.Background(), user, "What roles exist?")
	require.NoError(t, err)

	_, err = svc.SendMessage(context.Background(), user, conv.ID, "And internships?")
	require.NoError(t, err)

	require.Len(t, gen.prompts, 2)
	// The second prompt carries the first exchange as history, labelled
	// in the Student/Assistant register.
	assert.Contains(t, gen.prompts[1], "Conversation History:")
	assert.Contains(t, gen.prompts[1], "Student: What roles exist?")
	assert.Contains(t, gen.prompts[1], "Assistant: ok")
	assert.Contains(t, gen.prompts[1], "Student: And internships?")

	// The first prompt had no history block.
	assert.NotContains(t, gen.prompts[0], "Conversation History:")
}

func TestRemainingQuotaDoesNotSpendTurns(t *testing.T) {
	gen := &stubGenerator{reply: "ok", titleErr: errors.New("down")}
	svc, _, user := internshipFixture(t, gen, &fixedEmbedder{vec: []float32{1, 0}}, 2)

	perMinute, perHour := svc.RemainingQuota(user)
	assert.Equal(t, 2, perMinute)
	assert.Equal(t, 100, perHour)

	conv, _, err := svc.StartConversation(context.Background(), user, "q1")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		svc.RemainingQuota(user)
	}

	// One slot left, and the reads above did not consume it.
	_, err = svc.SendMessage(context.Background(), user, conv.ID, "q2")
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), user, conv.ID, "q3")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
}
