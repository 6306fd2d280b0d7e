package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"aerocareers.in/chatbot/internal/analytics"
	"aerocareers.in/chatbot/internal/knowledge"
	"aerocareers.in/chatbot/internal/ratelimit"
	"aerocareers.in/chatbot/internal/store"
)

const chatSystemPrompt = "You are a friendly and professional career guidance assistant for engineering students in India, " +
	"specializing in aerospace industry opportunities: company insights, placement processes, internships, job roles, " +
	"career paths, resume tips, and interview preparation. " +
	"Answer based on the provided reference context and conversation history. " +
	"If the answer is not in the context, acknowledge it and suggest where to find it. " +
	"Be encouraging and give actionable advice. Do not make up information."

// fallbackReply is recorded in place of a real answer when the generation
// collaborator fails or the turn is cancelled mid-generation.
const fallbackReply = "I apologize, but I'm having trouble processing your request right now. Please try again in a moment."

const titleGenerationTimeout = 15 * time.Second

// ChatService runs the turn pipeline: admission gate, user-message
// append, context retrieval, prompt assembly, generation, assistant
// append, analytics emission.
type ChatService struct {
	sessions  *SessionManager
	retriever *knowledge.Retriever
	limiter   *ratelimit.Limiter
	generator Generator
	sink      analytics.Sink

	genOpts    GenerateOptions
	maxHistory int
}

func NewChatService(
	sessions *SessionManager,
	retriever *knowledge.Retriever,
	limiter *ratelimit.Limiter,
	generator Generator,
	sink analytics.Sink,
	genOpts GenerateOptions,
	maxHistory int,
) *ChatService {
	return &ChatService{
		sessions:  sessions,
		retriever: retriever,
		limiter:   limiter,
		generator: generator,
		sink:      sink,

		genOpts:    genOpts,
		maxHistory: maxHistory,
	}
}

func (s *ChatService) Sessions() *SessionManager {
	return s.sessions
}

// StartConversation creates a fresh conversation and, when a first
// message is given, runs the first turn. A rate-limited first turn leaves
// the conversation created but empty and surfaces the rejection.
func (s *ChatService) StartConversation(ctx context.Context, user *store.User, firstMessage string) (*store.Conversation, []store.Message, error) {
	conv, err := s.sessions.CreateConversation(user)
	if err != nil {
		return nil, nil, err
	}

	if firstMessage == "" {
		return conv, nil, nil
	}

	reply, err := s.SendMessage(ctx, user, conv.ID, firstMessage)
	if err != nil {
		return conv, nil, err
	}

	messages, err := s.sessions.Messages(conv.ID, 100, 0)
	if err != nil {
		// The turn itself succeeded; return what we have.
		log.Warnf("Failed to reload messages for new conversation %s: %v", conv.ID, err)
		messages = []store.Message{*reply}
	}

	// Re-read so the caller sees the placeholder title.
	if fresh, err := s.sessions.GetConversation(user, conv.ID); err == nil {
		conv = fresh
	}
	return conv, messages, nil
}

// SendMessage executes one conversation turn. The admission gate runs
// before anything is recorded; a rejection leaves prior history
// untouched and returns ratelimit.ErrRateLimited.
func (s *ChatService) SendMessage(ctx context.Context, user *store.User, convID, content string) (*store.Message, error) {
	if err := s.limiter.CheckAndReserve(user.ExternalUserID, time.Now()); err != nil {
		return nil, err
	}

	conv, err := s.sessions.GetConversation(user, convID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, ErrConversationArchived
	}

	// History is captured before the new message goes in, so the prompt
	// carries prior turns only.
	history, err := s.sessions.History(convID, s.maxHistory)
	if err != nil {
		log.Warnf("Failed to load history for conversation %s, proceeding without it: %v", convID, err)
		history = nil
	}

	_, firstUserMessage, err := s.sessions.AppendMessage(convID, store.RoleUser, content, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	retrieval := s.retriever.RetrieveContext(ctx, content, knowledge.DefaultTopK)
	if retrieval.Degraded {
		log.Warnf("Context retrieval degraded for conversation %s: %v", convID, retrieval.Reason)
	}

	prompt := buildPrompt(retrieval.Context, history, content)

	reply, genErr := s.generator.Generate(ctx, prompt, s.genOpts)

	var meta *store.MessageMetadata
	if genErr != nil {
		// The user message stays recorded; the log gets a marked
		// fallback entry so analytics can tell it from a real answer.
		log.Errorf("Generation failed for conversation %s: %v", convID, genErr)
		reply = fallbackReply
		meta = &store.MessageMetadata{Kind: store.MetaFallback}
	} else {
		meta = &store.MessageMetadata{Kind: store.MetaAnswer, ContextUsed: retrieval.Context != ""}
	}

	assistantMsg, _, err := s.sessions.AppendMessage(convID, store.RoleAssistant, reply, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to record assistant message: %w", err)
	}

	if firstUserMessage {
		go s.generateAndSaveTitle(user, convID, content)
	}

	s.sink.Emit(user.ID, analytics.EventQuery, analytics.QueryPayload{
		Query:          content,
		ResponseLength: len(reply),
		ContextUsed:    meta.Kind == store.MetaAnswer && meta.ContextUsed,
		Fallback:       meta.Kind == store.MetaFallback,
		Timestamp:      analytics.Now(),
	})

	return assistantMsg, nil
}

// generateAndSaveTitle asks the generation collaborator for a title and
// writes it back once. It runs detached from the turn with its own
// timeout; failure keeps the placeholder title.
func (s *ChatService) generateAndSaveTitle(user *store.User, convID, basisContent string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleGenerationTimeout)
	defer cancel()

	title, err := s.generator.SummarizeTitle(ctx, basisContent)
	if err != nil {
		log.Warnf("Failed to generate title for conversation %s: %v", convID, err)
		return
	}

	if err := s.sessions.SetGeneratedTitle(user, convID, title); err != nil {
		log.Warnf("Failed to save generated title for conversation %s: %v", convID, err)
	}
}

// ToggleBookmark flips bookmark state and emits the bookmark event.
func (s *ChatService) ToggleBookmark(user *store.User, messageID, note string) (bool, error) {
	bookmarked, err := s.sessions.BookmarkToggle(user, messageID, note)
	if err != nil {
		return false, err
	}
	s.sink.Emit(user.ID, analytics.EventBookmark, analytics.BookmarkPayload{
		MessageID:  messageID,
		Bookmarked: bookmarked,
		Timestamp:  analytics.Now(),
	})
	return bookmarked, nil
}

// RemainingQuota reports the identity's unused admission budget without
// consuming any of it.
func (s *ChatService) RemainingQuota(user *store.User) (perMinute, perHour int) {
	return s.limiter.RemainingQuota(user.ExternalUserID, time.Now())
}

// IsRateLimited reports whether err is the admission controller's
// rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited)
}

func buildPrompt(referenceContext string, history []store.Message, userMessage string) string {
	var b strings.Builder
	b.WriteString(chatSystemPrompt)

	if referenceContext != "" {
		b.WriteString("\n\nRelevant Context:\n")
		b.WriteString(referenceContext)
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("\n\nConversation History:")
		for _, msg := range history {
			role := "Student"
			if msg.Role == store.RoleAssistant {
				role = "Assistant"
			}
			b.WriteString("\n")
			b.WriteString(role)
			b.WriteString(": ")
			b.WriteString(msg.Content)
		}
	}

	b.WriteString("\n\nStudent: ")
	b.WriteString(userMessage)
	b.WriteString("\nAssistant:")
	return b.String()
}
