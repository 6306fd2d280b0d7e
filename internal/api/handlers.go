package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"aerocareers.in/chatbot/internal/analytics"
	"aerocareers.in/chatbot/internal/auth"
	"aerocareers.in/chatbot/internal/core"
	"aerocareers.in/chatbot/internal/store"
)

type contextKey string

const userContextKey contextKey = "user"

type APIHandler struct {
	chatService *core.ChatService
	dbStore     *store.SQLiteStore
	sink        analytics.Sink
}

func NewAPIHandler(cs *core.ChatService, db *store.SQLiteStore, sink analytics.Sink) *APIHandler {
	return &APIHandler{chatService: cs, dbStore: db, sink: sink}
}

// JWTAuthMiddleware resolves the request's identity. Any verification
// failure ends the request here; no engine state is touched.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		externalUserID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.dbStore.GetUserByExternalID(externalUserID)
		if err != nil {
			log.Errorf("Failed to resolve identity %s: %v", externalUserID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) *store.User {
	return r.Context().Value(userContextKey).(*store.User)
}

type SignupRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	existing, err := h.dbStore.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Errorf("Failed to check existing user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Errorf("Failed to hash password for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.dbStore.CreateUser(req.UserID, req.Email, req.DisplayName, hashedPassword)
	if err != nil {
		log.Errorf("Failed to create user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.dbStore.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Errorf("Failed to get user %s: %v", req.UserID, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Errorf("Failed to generate JWT for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.sink.Emit(user.ID, analytics.EventLogin, analytics.LoginPayload{
		Email:     user.Email,
		Timestamp: analytics.Now(),
	})

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type StartConversationRequest struct {
	FirstMessage string `json:"first_message,omitempty"`
}

type ConversationResponse struct {
	*store.Conversation
	Messages []store.Message `json:"messages,omitempty"`
}

func (h *APIHandler) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req StartConversationRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	conv, messages, err := h.chatService.StartConversation(r.Context(), user, req.FirstMessage)
	if err != nil {
		if core.IsRateLimited(err) {
			http.Error(w, "Rate limit exceeded. Please wait before sending another message.", http.StatusTooManyRequests)
			return
		}
		log.Errorf("Failed to start conversation for user %d: %v", user.ID, err)
		http.Error(w, "Failed to start conversation", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ConversationResponse{Conversation: conv, Messages: messages})
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	convs, err := h.chatService.Sessions().ListConversations(user, 50)
	if err != nil {
		log.Errorf("Failed to list conversations for user %d: %v", user.ID, err)
		http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(convs)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	convID := chi.URLParam(r, "conversationID")

	conv, err := h.chatService.Sessions().GetConversation(user, convID)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		log.Errorf("Failed to get conversation %s for user %d: %v", convID, user.ID, err)
		http.Error(w, "Failed to get conversation", http.StatusInternalServerError)
		return
	}

	messages, err := h.chatService.Sessions().Messages(convID, 100, 0)
	if err != nil {
		log.Errorf("Failed to get messages for conversation %s: %v", convID, err)
		http.Error(w, "Failed to get conversation messages", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(ConversationResponse{Conversation: conv, Messages: messages})
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	convID := chi.URLParam(r, "conversationID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	assistantMsg, err := h.chatService.SendMessage(r.Context(), user, convID, req.Content)
	if err != nil {
		switch {
		case core.IsRateLimited(err):
			http.Error(w, "Rate limit exceeded. Please wait before sending another message.", http.StatusTooManyRequests)
		case errors.Is(err, core.ErrConversationNotFound):
			http.Error(w, "Conversation not found", http.StatusNotFound)
		case errors.Is(err, core.ErrConversationArchived):
			http.Error(w, "Conversation is archived", http.StatusConflict)
		default:
			log.Errorf("Failed to post message for user %d, conversation %s: %v", user.ID, convID, err)
			http.Error(w, "Failed to post message", http.StatusInternalServerError)
		}
		return
	}
	json.NewEncoder(w).Encode(assistantMsg)
}

type ArchiveConversationRequest struct {
	Active bool `json:"active"`
}

func (h *APIHandler) ArchiveConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	convID := chi.URLParam(r, "conversationID")

	req := ArchiveConversationRequest{Active: false}
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := h.chatService.Sessions().ArchiveConversation(user, convID, req.Active); err != nil {
		log.Errorf("Failed to archive conversation %s for user %d: %v", convID, user.ID, err)
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	convID := chi.URLParam(r, "conversationID")

	if err := h.chatService.Sessions().DeleteConversation(user, convID); err != nil {
		log.Errorf("Failed to delete conversation %s for user %d: %v", convID, user.ID, err)
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ToggleBookmarkRequest struct {
	Note string `json:"note,omitempty"`
}

func (h *APIHandler) ToggleBookmarkHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	messageID := chi.URLParam(r, "messageID")

	var req ToggleBookmarkRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	bookmarked, err := h.chatService.ToggleBookmark(user, messageID, req.Note)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		log.Errorf("Failed to toggle bookmark on message %s for user %d: %v", messageID, user.ID, err)
		http.Error(w, "Failed to toggle bookmark", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]bool{"bookmarked": bookmarked})
}

func (h *APIHandler) ListBookmarksHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	bookmarks, err := h.chatService.Sessions().ListBookmarks(user)
	if err != nil {
		log.Errorf("Failed to list bookmarks for user %d: %v", user.ID, err)
		http.Error(w, "Failed to list bookmarks", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(bookmarks)
}

func (h *APIHandler) QuotaHandler(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	perMinute, perHour := h.chatService.RemainingQuota(user)
	json.NewEncoder(w).Encode(map[string]int{
		"remaining_per_minute": perMinute,
		"remaining_per_hour":   perHour,
	})
}
