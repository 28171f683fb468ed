// internal/devserver/handlers.go

package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
	"github.com/imadgeboyega/kiekky-sync/internal/config"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

type Handler struct {
	service *Service
	repo    Repository
	hub     *Hub
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time
}

func NewHandler(service *Service, repo Repository, hub *Hub, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		hub:     hub,
		cfg:     cfg,
		logger:  log.With("component", "handler"),
		started: time.Now(),
	}
}

// HealthCheck returns server health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"uptime":      time.Since(h.started).String(),
		"connections": h.hub.GetActiveConnections(),
	})
}

// IssueToken signs an access token for any user id. Development only.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req DevTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, known := h.repo.User(req.UserID); !known || req.Username != "" || req.DisplayName != "" {
		h.repo.UpsertUser(messaging.UserPreview{
			ID:          req.UserID,
			Username:    req.Username,
			DisplayName: req.DisplayName,
		})
	}

	token, err := utils.GenerateJWT(req.UserID, req.Username, h.cfg.JWTSecret, h.cfg.AccessTokenExpiry)
	if err != nil {
		h.logger.Error("sign token failed", "error", err)
		utils.ErrorResponse(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, DevTokenResponse{
		Token:     token,
		ExpiresIn: int64(h.cfg.AccessTokenExpiry / time.Second),
	}, http.StatusOK)
}

// UpsertUser seeds or updates a user preview. Development only.
func (h *Handler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	var req messaging.UserPreview
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	utils.SuccessResponse(w, h.repo.UpsertUser(req), http.StatusOK)
}

// GetConversations gets user's conversations
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	utils.SuccessResponse(w, h.repo.ListConversations(userID), http.StatusOK)
}

// CreateConversation creates a group conversation
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}

	conv, err := h.service.CreateConversation(r.Context(), userID, &req)
	if err != nil {
		if conv == nil {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Warn("chat_created not delivered", "conversation_id", conv.ID, "error", err)
	}
	utils.SuccessResponse(w, conv, http.StatusCreated)
}

// GetConversationWithUser returns the direct conversation with another user
func (h *Handler) GetConversationWithUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	other := mux.Vars(r)["userId"]

	conv, ok := h.repo.FindDirect(userID, other)
	if !ok {
		utils.ErrorResponse(w, "Conversation not found", http.StatusNotFound)
		return
	}
	utils.SuccessResponse(w, conv, http.StatusOK)
}

// GetMessages gets one page of conversation history, oldest first
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	conversationID := mux.Vars(r)["id"]

	conv, err := h.repo.Conversation(conversationID)
	if err != nil || !conv.HasParticipant(userID) {
		utils.ErrorResponse(w, "Conversation not found", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	page, err := h.repo.Messages(conversationID, r.URL.Query().Get("before"), limit)
	if errors.Is(err, ErrMessageNotFound) {
		utils.ErrorResponse(w, "Unknown cursor", http.StatusBadRequest)
		return
	}
	if err != nil {
		utils.ErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SuccessResponse(w, page, http.StatusOK)
}

// GetNotifications gets user's notifications, newest first
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	utils.SuccessResponse(w, h.repo.Notifications(userID), http.StatusOK)
}

func (h *Handler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	count := h.repo.MarkAllNotificationsRead(userID)
	h.logger.Debug("notifications marked read", "user_id", userID, "count", count)
	utils.MessageResponse(w, "All notifications marked as read", http.StatusOK)
}

func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if err := h.repo.MarkNotificationRead(userID, mux.Vars(r)["id"]); err != nil {
		utils.ErrorResponse(w, "Notification not found", http.StatusNotFound)
		return
	}
	utils.MessageResponse(w, "Notification marked as read", http.StatusOK)
}

// CreateNotification stores and pushes a notification. Development only.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notifications.CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.ErrorResponse(w, "Invalid request", http.StatusBadRequest)
		return
	}

	n, err := h.service.PushNotification(r.Context(), &req)
	if err != nil {
		if n == nil {
			utils.ErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Warn("notification not delivered", "notification_id", n.ID, "error", err)
	}
	utils.SuccessResponse(w, n, http.StatusCreated)
}
