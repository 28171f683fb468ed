// internal/devserver/routes.go

package devserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the REST contract plus the development extras
func RegisterRoutes(router *mux.Router, handler *Handler, authMiddleware func(http.Handler) http.Handler) {
	router.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Development helpers
	dev := router.PathPrefix("/dev").Subrouter()
	dev.HandleFunc("/token", handler.IssueToken).Methods("POST")
	dev.HandleFunc("/users", handler.UpsertUser).Methods("POST")
	dev.HandleFunc("/notifications", handler.CreateNotification).Methods("POST")

	// Conversation endpoints
	conversations := router.PathPrefix("/conversations").Subrouter()
	conversations.Use(authMiddleware)
	conversations.HandleFunc("", handler.GetConversations).Methods("GET")
	conversations.HandleFunc("", handler.CreateConversation).Methods("POST")
	conversations.HandleFunc("/by-user/{userId}", handler.GetConversationWithUser).Methods("GET")
	conversations.HandleFunc("/{id}/messages", handler.GetMessages).Methods("GET")

	// Notification endpoints
	notifications := router.PathPrefix("/notifications").Subrouter()
	notifications.Use(authMiddleware)
	notifications.HandleFunc("", handler.GetNotifications).Methods("GET")
	notifications.HandleFunc("/read-all", handler.MarkAllAsRead).Methods("POST")
	notifications.HandleFunc("/{id}/read", handler.MarkAsRead).Methods("POST")
}
