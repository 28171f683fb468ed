package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
)

func newTestServer(t *testing.T, routes func(r *mux.Router)) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestListConversationsSendsBearer(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			utils.SuccessResponse(w, []map[string]any{
				{"id": "c1", "participants": []map[string]string{{"id": "me"}, {"id": "u1", "username": "ada"}}},
			}, http.StatusOK)
		}).Methods(http.MethodGet)
	})

	c := New(Options{BaseURL: srv.URL, Token: "tok"})
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "ada", convs[0].DisplayName("me"))
}

func TestUnauthorizedRunsHook(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
			utils.ErrorResponse(w, "Invalid or expired token", http.StatusUnauthorized)
		})
	})

	var hits int32
	c := New(Options{BaseURL: srv.URL, Token: "bad", OnUnauthorized: func() { atomic.AddInt32(&hits, 1) }})
	_, err := c.ListNotifications(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "expired token")
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestFetchMessagesPage(t *testing.T) {
	var gotBefore, gotLimit string
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "c1", mux.Vars(r)["id"])
			gotBefore = r.URL.Query().Get("before")
			gotLimit = r.URL.Query().Get("limit")
			utils.SuccessResponse(w, map[string]any{
				"messages": []map[string]any{
					{"id": "m1", "senderId": "u1", "content": "a", "createdAt": "2024-03-01T12:00:00Z"},
					{"id": "m2", "conversationId": "c1", "sender": map[string]string{"id": "u2"}, "content": "b", "createdAt": "2024-03-01T12:01:00Z", "isRead": true},
				},
				"hasMore": true,
			}, http.StatusOK)
		})
	})

	c := New(Options{BaseURL: srv.URL, PageSize: 2})
	page, err := c.FetchMessages(context.Background(), "c1", "m3")
	require.NoError(t, err)
	assert.Equal(t, "m3", gotBefore)
	assert.Equal(t, "2", gotLimit)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "c1", page.Messages[0].ConversationID, "filled in from the request")
	assert.Equal(t, "u2", page.Messages[1].AuthorID())
}

func TestFetchMessagesBareArray(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.URL.Query().Get("before"))
			utils.RespondWithJSON(w, http.StatusOK, []map[string]any{
				{"id": "m1", "senderId": "u1", "createdAt": "2024-03-01T12:00:00Z"},
				{"id": "m2", "senderId": "u1", "createdAt": "2024-03-01T12:01:00Z"},
			})
		})
	})

	c := New(Options{BaseURL: srv.URL, PageSize: 2})
	page, err := c.FetchMessages(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
}

func TestFindConversationWithUser(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/conversations/by-user/{userId}", func(w http.ResponseWriter, r *http.Request) {
			switch mux.Vars(r)["userId"] {
			case "known":
				utils.SuccessResponse(w, map[string]any{"id": "c1"}, http.StatusOK)
			case "null":
				utils.RespondWithJSON(w, http.StatusOK, nil)
			default:
				utils.ErrorResponse(w, "Conversation not found", http.StatusNotFound)
			}
		})
	})
	c := New(Options{BaseURL: srv.URL})
	ctx := context.Background()

	conv, err := c.FindConversationWithUser(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)

	conv, err = c.FindConversationWithUser(ctx, "stranger")
	require.NoError(t, err)
	assert.Nil(t, conv)

	conv, err = c.FindConversationWithUser(ctx, "null")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestMarkReadCalls(t *testing.T) {
	var all, one int32
	var lastID string
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&all, 1)
			utils.MessageResponse(w, "All notifications marked as read", http.StatusOK)
		}).Methods(http.MethodPost)
		r.HandleFunc("/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&one, 1)
			lastID = mux.Vars(r)["id"]
			utils.MessageResponse(w, "Notification marked as read", http.StatusOK)
		}).Methods(http.MethodPost)
	})
	c := New(Options{BaseURL: srv.URL})

	require.NoError(t, c.MarkAllNotificationsRead(context.Background()))
	require.NoError(t, c.MarkNotificationRead(context.Background(), "n7"))
	assert.EqualValues(t, 1, all)
	assert.EqualValues(t, 1, one)
	assert.Equal(t, "n7", lastID)
}

func TestServerErrorsCarryStatus(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
			utils.ErrorResponse(w, "database unavailable", http.StatusServiceUnavailable)
		})
		r.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
			utils.ErrorResponse(w, "soft failure", http.StatusOK)
		})
	})
	c := New(Options{BaseURL: srv.URL})

	_, err := c.ListNotifications(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "database unavailable", apiErr.Message)

	_, err = c.ListConversations(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "soft failure", apiErr.Message)
}

func TestIssueDevToken(t *testing.T) {
	srv := newTestServer(t, func(r *mux.Router) {
		r.HandleFunc("/dev/token", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			utils.SuccessResponse(w, map[string]string{"token": "signed"}, http.StatusOK)
		}).Methods(http.MethodPost)
	})
	c := New(Options{BaseURL: srv.URL + "/"})

	token, err := c.IssueDevToken(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "signed", token)
}
