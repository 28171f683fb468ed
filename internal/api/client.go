// internal/api/client.go
// REST client for the backend contract

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
)

const (
	DefaultPageSize = 30
	maxBodySize     = 4 << 20
)

// Error is a non-auth failure reported by the backend
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

type Options struct {
	BaseURL    string
	Token      string
	PageSize   int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnUnauthorized runs whenever the backend rejects the token
	OnUnauthorized func()
}

type Client struct {
	baseURL        string
	pageSize       int
	http           *http.Client
	logger         *slog.Logger
	onUnauthorized func()

	mu    sync.RWMutex
	token string
}

func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		pageSize:       opts.PageSize,
		http:           httpClient,
		logger:         opts.Logger.With("component", "api"),
		onUnauthorized: opts.OnUnauthorized,
		token:          opts.Token,
	}
}

// SetToken swaps the bearer token used for later calls
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListConversations fetches the user's conversation previews
func (c *Client) ListConversations(ctx context.Context) ([]*messaging.Conversation, error) {
	var out []*messaging.Conversation
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMessages fetches the page strictly older than before, or the newest
// page when before is empty.
func (c *Client) FetchMessages(ctx context.Context, conversationID, before string) (*messaging.MessagePage, error) {
	query := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if before != "" {
		query.Set("before", before)
	}

	var raw json.RawMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "fetch_messages", http.MethodGet, path, query, nil, &raw); err != nil {
		return nil, err
	}

	page := &messaging.MessagePage{}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		// some deployments return a bare array; a full page hints at more
		if err := json.Unmarshal(trimmed, &page.Messages); err != nil {
			return nil, pkgerrors.Wrap(err, "decode messages")
		}
		page.HasMore = len(page.Messages) >= c.pageSize
	default:
		if err := json.Unmarshal(trimmed, page); err != nil {
			return nil, pkgerrors.Wrap(err, "decode message page")
		}
	}
	for _, m := range page.Messages {
		if m != nil && m.ConversationID == "" {
			m.ConversationID = conversationID
		}
	}
	return page, nil
}

// FindConversationWithUser returns the direct conversation with userID, or
// nil when the two have never talked.
func (c *Client) FindConversationWithUser(ctx context.Context, userID string) (*messaging.Conversation, error) {
	var conv *messaging.Conversation
	err := c.do(ctx, "find_conversation", http.MethodGet, "/conversations/by-user/"+url.PathEscape(userID), nil, nil, &conv)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conv != nil && conv.ID == "" {
		return nil, nil
	}
	return conv, nil
}

func (c *Client) ListNotifications(ctx context.Context) ([]*notifications.Notification, error) {
	var out []*notifications.Notification
	if err := c.do(ctx, "list_notifications", http.MethodGet, "/notifications", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark_all_notifications_read", http.MethodPost, "/notifications/read-all", nil, nil, nil)
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, "mark_notification_read", http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

// IssueDevToken asks a development backend to sign a token for userID
func (c *Client) IssueDevToken(ctx context.Context, userID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"userId": userID}
	if err := c.do(ctx, "dev_token", http.MethodPost, "/dev/token", nil, body, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", pkgerrors.New("dev token: empty token in response")
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrapf(err, "%s: encode body", op)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return pkgerrors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRESTCall(op, "error", time.Since(start))
		return pkgerrors.Wrap(err, op)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	metrics.RecordRESTCall(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return pkgerrors.Wrapf(err, "%s: read body", op)
	}

	data, message, unwrapErr := utils.UnwrapResponse(raw)
	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(op, resp.StatusCode, message)
	}
	if unwrapErr != nil {
		return pkgerrors.Wrapf(unwrapErr, "%s: decode envelope", op)
	}
	if data == nil && message != "" {
		return pkgerrors.Wrap(&Error{Status: resp.StatusCode, Message: message}, op)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return pkgerrors.Wrapf(err, "%s: decode response", op)
	}
	return nil
}

func (c *Client) statusError(op string, status int, message string) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		c.logger.Warn("backend rejected token", "operation", op, "status", status)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return pkgerrors.Wrapf(ErrUnauthorized, "%s: %s", op, message)
	case http.StatusNotFound:
		return pkgerrors.Wrapf(ErrNotFound, "%s: %s", op, message)
	default:
		return pkgerrors.Wrap(&Error{Status: status, Message: message}, op)
	}
}
