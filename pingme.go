// Package pingme is the Go client core for the pingme chat service.
//
// It keeps a conversation's message list in memory and live: the initial
// history fetch, server-confirmed mutation responses and push events are all
// funneled into one deduplicated, time-ordered MessageSet.
//
// Example:
//
//	session := pingme.NewSession(token, userID)
//	client := pingme.NewClient(token)
//	push := pingme.NewRealtimeClient(&pingme.RealtimeConfig{Key: "app-key", Cluster: "eu"})
//
//	conv := pingme.NewConversationSync(session, client, push)
//	conv.On(pingme.EventMessagesChanged, func(_ string, p any) { ... })
//	conv.Open(ctx, "conv-123")
//	defer conv.Close()
//
//	conv.SendMessage(ctx, "hello")
//	conv.DeleteMessage(ctx, "m1")
package pingme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://pingme-backend-nu.vercel.app"
	DefaultTimeout = 30 * time.Second

	// DefaultHistoryLimit is how many recent messages the initial load asks for.
	DefaultHistoryLimit = 20
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the pingme backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client. token may be empty before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after Login.
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

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one call and maps the status code: 401 becomes a
// *RequestError wrapping ErrUnauthorized, any other non-2xx a *RequestError
// carrying the backend's APIError when it sent one.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	c.log.Debug().Str("op", op).Str("method", method).Str("path", path).
		Int("status", resp.StatusCode).Msg("Backend request")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: &apiErr}
		}
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeEnveloped decodes data either as {key: T} or as a bare T.
func decodeEnveloped[T any](data []byte, key string) (*T, error) {
	var env map[string]json.RawMessage
	if json.Unmarshal(data, &env) == nil {
		if inner, ok := env[key]; ok && len(inner) > 0 && inner[0] == '{' {
			return decodeJSON[T](inner)
		}
	}
	return decodeJSON[T](data)
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, "login", "POST", "/auth/login",
		map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	return res, nil
}

// Register creates an account. The backend does not log the new user in.
func (c *Client) Register(ctx context.Context, name, email, password string) (*User, error) {
	data, err := c.doRequest(ctx, "register", "POST", "/auth/register",
		&registerBody{Name: name, Email: email, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	return decodeEnveloped[User](data, "user")
}

// SearchUsers looks up users whose name matches term.
func (c *Client) SearchUsers(ctx context.Context, term string) ([]User, error) {
	data, err := c.doRequest(ctx, "users.search", "GET", "/users/search/"+url.PathEscape(term), nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	if res.Users == nil {
		return []User{}, nil
	}
	return res.Users, nil
}

// ============================================================================
// Messages
// ============================================================================

// FetchHistory returns the most recent limit raw message payloads.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("limit", strconv.Itoa(limit))
	data, err := c.doRequest(ctx, "history", "GET", "/conversations/messages", nil, q)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[HistoryResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// SendMessage posts text and returns the raw created message.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, senderID string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, "send", "POST", "/conversations/messages", &sendBody{
		Text:           text,
		ConversationID: conversationID,
		SenderID:       senderID,
	}, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// DeleteByPath issues DELETE /conversations/messages/{messageID}.
func (c *Client) DeleteByPath(ctx context.Context, messageID, conversationID string) error {
	_, err := c.doRequest(ctx, "delete.path", "DELETE", "/conversations/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// DeleteByQuery issues DELETE /conversations/messages?messageId=&conversationId=.
func (c *Client) DeleteByQuery(ctx context.Context, messageID, conversationID string) error {
	q := url.Values{}
	q.Set("messageId", messageID)
	q.Set("conversationId", conversationID)
	_, err := c.doRequest(ctx, "delete.query", "DELETE", "/conversations/messages", nil, q)
	return err
}

// DeleteByBody issues DELETE /conversations/messages with a JSON body.
func (c *Client) DeleteByBody(ctx context.Context, messageID, conversationID string) error {
	_, err := c.doRequest(ctx, "delete.body", "DELETE", "/conversations/messages", &deleteBody{
		MessageID:      messageID,
		ConversationID: conversationID,
	}, nil)
	return err
}

// ============================================================================
// Conversation lists
// ============================================================================

// Conversations lists the caller's conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, "conversations", "GET", "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Conversations, nil
}

// Groups lists the caller's group conversations.
func (c *Client) Groups(ctx context.Context) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, "groups", "GET", "/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[groupsResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Groups, nil
}

// CreateConversation starts a direct conversation with participantID. The
// backend announces it on the list channel as a new-chat event.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (*ConversationSummary, error) {
	data, err := c.doRequest(ctx, "conversations.create", "POST", "/conversations",
		&createConversationBody{ParticipantID: []string{participantID}}, nil)
	if err != nil {
		return nil, err
	}
	return decodeEnveloped[ConversationSummary](data, "conversation")
}
