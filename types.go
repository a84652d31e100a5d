package pingme

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Message is the canonical message shape every update source is normalized into.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// APIError represents an error body returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized is returned when the backend rejects the session token.
	// Callers must send the user back through login.
	ErrUnauthorized = errors.New("unauthorized")

	ErrEmptyMessage  = errors.New("message text is empty")
	ErrSendPending   = errors.New("a send is already in flight")
	ErrDeletePending = errors.New("a delete is already in flight")
	ErrNotLive       = errors.New("no conversation is open")
	ErrSuperseded    = errors.New("conversation changed before the response arrived")
)

// ValidationError reports a payload that could not be normalized into a Message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message payload: %s %s", e.Field, e.Reason)
}

// RequestError is a transport or non-2xx failure of a backend call.
type RequestError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether err carries an unauthorized response.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// ============================================================================
// REST payload types
// ============================================================================

// HistoryResponse is the body of GET /conversations/messages.
type HistoryResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// Participant is a member of a conversation.
type Participant struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID              string        `json:"_id"`
	UpdatedAt       string        `json:"updatedAt"`
	LastMessageAt   string        `json:"lastMessageAt,omitempty"`
	LastMessageText string        `json:"lastMessageText,omitempty"`
	IsGroup         bool          `json:"isGroup,omitempty"`
	Name            string        `json:"name,omitempty"`
	Participants    []Participant `json:"participants"`
}

// IsDirect reports whether the conversation is a one-to-one chat.
func (c ConversationSummary) IsDirect() bool {
	return !c.IsGroup && len(c.Participants) <= 2
}

// LastActivity returns the last message time, falling back to the update time.
func (c ConversationSummary) LastActivity() time.Time {
	for _, s := range []string{c.LastMessageAt, c.UpdatedAt} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

type conversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type groupsResponse struct {
	Groups []ConversationSummary `json:"groups"`
}

// LoginResult is the body of POST /auth/login.
type LoginResult struct {
	Token string `json:"token"`
	User  struct {
		ID   string `json:"_id"`
		Name string `json:"name,omitempty"`
	} `json:"user"`
}

type sendBody struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type deleteBody struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// User is an account as returned by registration and user search.
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type usersResponse struct {
	Users []User `json:"users"`
}

type registerBody struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createConversationBody struct {
	ParticipantID []string `json:"participantId"`
}
