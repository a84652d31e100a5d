package pingme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Collaborator contracts
// ============================================================================

// HistoryFetcher loads the most recent messages of a conversation.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]json.RawMessage, error)
}

// MessageSender creates a message and returns the server's record of it.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID, text, senderID string) (json.RawMessage, error)
}

// MessageDeleter exposes the three delete request shapes the backend may accept.
type MessageDeleter interface {
	DeleteByPath(ctx context.Context, messageID, conversationID string) error
	DeleteByQuery(ctx context.Context, messageID, conversationID string) error
	DeleteByBody(ctx context.Context, messageID, conversationID string) error
}

// Backend is everything ConversationSync needs from the REST side. *Client
// implements it.
type Backend interface {
	HistoryFetcher
	MessageSender
	MessageDeleter
}

// ============================================================================
// State
// ============================================================================

// SyncState is the lifecycle state of a ConversationSync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncLoading
	SyncLive
)

func (s SyncState) String() string {
	switch s {
	case SyncLoading:
		return "loading"
	case SyncLive:
		return "live"
	default:
		return "idle"
	}
}

// DeleteShape names one request of the delete fallback chain.
type DeleteShape int

const (
	DeletePath DeleteShape = iota
	DeleteQuery
	DeleteBody
)

func (d DeleteShape) String() string {
	switch d {
	case DeletePath:
		return "path"
	case DeleteQuery:
		return "query"
	case DeleteBody:
		return "body"
	}
	return "unknown"
}

// ErrClosed is returned by operations on a ConversationSync after Close.
var ErrClosed = errors.New("conversation sync is closed")

// ============================================================================
// Options
// ============================================================================

type SyncOption func(*ConversationSync)

// WithSummaries sets the conversation-list cache to invalidate.
func WithSummaries(inv SummaryInvalidator) SyncOption {
	return func(s *ConversationSync) { s.summaries = inv }
}

func WithSyncLogger(log zerolog.Logger) SyncOption {
	return func(s *ConversationSync) { s.log = log }
}

func WithMetrics(m *Metrics) SyncOption {
	return func(s *ConversationSync) { s.metrics = m }
}

// WithHistoryLimit overrides DefaultHistoryLimit.
func WithHistoryLimit(n int) SyncOption {
	return func(s *ConversationSync) {
		if n > 0 {
			s.limit = n
		}
	}
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

// ============================================================================
// ConversationSync
// ============================================================================

// ConversationSync owns the message view of one mounted conversation. It
// moves Idle -> Loading -> Live on Open and back to Idle on Close or when
// the conversation is switched.
//
// Every result that arrives after a suspension point (history load, send,
// delete, push delivery) is applied only if the conversation it was started
// for is still the active one.
type ConversationSync struct {
	*emitter

	session   *Session
	backend   Backend
	push      *PushManager
	summaries SummaryInvalidator
	log       zerolog.Logger
	metrics   *Metrics
	limit     int

	mu            sync.Mutex
	state         SyncState
	convID        string
	epoch         uint64
	set           *MessageSet
	draft         string
	sending       bool
	pendingDelete string
	closed        bool
	unregister    func()
}

// NewConversationSync builds an Idle core. Logging out of session closes it.
func NewConversationSync(session *Session, backend Backend, transport PushTransport, opts ...SyncOption) *ConversationSync {
	s := &ConversationSync{
		emitter:   newEmitter(),
		session:   session,
		backend:   backend,
		summaries: noopInvalidator{},
		log:       zerolog.Nop(),
		limit:     DefaultHistoryLimit,
		set:       NewMessageSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.push = NewPushManager(transport, s.log, s.metrics)
	s.unregister = session.onLogout(func() { _ = s.Close() })
	return s
}

// State returns the current lifecycle state.
func (s *ConversationSync) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the active conversation, or "" when Idle.
func (s *ConversationSync) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Messages returns the sorted, deduplicated message sequence.
func (s *ConversationSync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Sequence()
}

// SendPending reports whether a send is in flight.
func (s *ConversationSync) SendPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// PendingDelete returns the id of the message being deleted, if any.
func (s *ConversationSync) PendingDelete() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDelete, s.pendingDelete != ""
}

// SetDraft stores the text of the input field.
func (s *ConversationSync) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft returns the input field text. A failed send leaves it untouched.
func (s *ConversationSync) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// ----------------------------------------------------------------------------
// Open / Close
// ----------------------------------------------------------------------------

// Open activates conversationID: push handlers are bound, then the latest
// messages are fetched. The core ends Live whether or not the fetch worked;
// a failed fetch is returned and emitted once as EventLoadFailed and is not
// retried. Opening "" returns the core to Idle. Opening the active id again
// is a no-op.
func (s *ConversationSync) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if conversationID == s.convID && s.state != SyncIdle {
		s.mu.Unlock()
		return nil
	}

	prev := s.state
	s.epoch++
	epoch := s.epoch
	s.convID = conversationID
	s.set = NewMessageSet()
	s.sending = false
	s.pendingDelete = ""

	if conversationID == "" {
		s.state = SyncIdle
		s.mu.Unlock()
		s.push.Release()
		s.emitState("", prev, SyncIdle)
		s.emitMessages("", nil)
		return nil
	}

	s.state = SyncLoading
	// Bound under the lock so rapid switches bind in epoch order.
	s.push.Bind(conversationID, s.handleNewChat, s.messageHandler(epoch))
	s.mu.Unlock()

	log := s.log.With().Str("conversation_id", conversationID).Logger()
	s.emitState(conversationID, prev, SyncLoading)
	log.Debug().Int("limit", s.limit).Msg("Loading conversation history")

	raws, err := s.backend.FetchHistory(ctx, conversationID, s.limit)

	var msgs []Message
	if err == nil {
		msgs = make([]Message, 0, len(raws))
		for _, raw := range raws {
			m, verr := Normalize(raw)
			if verr != nil {
				log.Debug().Err(verr).Msg("Dropping malformed history record")
				continue
			}
			msgs = append(msgs, m)
		}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Debug().Msg("Discarding history for superseded conversation")
		return ErrSuperseded
	}
	added := s.set.UpsertAll(msgs)
	s.state = SyncLive
	seq := s.set.Sequence()
	s.mu.Unlock()

	s.emitState(conversationID, SyncLoading, SyncLive)
	if err != nil {
		s.metrics.load("failed")
		log.Warn().Err(err).Msg("Failed to load conversation history")
		s.surface(EventLoadFailed, &FailurePayload{ConversationID: conversationID, Err: err})
		s.emitMessages(conversationID, seq)
		return err
	}
	s.metrics.load("ok")
	log.Info().Int("messages", added).Msg("Conversation history loaded")
	s.emitMessages(conversationID, seq)
	return nil
}

// Reload refetches the latest history of the active conversation and merges
// it into the view. Messages already present are kept as they are.
func (s *ConversationSync) Reload(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != SyncLive:
		s.mu.Unlock()
		return ErrNotLive
	}
	epoch, convID := s.epoch, s.convID
	s.mu.Unlock()

	log := s.log.With().Str("conversation_id", convID).Logger()
	raws, err := s.backend.FetchHistory(ctx, convID, s.limit)
	if err != nil {
		s.metrics.load("failed")
		log.Warn().Err(err).Msg("Failed to reload conversation history")
		s.surface(EventLoadFailed, &FailurePayload{ConversationID: convID, Err: err})
		return err
	}

	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		if m, verr := Normalize(raw); verr == nil {
			msgs = append(msgs, m)
		}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrSuperseded
	}
	added := s.set.UpsertAll(msgs)
	seq := s.set.Sequence()
	s.mu.Unlock()

	s.metrics.load("ok")
	log.Debug().Int("added", added).Msg("Conversation history reloaded")
	if added > 0 {
		s.emitMessages(convID, seq)
	}
	return nil
}

// Close unbinds the push handlers, unsubscribes both channels and
// disconnects the transport. It runs once; later calls return nil.
func (s *ConversationSync) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	prev := s.state
	convID := s.convID
	s.state = SyncIdle
	s.sending = false
	s.pendingDelete = ""
	unregister := s.unregister
	s.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	err := s.push.Close()
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", convID).Msg("Push transport disconnect failed")
	}
	s.emitState(convID, prev, SyncIdle)
	s.removeAll()
	return err
}

// ----------------------------------------------------------------------------
// Push ingestion
// ----------------------------------------------------------------------------

func (s *ConversationSync) handleNewChat(json.RawMessage) {
	s.metrics.pushEvent(EventNewChat, "ok")
	s.summaries.Invalidate(SummariesTag)
}

func (s *ConversationSync) messageHandler(epoch uint64) PushHandler {
	return func(data json.RawMessage) {
		m, err := Normalize(data)
		if err != nil {
			s.metrics.pushEvent(EventNewMessage, "malformed")
			s.log.Debug().Err(err).Msg("Dropping malformed push payload")
			return
		}

		s.mu.Lock()
		if s.closed || s.epoch != epoch {
			s.mu.Unlock()
			s.metrics.pushEvent(EventNewMessage, "stale")
			return
		}
		convID := s.convID
		added := s.set.UpsertIfAbsent(m)
		seq := s.set.Sequence()
		s.mu.Unlock()

		if !added {
			s.metrics.pushEvent(EventNewMessage, "duplicate")
			return
		}
		s.metrics.pushEvent(EventNewMessage, "ok")
		s.log.Debug().Str("conversation_id", convID).Str("message_id", m.ID).Msg("Push message applied")
		s.emitMessages(convID, seq)
		s.summaries.Invalidate(SummariesTag)
	}
}

// ----------------------------------------------------------------------------
// Send
// ----------------------------------------------------------------------------

// SendMessage posts text to the active conversation. Blank text and a second
// send while one is in flight are rejected without a request. On success the
// server's record is upserted and the draft cleared; on failure nothing was
// inserted locally and the draft is kept for retry.
func (s *ConversationSync) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == SyncIdle:
		s.mu.Unlock()
		return ErrNotLive
	case s.sending:
		s.mu.Unlock()
		return ErrSendPending
	}
	s.sending = true
	epoch, convID := s.epoch, s.convID
	s.mu.Unlock()

	log := s.log.With().Str("conversation_id", convID).Logger()
	raw, err := s.backend.SendMessage(ctx, convID, text, s.session.UserID())

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Debug().Msg("Discarding send response for superseded conversation")
		return ErrSuperseded
	}
	s.sending = false
	if err != nil {
		s.mu.Unlock()
		s.metrics.mutation("send", "failed")
		log.Warn().Err(err).Msg("Failed to send message")
		s.surface(EventSendFailed, &FailurePayload{ConversationID: convID, Err: err})
		return err
	}

	s.draft = ""
	m, verr := Normalize(raw)
	added := verr == nil && s.set.UpsertIfAbsent(m)
	seq := s.set.Sequence()
	s.mu.Unlock()

	s.metrics.mutation("send", "ok")
	if added {
		s.emitMessages(convID, seq)
	}
	s.summaries.Invalidate(SummariesTag)

	if verr != nil {
		log.Warn().Err(verr).Msg("Send response was not a valid message")
		s.surface(EventSendFailed, &FailurePayload{ConversationID: convID, Err: verr})
		return verr
	}
	log.Debug().Str("message_id", m.ID).Bool("inserted", added).Msg("Message sent")
	s.emit(EventSendSucceeded, &SentPayload{ConversationID: convID, Message: m, Inserted: added})
	return nil
}

// SendDraft sends the current draft.
func (s *ConversationSync) SendDraft(ctx context.Context) error {
	return s.SendMessage(ctx, s.Draft())
}

// ----------------------------------------------------------------------------
// Delete
// ----------------------------------------------------------------------------

// DeleteMessage removes messageID from the view at once and asks the backend
// to delete it, trying the path, query and body request shapes in order.
// Unauthorized aborts the chain. If no attempt succeeds the view is restored
// to exactly what it was before the call, which also drops any push or
// confirmed send applied while the chain ran; Reload fetches them again.
// Deleting an id that is not in the
// view is a no-op; deleting another id while one is pending is
// ErrDeletePending.
func (s *ConversationSync) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == SyncIdle:
		s.mu.Unlock()
		return ErrNotLive
	case !s.set.Has(messageID):
		// Covers a repeat delete of the id already pending or deleted.
		s.mu.Unlock()
		return nil
	case s.pendingDelete != "":
		s.mu.Unlock()
		return ErrDeletePending
	}
	snap := s.set.Snapshot()
	s.set.Remove(messageID)
	s.pendingDelete = messageID
	epoch, convID := s.epoch, s.convID
	seq := s.set.Sequence()
	s.mu.Unlock()

	s.emitMessages(convID, seq)

	log := s.log.With().Str("conversation_id", convID).Str("message_id", messageID).Logger()
	shape, err := s.deleteChain(ctx, log, messageID, convID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		log.Debug().Msg("Discarding delete outcome for superseded conversation")
		return ErrSuperseded
	}
	s.pendingDelete = ""
	if err != nil {
		s.set.Restore(snap)
		seq = s.set.Sequence()
		s.mu.Unlock()

		s.metrics.mutation("delete", "rolled_back")
		log.Warn().Err(err).Msg("Delete failed, message restored")
		s.emitMessages(convID, seq)
		s.surface(EventDeleteFailed, &FailurePayload{ConversationID: convID, MessageID: messageID, Err: err})
		return err
	}
	s.mu.Unlock()

	s.metrics.mutation("delete", "ok")
	log.Info().Stringer("attempt", shape).Msg("Message deleted")
	s.emit(EventDeleteSucceeded, &DeletePayload{ConversationID: convID, MessageID: messageID, Attempt: shape})
	s.summaries.Invalidate(SummariesTag)
	return nil
}

func (s *ConversationSync) deleteChain(ctx context.Context, log zerolog.Logger, messageID, convID string) (DeleteShape, error) {
	attempts := []struct {
		shape DeleteShape
		do    func(context.Context, string, string) error
	}{
		{DeletePath, s.backend.DeleteByPath},
		{DeleteQuery, s.backend.DeleteByQuery},
		{DeleteBody, s.backend.DeleteByBody},
	}

	var lastErr error
	for _, a := range attempts {
		err := a.do(ctx, messageID, convID)
		if err == nil {
			s.metrics.deleteAttempt(a.shape, "ok")
			return a.shape, nil
		}
		if IsUnauthorized(err) {
			s.metrics.deleteAttempt(a.shape, "unauthorized")
			return a.shape, err
		}
		s.metrics.deleteAttempt(a.shape, "failed")
		log.Debug().Err(err).Stringer("attempt", a.shape).Msg("Delete attempt failed")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return DeleteBody, fmt.Errorf("delete message %s: every request shape failed: %w", messageID, lastErr)
}

// ----------------------------------------------------------------------------
// Emission helpers
// ----------------------------------------------------------------------------

// surface emits event and, for unauthorized errors, EventAuthRequired.
func (s *ConversationSync) surface(event string, p *FailurePayload) {
	s.emit(event, p)
	if IsUnauthorized(p.Err) {
		s.emit(EventAuthRequired, p)
	}
}

func (s *ConversationSync) emitState(convID string, from, to SyncState) {
	if from == to {
		return
	}
	s.emit(EventStateChanged, &StateChangedPayload{ConversationID: convID, From: from, To: to})
}

func (s *ConversationSync) emitMessages(convID string, seq []Message) {
	s.emit(EventMessagesChanged, &MessagesChangedPayload{ConversationID: convID, Messages: seq})
}
