package pingme

import "sync"

// Event names emitted by ConversationSync.
const (
	EventMessagesChanged = "messages.changed"
	EventStateChanged    = "state.changed"
	EventLoadFailed      = "load.failed"
	EventSendSucceeded   = "send.succeeded"
	EventSendFailed      = "send.failed"
	EventDeleteSucceeded = "delete.succeeded"
	EventDeleteFailed    = "delete.failed"
	EventAuthRequired    = "auth.required"
)

// MessagesChangedPayload carries the full sorted sequence after a change.
type MessagesChangedPayload struct {
	ConversationID string
	Messages       []Message
}

// StateChangedPayload is emitted on every state transition.
type StateChangedPayload struct {
	ConversationID string
	From, To       SyncState
}

// FailurePayload is emitted for surfaced errors.
type FailurePayload struct {
	ConversationID string
	MessageID      string
	Err            error
}

// SentPayload is emitted with the server's record of a sent message.
type SentPayload struct {
	ConversationID string
	Message        Message
	// Inserted is false when a push delivered the message first.
	Inserted bool
}

// DeletePayload is emitted when a delete commits.
type DeletePayload struct {
	ConversationID string
	MessageID      string
	Attempt        DeleteShape
}

// EventHandler receives emitted events. payload is one of the *Payload types.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event. Use "*" to receive every event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append(append([]EventHandler{}, e.listeners[event]...), e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // listener panics must not break the core
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
