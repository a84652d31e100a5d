package pingme

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Channel and event names used by the backend's push service.
const (
	ListChannel        = "chat"
	EventNewChat       = "new-chat"
	EventNewMessage    = "new-message"
	conversationPrefix = "chat-"
)

// ConversationChannel returns the push channel name for a conversation.
func ConversationChannel(conversationID string) string {
	return conversationPrefix + conversationID
}

// BindingID identifies one handler bound to a channel event.
type BindingID uint64

// PushHandler receives the raw data of a push event.
type PushHandler func(data json.RawMessage)

// PushChannel is a subscribed channel.
type PushChannel interface {
	Bind(event string, h PushHandler) BindingID
	Unbind(event string, id BindingID)
}

// PushTransport is the push-notification connection. RealtimeClient is the
// WebSocket implementation.
type PushTransport interface {
	Subscribe(channel string) PushChannel
	Unsubscribe(channel string)
	Disconnect() error
}

type binding struct {
	channel string
	event   string
	handle  PushChannel
	id      BindingID
}

// PushManager owns the two bindings of a mounted conversation view: one on the
// shared list channel and one on the conversation's own channel.
type PushManager struct {
	transport PushTransport
	log       zerolog.Logger
	metrics   *Metrics

	mu     sync.Mutex
	list   *binding
	conv   *binding
	closed bool
}

// NewPushManager wraps transport. metrics may be nil.
func NewPushManager(transport PushTransport, log zerolog.Logger, metrics *Metrics) *PushManager {
	return &PushManager{transport: transport, log: log, metrics: metrics}
}

// Bind makes sure the list binding exists and points the conversation binding
// at conversationID. A previous conversation binding is unbound and its
// channel unsubscribed before the new one is bound. Binding the current id
// again is a no-op.
func (p *PushManager) Bind(conversationID string, onNewChat, onNewMessage PushHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	if p.list == nil {
		ch := p.transport.Subscribe(ListChannel)
		p.list = &binding{
			channel: ListChannel,
			event:   EventNewChat,
			handle:  ch,
			id:      ch.Bind(EventNewChat, p.guard(ListChannel, EventNewChat, onNewChat)),
		}
		p.log.Debug().Str("channel", ListChannel).Msg("Bound list channel")
	}

	name := ConversationChannel(conversationID)
	if p.conv != nil {
		if p.conv.channel == name {
			return
		}
		p.releaseLocked(p.conv)
		p.conv = nil
	}

	ch := p.transport.Subscribe(name)
	p.conv = &binding{
		channel: name,
		event:   EventNewMessage,
		handle:  ch,
		id:      ch.Bind(EventNewMessage, p.guard(name, EventNewMessage, onNewMessage)),
	}
	p.log.Debug().Str("channel", name).Msg("Bound conversation channel")
}

// Release drops the conversation binding but keeps the list binding.
func (p *PushManager) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conv != nil {
		p.releaseLocked(p.conv)
		p.conv = nil
	}
}

// Close unbinds both handlers, unsubscribes both channels and disconnects the
// transport. Only the first call has any effect.
func (p *PushManager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.conv != nil {
		p.releaseLocked(p.conv)
		p.conv = nil
	}
	if p.list != nil {
		p.releaseLocked(p.list)
		p.list = nil
	}
	p.mu.Unlock()

	p.log.Debug().Msg("Disconnecting push transport")
	return p.transport.Disconnect()
}

// Channels returns the currently bound channel names, list channel first.
func (p *PushManager) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, b := range []*binding{p.list, p.conv} {
		if b != nil {
			out = append(out, b.channel)
		}
	}
	return out
}

func (p *PushManager) releaseLocked(b *binding) {
	b.handle.Unbind(b.event, b.id)
	p.transport.Unsubscribe(b.channel)
	p.log.Debug().Str("channel", b.channel).Msg("Released channel")
}

// guard stops a panicking handler from taking down the transport's read loop.
func (p *PushManager) guard(channel, event string, h PushHandler) PushHandler {
	return func(data json.RawMessage) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Warn().Str("channel", channel).Str("event", event).
					Interface("panic", r).Msg("Push handler panicked")
				p.metrics.pushEvent(event, "panic")
			}
		}()
		h(data)
	}
}
