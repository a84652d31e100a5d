package pingme

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ----------------------------------------------------------------------------
// Push transport
// ----------------------------------------------------------------------------

type fakeChannel struct {
	mu       sync.Mutex
	nextID   BindingID
	handlers map[string]map[BindingID]PushHandler
}

func (c *fakeChannel) Bind(event string, h PushHandler) BindingID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[BindingID]PushHandler)
	}
	c.handlers[event][c.nextID] = h
	return c.nextID
}

func (c *fakeChannel) Unbind(event string, id BindingID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers[event], id)
}

func (c *fakeChannel) bound(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

type fakeTransport struct {
	mu            sync.Mutex
	channels      map[string]*fakeChannel
	log           []string
	disconnects   int
	disconnectErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[string]*fakeChannel)}
}

func (t *fakeTransport) Subscribe(name string) PushChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[name]
	if !ok {
		ch = &fakeChannel{handlers: make(map[string]map[BindingID]PushHandler)}
		t.channels[name] = ch
	}
	t.log = append(t.log, "sub "+name)
	return ch
}

func (t *fakeTransport) Unsubscribe(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, name)
	t.log = append(t.log, "unsub "+name)
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	t.log = append(t.log, "disconnect")
	return t.disconnectErr
}

// push delivers data to every handler bound to event on channel and reports
// how many ran.
func (t *fakeTransport) push(channel, event, data string) int {
	t.mu.Lock()
	ch := t.channels[channel]
	t.mu.Unlock()
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	var hs []PushHandler
	for _, h := range ch.handlers[event] {
		hs = append(hs, h)
	}
	ch.mu.Unlock()
	for _, h := range hs {
		h(json.RawMessage(data))
	}
	return len(hs)
}

func (t *fakeTransport) subscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name := range t.channels {
		out = append(out, name)
	}
	return out
}

func (t *fakeTransport) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

// ----------------------------------------------------------------------------
// Backend
// ----------------------------------------------------------------------------

type deleteCall struct {
	shape     DeleteShape
	messageID string
	convID    string
}

type fakeBackend struct {
	mu      sync.Mutex
	history func(ctx context.Context, convID string, limit int) ([]json.RawMessage, error)
	send    func(ctx context.Context, convID, text, senderID string) (json.RawMessage, error)
	delete  func(ctx context.Context, shape DeleteShape, messageID, convID string) error

	historyCalls []string
	sendCalls    []sendBody
	deleteCalls  []deleteCall
}

func (b *fakeBackend) FetchHistory(ctx context.Context, convID string, limit int) ([]json.RawMessage, error) {
	b.mu.Lock()
	b.historyCalls = append(b.historyCalls, convID)
	fn := b.history
	b.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, convID, limit)
}

func (b *fakeBackend) SendMessage(ctx context.Context, convID, text, senderID string) (json.RawMessage, error) {
	b.mu.Lock()
	b.sendCalls = append(b.sendCalls, sendBody{Text: text, ConversationID: convID, SenderID: senderID})
	n := len(b.sendCalls)
	fn := b.send
	b.mu.Unlock()
	if fn == nil {
		return rawMsg(fmt.Sprintf("s%d", n), text, senderID, t0.Add(time.Hour)), nil
	}
	return fn(ctx, convID, text, senderID)
}

func (b *fakeBackend) del(ctx context.Context, shape DeleteShape, messageID, convID string) error {
	b.mu.Lock()
	b.deleteCalls = append(b.deleteCalls, deleteCall{shape, messageID, convID})
	fn := b.delete
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, shape, messageID, convID)
}

func (b *fakeBackend) DeleteByPath(ctx context.Context, messageID, convID string) error {
	return b.del(ctx, DeletePath, messageID, convID)
}

func (b *fakeBackend) DeleteByQuery(ctx context.Context, messageID, convID string) error {
	return b.del(ctx, DeleteQuery, messageID, convID)
}

func (b *fakeBackend) DeleteByBody(ctx context.Context, messageID, convID string) error {
	return b.del(ctx, DeleteBody, messageID, convID)
}

func (b *fakeBackend) deletes() []deleteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]deleteCall(nil), b.deleteCalls...)
}

// rawMsg renders a message the way the backend does.
func rawMsg(id, text, sender string, ts time.Time) json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"_id":       id,
		"text":      text,
		"senderId":  sender,
		"updatedAt": ts.Format(time.RFC3339Nano),
	})
	return data
}

// ----------------------------------------------------------------------------
// Event recorder
// ----------------------------------------------------------------------------

type recorder struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func record(e interface{ On(string, EventHandler) }) *recorder {
	r := &recorder{last: make(map[string]any)}
	e.On("*", func(event string, p any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
		r.last[event] = p
	})
	return r
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) payload(event string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[event]
}

type countingInvalidator struct {
	mu   sync.Mutex
	tags []string
}

func (c *countingInvalidator) Invalidate(tag string) {
	c.mu.Lock()
	c.tags = append(c.tags, tag)
	c.mu.Unlock()
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tags)
}
