package pingme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Version is reported to the push service on connect.
const Version = "0.1.0"

const (
	dialTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second
	outboxSize   = 64
)

var errDisconnected = errors.New("push client disconnected")

// ============================================================================
// Wire format
// ============================================================================

// Frame is the push protocol envelope. Data is usually a JSON document
// encoded as a JSON string.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// Payload returns Data with one level of string encoding removed.
func (f Frame) Payload() json.RawMessage {
	if len(f.Data) > 0 && f.Data[0] == '"' {
		var s string
		if json.Unmarshal(f.Data, &s) == nil {
			return json.RawMessage(s)
		}
	}
	return f.Data
}

const (
	frameConnectionEstablished = "pusher:connection_established"
	frameSubscribe             = "pusher:subscribe"
	frameUnsubscribe           = "pusher:unsubscribe"
	framePing                  = "pusher:ping"
	framePong                  = "pusher:pong"
	frameError                 = "pusher:error"
	frameSubscribed            = "pusher_internal:subscription_succeeded"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the full WebSocket URL. When empty it is derived from Key and
	// Cluster.
	URL     string
	Key     string
	Cluster string

	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.Cluster == "" {
		c.Cluster = "eu"
	}
}

func (c *RealtimeConfig) endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?protocol=7&client=pingme-go&version=%s",
		c.Cluster, c.Key, Version)
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff before the next attempt and the attempt number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// A connection that stayed up for a minute earns a fresh backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Channels
// ============================================================================

type realtimeChannel struct {
	name string

	mu       sync.RWMutex
	nextID   BindingID
	handlers map[string]map[BindingID]PushHandler
}

func (ch *realtimeChannel) Bind(event string, h PushHandler) BindingID {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextID++
	if ch.handlers[event] == nil {
		ch.handlers[event] = make(map[BindingID]PushHandler)
	}
	ch.handlers[event][ch.nextID] = h
	return ch.nextID
}

func (ch *realtimeChannel) Unbind(event string, id BindingID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.handlers[event], id)
	if len(ch.handlers[event]) == 0 {
		delete(ch.handlers, event)
	}
}

func (ch *realtimeChannel) snapshot(event string) []PushHandler {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]PushHandler, 0, len(ch.handlers[event]))
	for _, h := range ch.handlers[event] {
		out = append(out, h)
	}
	return out
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket push client speaking the Pusher channel
// protocol, with heartbeat and auto-reconnect. Channels and their bindings
// live on the client, not the connection: every reconnect re-subscribes them.
type RealtimeClient struct {
	config *RealtimeConfig
	log    zerolog.Logger
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	socketID         string
	intentionalClose bool
	cancelFn         context.CancelFunc
	// outbox feeds the current connection's writer; nil while disconnected.
	outbox           chan Frame
	stop             chan struct{}
	channels         map[string]*realtimeChannel
	pong             chan struct{}
}

// NewRealtimeClient creates a disconnected client. The first Subscribe
// starts the connection; Connect can also be called directly.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &RealtimeClient{
		config:   &cfg,
		log:      log.With().Str("component", "realtime").Logger(),
		recon:    newReconnector(&cfg),
		state:    StateDisconnected,
		stop:     make(chan struct{}),
		channels: make(map[string]*realtimeChannel),
	}
}

// State returns the current connection state.
func (c *RealtimeClient) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SocketID returns the id assigned by the service on the current connection.
func (c *RealtimeClient) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Subscribe returns the named channel, subscribing it on the server.
func (c *RealtimeClient) Subscribe(channel string) PushChannel {
	c.mu.Lock()
	ch, ok := c.channels[channel]
	if !ok {
		ch = &realtimeChannel{name: channel, handlers: make(map[string]map[BindingID]PushHandler)}
		c.channels[channel] = ch
	}
	if c.state == StateConnected && !ok {
		c.enqueueLocked(Frame{Event: frameSubscribe, Data: subscribeData(channel)})
	}
	startConnect := c.state == StateDisconnected && !c.intentionalClose
	c.mu.Unlock()

	if startConnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			if err := c.dial(ctx); err != nil && err != errDisconnected {
				c.log.Warn().Err(err).Msg("Push connect failed")
				if !c.config.DisableReconnect {
					c.scheduleReconnect()
				}
			}
		}()
	}
	return ch
}

// Unsubscribe drops the channel and all of its bindings.
func (c *RealtimeClient) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; ok && c.state == StateConnected {
		c.enqueueLocked(Frame{Event: frameUnsubscribe, Data: subscribeData(channel)})
	}
	delete(c.channels, channel)
}

// Channels returns the names of the subscribed channels.
func (c *RealtimeClient) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for name := range c.channels {
		out = append(out, name)
	}
	return out
}

// Connect dials the service, waits for the connection handshake and
// subscribes every known channel. It also re-enables reconnecting after
// Disconnect.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentionalClose = false
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *RealtimeClient) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return errDisconnected
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.config.endpoint(), nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read handshake: %w", err))
	}
	var hello Frame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Event != frameConnectionEstablished {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected %q, got %q", frameConnectionEstablished, hello.Event))
	}
	var est connectionEstablished
	_ = json.Unmarshal(hello.Payload(), &est)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fail(errDisconnected)
	}
	outbox := make(chan Frame, outboxSize)
	c.conn = conn
	c.state = StateConnected
	c.socketID = est.SocketID
	c.cancelFn = cancel
	c.outbox = outbox
	// Queued under the same lock that publishes StateConnected, so every
	// later Subscribe or Unsubscribe frame lands after these.
	for name := range c.channels {
		c.enqueueLocked(Frame{Event: frameSubscribe, Data: subscribeData(name)})
	}
	channels := len(c.channels)
	c.mu.Unlock()
	c.recon.markConnected()

	c.log.Info().Str("socket_id", est.SocketID).Int("channels", channels).Msg("Push connected")

	go c.writeLoop(connCtx, conn, outbox)
	go c.readLoop(connCtx, cancel, conn)
	go c.heartbeatLoop(connCtx)
	return nil
}

// Disconnect closes the connection and stops reconnecting. Channels stay
// registered, so a later Connect resubscribes them.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	cancel := c.cancelFn
	c.cancelFn = nil
	close(c.stop)
	c.stop = make(chan struct{})
	conn := c.conn
	c.conn = nil
	c.outbox = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.recon.reset()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// enqueueLocked queues f for the current connection. c.mu must be held.
// Frames are written in queue order; a full outbox drops the frame.
func (c *RealtimeClient) enqueueLocked(f Frame) {
	if c.outbox == nil {
		return
	}
	select {
	case c.outbox <- f:
	default:
		c.log.Warn().Str("event", f.Event).Str("channel", f.Channel).Msg("Push outbox full, frame dropped")
	}
}

func (c *RealtimeClient) enqueue(f Frame) {
	c.mu.Lock()
	c.enqueueLocked(f)
	c.mu.Unlock()
}

// writeLoop is the only writer of conn.
func (c *RealtimeClient) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-outbox:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Str("event", f.Event).Msg("Push write failed")
			}
		}
	}
}

func (c *RealtimeClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
				c.outbox = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			if intentional {
				return
			}
			c.log.Warn().Err(err).Msg("Push connection lost")
			if !c.config.DisableReconnect {
				c.scheduleReconnect()
			}
			return
		}

		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		c.dispatch(f)
	}
}

func (c *RealtimeClient) dispatch(f Frame) {
	switch f.Event {
	case framePing:
		c.enqueue(Frame{Event: framePong, Data: json.RawMessage(`{}`)})
		return
	case framePong:
		c.mu.Lock()
		ch := c.pong
		c.pong = nil
		c.mu.Unlock()
		if ch != nil {
			close(ch)
		}
		return
	case frameError:
		c.log.Warn().RawJSON("data", f.Payload()).Msg("Push service error")
		return
	case frameSubscribed:
		c.log.Debug().Str("channel", f.Channel).Msg("Push channel subscribed")
		return
	}

	c.mu.Lock()
	ch := c.channels[f.Channel]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	payload := f.Payload()
	// Handlers run on the read loop so delivery order is arrival order.
	for _, h := range ch.snapshot(f.Event) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn().Interface("panic", r).Str("channel", f.Channel).Msg("Push handler panicked")
				}
			}()
			h(payload)
		}()
	}
}

func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pong := make(chan struct{})
			c.mu.Lock()
			conn := c.conn
			c.pong = pong
			c.mu.Unlock()
			if conn == nil {
				return
			}

			c.enqueue(Frame{Event: framePing, Data: json.RawMessage(`{}`)})
			select {
			case <-pong:
			case <-ctx.Done():
				return
			case <-time.After(c.config.PongTimeout):
				c.log.Warn().Msg("Push heartbeat timeout")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *RealtimeClient) scheduleReconnect() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()

	for c.recon.shouldReconnect() {
		delay, attempt := c.recon.nextDelay()
		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Push reconnecting")

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.state == StateReconnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil || err == errDisconnected {
			return
		}
		c.log.Debug().Err(err).Msg("Push reconnect attempt failed")
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func subscribeData(channel string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return data
}
