package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sessionSync/backend/internal/metrics"
)

var (
	ErrConnectionLost = errors.New("ws: connection lost, manual reconnect required")
	ErrClosed         = errors.New("ws: client shut down")
)

// ReconnectConfig bounds the retry schedule after a non-clean close.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// NotificationReconnectConfig is used by the process-wide notification channel.
func NotificationReconnectConfig() ReconnectConfig {
	cfg := DefaultReconnectConfig()
	cfg.BaseDelay = 3 * time.Second
	return cfg
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			break
		}
		d *= 2
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	URL       string
	Reconnect ReconnectConfig
	Transport TransportConfig
}

// Client is the shared, multiplexed connection. It owns the Transport and
// the retry schedule; consumers only subscribe, send, and register open hooks.
// Lifecycle commands never block the caller.
type Client struct {
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics.Metrics
	transport  *Transport
	dispatcher *Dispatcher

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	loopOnce sync.Once
	loopDone chan struct{}

	// 生命周期命令按调用顺序排队，wake 只用来唤醒 run 循环
	cmdMu sync.Mutex
	cmdq  []func()
	wake  chan struct{}

	// 只由 run 循环访问
	gen   uint64
	retry *time.Timer

	mu       sync.RWMutex
	state    State
	attempt  int
	connErr  error
	lost     chan struct{}
	hooks    map[uint64]func()
	hookSeq  uint64
	epoch    uint64
	bindings map[string]struct{}
}

func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	m = metrics.OrNew(m)
	c := &Client{
		cfg:        cfg,
		log:        logger,
		metrics:    m,
		dispatcher: NewDispatcher(logger, m),
		events:     make(chan Event, 64),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		lost:       make(chan struct{}),
		hooks:      make(map[uint64]func()),
		bindings:   make(map[string]struct{}),
	}
	c.transport = NewTransport(c.events, c.stop, cfg.Transport, logger, m)
	return c
}

// Subscribe registers h for topic; see Dispatcher.Subscribe.
func (c *Client) Subscribe(topic string, h Handler) func() {
	return c.dispatcher.Subscribe(topic, h)
}

// SubscribeAll registers h for the raw envelope stream.
func (c *Client) SubscribeAll(h Handler) func() {
	return c.dispatcher.SubscribeAll(h)
}

func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// OnOpen registers fn to run on every successful open, reconnects included.
func (c *Client) OnOpen(fn func()) func() {
	c.mu.Lock()
	c.hookSeq++
	id := c.hookSeq
	c.hooks[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

// Bind claims key (e.g. a session membership) on this connection. It fails if
// key is already bound.
func (c *Client) Bind(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bindings[key]; ok {
		return false
	}
	c.bindings[key] = struct{}{}
	return true
}

func (c *Client) Unbind(key string) {
	c.mu.Lock()
	delete(c.bindings, key)
	c.mu.Unlock()
}

// Send forwards env to the socket. While disconnected the envelope is dropped
// and ErrNotConnected returned; nothing is buffered for replay.
func (c *Client) Send(env Envelope) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	return c.transport.Send(env)
}

// Publish wraps data in an envelope for topic and sends it.
func (c *Client) Publish(topic string, data any) error {
	env, err := NewEnvelope(topic, data)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool { return c.State() == StateOpen }

// OpenEpoch counts successful opens; it is 0 while the socket is not open.
// Consumers use it to act once per physical socket.
func (c *Client) OpenEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOpen {
		return 0
	}
	return c.epoch
}

// Attempt is the number of retries scheduled since the last successful open.
func (c *Client) Attempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

// ConnectionError is non-nil once the retry budget is exhausted.
func (c *Client) ConnectionError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connErr
}

// Lost is closed when the connection enters the terminal lost state.
func (c *Client) Lost() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lost
}

// Connect opens the socket. It is a no-op while open, connecting, or waiting
// on a scheduled retry.
func (c *Client) Connect() {
	c.do(func() {
		switch c.State() {
		case StateOpen, StateConnecting, StateReconnecting:
			return
		}
		c.resetAttempts()
		c.setState(StateConnecting)
		c.dial()
	})
}

// Reconnect force-closes any socket, cancels a pending retry, resets the
// attempt counter and dials immediately.
func (c *Client) Reconnect() {
	c.do(func() {
		c.stopRetry()
		c.gen = 0
		c.transport.Close(CloseNormal, "manual reconnect")
		c.resetAttempts()
		c.setState(StateConnecting)
		c.dial()
	})
}

// Disconnect closes the socket cleanly and cancels any pending retry.
func (c *Client) Disconnect() {
	c.do(func() {
		c.stopRetry()
		c.setState(StateClosed)
		c.transport.Close(CloseNormal, "client disconnect")
	})
}

// Shutdown disconnects and stops the event loop. The client is unusable after.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		c.loopOnce.Do(func() { close(c.loopDone) })
		close(c.stop)
	})
}

// Done is closed once the event loop has exited.
func (c *Client) Done() <-chan struct{} { return c.loopDone }

// do queues fn for the run loop. Commands run in call order and the caller
// never waits for them.
func (c *Client) do(fn func()) {
	c.loopOnce.Do(func() { go c.run() })
	select {
	case <-c.stop:
		return
	default:
	}
	c.cmdMu.Lock()
	c.cmdq = append(c.cmdq, fn)
	c.cmdMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) runCommands() {
	for {
		c.cmdMu.Lock()
		batch := c.cmdq
		c.cmdq = nil
		c.cmdMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (c *Client) run() {
	defer close(c.loopDone)
	for {
		var retryC <-chan time.Time
		if c.retry != nil {
			retryC = c.retry.C
		}
		select {
		case <-c.stop:
			c.stopRetry()
			c.transport.Close(CloseNormal, "shutdown")
			c.setState(StateClosed)
			return
		case <-c.wake:
			c.runCommands()
		case ev := <-c.events:
			c.handle(ev)
		case <-retryC:
			c.retry = nil
			c.dial()
		}
	}
}

func (c *Client) dial() {
	gen, ok := c.transport.Dial(context.Background(), c.cfg.URL)
	if !ok {
		return
	}
	c.gen = gen
}

func (c *Client) handle(ev Event) {
	if ev.Gen != c.gen {
		return
	}
	switch ev.Kind {
	case EventOpen:
		c.onOpen()
	case EventMessage:
		c.dispatcher.Dispatch(ev.Envelope)
	case EventError:
		c.log.Warn().Err(ev.Err).Str("url", redact(c.cfg.URL)).Msg("ws transport error")
	case EventClose:
		c.onClose(ev.Code, ev.Reason)
	}
}

func (c *Client) onOpen() {
	c.mu.Lock()
	c.state = StateOpen
	c.attempt = 0
	c.connErr = nil
	c.epoch++
	hooks := make([]func(), 0, len(c.hooks))
	ids := make([]uint64, 0, len(c.hooks))
	for id := range c.hooks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		hooks = append(hooks, c.hooks[id])
	}
	c.mu.Unlock()

	c.metrics.ConnectionsOpened.Inc()
	c.log.Info().Str("url", redact(c.cfg.URL)).Msg("ws connected")
	for _, fn := range hooks {
		c.runHook(fn)
	}
}

func (c *Client) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Msg("ws open hook panicked")
		}
	}()
	fn()
}

func (c *Client) onClose(code int, reason string) {
	state := c.State()
	if state == StateClosed || code == CloseNormal {
		c.setState(StateClosed)
		c.log.Info().Int("code", code).Str("reason", reason).Msg("ws closed cleanly")
		return
	}

	c.mu.Lock()
	attempt := c.attempt
	if attempt >= c.cfg.Reconnect.MaxAttempts {
		c.state = StateLost
		c.connErr = fmt.Errorf("%w: gave up after %d attempts (last close %d %s)",
			ErrConnectionLost, attempt, code, reason)
		close(c.lost)
		c.mu.Unlock()
		c.metrics.ConnectionsLost.Inc()
		c.log.Error().Int("attempt", attempt).Int("code", code).Msg("ws reconnect budget exhausted")
		return
	}
	delay := c.cfg.Reconnect.Delay(attempt)
	c.attempt = attempt + 1
	c.state = StateReconnecting
	c.mu.Unlock()

	c.metrics.ReconnectAttempts.Inc()
	c.log.Warn().
		Int("code", code).
		Str("reason", reason).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("ws closed unexpectedly, scheduling reconnect")
	c.stopRetry()
	c.retry = time.NewTimer(delay)
}

func (c *Client) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempt = 0
	if c.connErr != nil {
		c.connErr = nil
		c.lost = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// redact hides the token query parameter in log output.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
