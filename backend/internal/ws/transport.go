package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sessionSync/backend/internal/metrics"
)

// CloseNormal is the clean-shutdown close code; it never triggers a reconnect.
const CloseNormal = websocket.CloseNormalClosure

var ErrNotConnected = errors.New("ws: socket not open")

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a lifecycle or inbound notification for the owner of a Transport.
// Gen identifies the socket it came from; each Dial starts a new generation.
type Event struct {
	Kind     EventKind
	Gen      uint64
	Envelope Envelope
	Code     int
	Reason   string
	Err      error
}

type TransportConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        8 << 20,
	}
}

type socket struct {
	conn        *websocket.Conn
	gen         uint64
	closing     bool
	closeCode   int
	closeReason string
}

// Transport owns at most one physical socket at a time and reports its
// lifecycle to exactly one owner through the events channel.
type Transport struct {
	cfg     TransportConfig
	dialer  *websocket.Dialer
	events  chan<- Event
	done    <-chan struct{}
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	gen        uint64
	cur        *socket
	dialing    uint64
	cancelDial context.CancelFunc

	writeMu sync.Mutex
}

// NewTransport returns a Transport that posts to events until done is closed.
func NewTransport(events chan<- Event, done <-chan struct{}, cfg TransportConfig, logger zerolog.Logger, m *metrics.Metrics) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultTransportConfig().HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultTransportConfig().WriteTimeout
	}
	return &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		events:  events,
		done:    done,
		log:     logger,
		metrics: metrics.OrNew(m),
	}
}

// Open reports whether a socket is currently open.
func (t *Transport) Open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil
}

// Busy reports whether a socket is open or a dial is in flight.
func (t *Transport) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur != nil || t.dialing != 0
}

// Dial starts connecting to rawURL in the background. It is a no-op, returning
// false, while a socket is open or another dial is in flight.
func (t *Transport) Dial(ctx context.Context, rawURL string) (uint64, bool) {
	t.mu.Lock()
	if t.cur != nil || t.dialing != 0 {
		t.mu.Unlock()
		return 0, false
	}
	t.gen++
	gen := t.gen
	dctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	t.dialing = gen
	t.cancelDial = cancel
	t.mu.Unlock()

	go t.dial(dctx, cancel, gen, rawURL)
	return gen, true
}

func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, rawURL string) {
	defer cancel()

	conn, resp, err := t.dialer.DialContext(ctx, rawURL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.mu.Lock()
		current := t.dialing == gen
		if current {
			t.dialing = 0
			t.cancelDial = nil
		}
		t.mu.Unlock()
		if !current {
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		t.post(Event{Kind: EventError, Gen: gen, Err: err})
		t.post(Event{Kind: EventClose, Gen: gen, Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		return
	}

	t.mu.Lock()
	if t.dialing != gen {
		// 握手期间已被 Close 取消
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}
	s := &socket{conn: conn, gen: gen}
	t.cur = s
	t.dialing = 0
	t.cancelDial = nil
	t.mu.Unlock()

	t.post(Event{Kind: EventOpen, Gen: gen})
	t.readLoop(s)
}

func (t *Transport) readLoop(s *socket) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			t.mu.Lock()
			if s.closing {
				code, reason = s.closeCode, s.closeReason
			}
			if t.cur == s {
				t.cur = nil
			}
			t.mu.Unlock()
			_ = s.conn.Close()
			t.post(Event{Kind: EventClose, Gen: s.gen, Code: code, Reason: reason})
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			t.metrics.InboundMalformed.Inc()
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed inbound payload")
			continue
		}
		t.post(Event{Kind: EventMessage, Gen: s.gen, Envelope: env})
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (t *Transport) post(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Send writes env if a socket is open. Otherwise the envelope is dropped with
// a warning and ErrNotConnected is returned; nothing is queued.
func (t *Transport) Send(env Envelope) error {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()
	if s == nil {
		t.metrics.SendDropped.WithLabelValues(env.Type).Inc()
		t.log.Warn().Str("topic", env.Type).Msg("socket not open, dropping outbound envelope")
		return ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.log.Warn().Err(err).Str("topic", env.Type).Msg("ws write failed")
		return err
	}
	return nil
}

// Close shuts the current socket down with code and reason, or abandons an
// in-flight dial. The close event reports the given code.
func (t *Transport) Close(code int, reason string) {
	t.mu.Lock()
	if t.dialing != 0 {
		t.dialing = 0
		if t.cancelDial != nil {
			t.cancelDial()
			t.cancelDial = nil
		}
	}
	s := t.cur
	t.cur = nil
	if s != nil {
		s.closing = true
		s.closeCode = code
		s.closeReason = reason
	}
	t.mu.Unlock()
	if s == nil {
		return
	}

	t.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.cfg.WriteTimeout))
	t.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		t.log.Debug().Err(err).Msg("write close frame")
	}
	_ = s.conn.Close()
}
