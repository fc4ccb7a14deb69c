// Package session binds one collaborative room to the shared connection.
//
// A Channel announces the local participant with session_join, re-announces
// after every reconnect, wraps outgoing payloads with the session and user
// identity, and routes inbound room traffic to typed callbacks. Presence and
// cursor echoes of the local user are filtered here, as are canvas operations
// the local user authored.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"sessionSync/backend/internal/ws"
)

var (
	ErrAlreadyBound  = errors.New("session: already bound on this connection")
	ErrChannelClosed = errors.New("session: channel closed")
)

// Conn is the part of *ws.Client a Channel needs.
type Conn interface {
	Subscribe(topic string, h ws.Handler) func()
	OnOpen(fn func()) func()
	// OpenEpoch is 0 while no socket is open. Otherwise it identifies the
	// current socket and grows with every new one; it never repeats.
	OpenEpoch() uint64
	Publish(topic string, data any) error
	Bind(key string) bool
	Unbind(key string)
}

type Channel struct {
	conn      Conn
	sessionID string
	userID    ID
	log       zerolog.Logger

	mu          sync.Mutex
	closed      bool
	joinedEpoch uint64
	unsubs      []func()
	users       map[ID]UserRef

	onOperation listeners[Operation]
	onMessage   listeners[Message]
	onJoined    listeners[Presence]
	onLeft      listeners[Presence]
	onCursor    listeners[Cursor]
}

func bindKey(sessionID string) string { return "session:" + sessionID }

// Open binds sessionID on conn and sends session_join as soon as the socket
// is open. A second Open for the same session fails until the first Channel
// is closed.
func Open(conn Conn, sessionID string, userID ID, logger zerolog.Logger) (*Channel, error) {
	if sessionID == "" || userID == "" {
		return nil, errors.New("session: session id and user id are required")
	}
	if !conn.Bind(bindKey(sessionID)) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, sessionID)
	}

	ch := &Channel{
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		log:       logger.With().Str("session_id", sessionID).Str("user_id", string(userID)).Logger(),
		users:     make(map[ID]UserRef),
	}
	ch.unsubs = []func(){
		conn.Subscribe(ws.TopicCanvasOperation, ch.handleOperation),
		conn.Subscribe(ws.TopicSessionMessage, ch.handleMessage),
		conn.Subscribe(ws.TopicUserJoined, ch.handleJoined),
		conn.Subscribe(ws.TopicUserLeft, ch.handleLeft),
		conn.Subscribe(ws.TopicCursorPosition, ch.handleCursor),
		conn.OnOpen(ch.rejoin),
	}
	ch.join()
	return ch, nil
}

func (ch *Channel) SessionID() string { return ch.sessionID }
func (ch *Channel) UserID() ID        { return ch.userID }

// join sends session_join once per physical socket.
func (ch *Channel) join() {
	epoch := ch.conn.OpenEpoch()
	if epoch == 0 {
		return
	}
	ch.mu.Lock()
	if ch.closed || epoch <= ch.joinedEpoch {
		ch.mu.Unlock()
		return
	}
	ch.joinedEpoch = epoch
	ch.mu.Unlock()

	if err := ch.conn.Publish(ws.TopicSessionJoin, Membership{SessionID: ch.sessionID, UserID: ch.userID}); err != nil {
		ch.log.Warn().Err(err).Msg("session join not sent")
		return
	}
	ch.log.Debug().Uint64("epoch", epoch).Msg("session joined")
}

// rejoin runs on every open. The roster is rebuilt from the server's replay.
func (ch *Channel) rejoin() {
	ch.mu.Lock()
	ch.users = make(map[ID]UserRef)
	ch.mu.Unlock()
	ch.join()
}

// Close unsubscribes everything and sends session_leave if the socket is still
// open. It is safe to call more than once.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	unsubs := ch.unsubs
	ch.unsubs = nil
	ch.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if ch.conn.OpenEpoch() != 0 {
		if err := ch.conn.Publish(ws.TopicSessionLeave, Membership{SessionID: ch.sessionID, UserID: ch.userID}); err != nil {
			ch.log.Debug().Err(err).Msg("session leave not sent")
		}
	}
	ch.conn.Unbind(bindKey(ch.sessionID))
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) publish(topic string, data any) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	return ch.conn.Publish(topic, data)
}

// SendOperation broadcasts a canvas operation. Delivery is fire-and-forget.
func (ch *Channel) SendOperation(opType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s operation: %w", opType, err)
	}
	return ch.publish(ws.TopicCanvasOperation, Operation{
		OperationType: opType,
		Data:          raw,
		SessionID:     ch.sessionID,
		UserID:        ch.userID,
	})
}

func (ch *Channel) SendMessage(text string) error {
	return ch.publish(ws.TopicSessionMessage, Message{
		Content:   text,
		SessionID: ch.sessionID,
		UserID:    ch.userID,
	})
}

func (ch *Channel) SendCursor(x, y float64) error {
	return ch.publish(ws.TopicCursorPosition, Cursor{
		SessionID: ch.sessionID,
		UserID:    ch.userID,
		X:         x,
		Y:         y,
	})
}

// Callback registration. Each returns a func that removes the callback.

func (ch *Channel) OnOperation(fn func(Operation)) func() { return ch.onOperation.add(fn) }
func (ch *Channel) OnMessage(fn func(Message)) func()     { return ch.onMessage.add(fn) }
func (ch *Channel) OnUserJoined(fn func(Presence)) func() { return ch.onJoined.add(fn) }
func (ch *Channel) OnUserLeft(fn func(Presence)) func()   { return ch.onLeft.add(fn) }
func (ch *Channel) OnCursor(fn func(Cursor)) func()       { return ch.onCursor.add(fn) }

// Users returns the remote participants currently in the room, ordered by id.
func (ch *Channel) Users() []UserRef {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]UserRef, 0, len(ch.users))
	for _, u := range ch.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ch *Channel) ours(sessionID string) bool {
	return sessionID == "" || sessionID == ch.sessionID
}

func (ch *Channel) handleOperation(env ws.Envelope) error {
	var op Operation
	if err := env.Decode(&op); err != nil {
		return err
	}
	if !ch.ours(op.SessionID) {
		return nil
	}
	if op.UserID == ch.userID {
		ch.log.Debug().Str("operation_type", op.OperationType).Msg("dropping own canvas operation echo")
		return nil
	}
	ch.onOperation.emit(op)
	return nil
}

func (ch *Channel) handleMessage(env ws.Envelope) error {
	var msg Message
	if err := env.Decode(&msg); err != nil {
		return err
	}
	if !ch.ours(msg.SessionID) {
		return nil
	}
	ch.onMessage.emit(msg)
	return nil
}

func (ch *Channel) handleJoined(env ws.Envelope) error {
	var p Presence
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !ch.ours(p.SessionID) || p.UserID == ch.userID {
		return nil
	}
	ref := UserRef{ID: p.UserID}
	if p.User != nil {
		ref.Name = p.User.Name
	}
	ch.mu.Lock()
	ch.users[p.UserID] = ref
	ch.mu.Unlock()
	ch.onJoined.emit(p)
	return nil
}

func (ch *Channel) handleLeft(env ws.Envelope) error {
	var p Presence
	if err := env.Decode(&p); err != nil {
		return err
	}
	if !ch.ours(p.SessionID) || p.UserID == ch.userID {
		return nil
	}
	ch.mu.Lock()
	delete(ch.users, p.UserID)
	ch.mu.Unlock()
	ch.onLeft.emit(p)
	return nil
}

func (ch *Channel) handleCursor(env ws.Envelope) error {
	var c Cursor
	if err := env.Decode(&c); err != nil {
		return err
	}
	if !ch.ours(c.SessionID) || c.UserID == ch.userID {
		return nil
	}
	ch.onCursor.emit(c)
	return nil
}

type listeners[T any] struct {
	mu   sync.Mutex
	seq  uint64
	fns  map[uint64]func(T)
	keys []uint64
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	l.seq++
	id := l.seq
	l.fns[id] = fn
	l.keys = append(l.keys, id)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.fns[id]; !ok {
			return
		}
		delete(l.fns, id)
		keys := make([]uint64, 0, len(l.keys))
		for _, k := range l.keys {
			if k != id {
				keys = append(keys, k)
			}
		}
		l.keys = keys
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.keys))
	for _, k := range l.keys {
		fns = append(fns, l.fns[k])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
