package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sessionSync/backend/internal/collab"
	"sessionSync/backend/internal/session"
	"sessionSync/backend/internal/ws"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// 画布快照整份发送，限制放宽一些
	maxMessageSize = 8 << 20
	sendBuffer     = 64

	presenceTTL    = 600 * time.Second
	cursorTTL      = 60 * time.Second
	enqueueTimeout = 50 * time.Millisecond
	cleanupTimeout = 2 * time.Second

	inboundRate  = 50
	inboundBurst = 20
)

type Conn struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	userID   string
	username string
	// 路径里的 sessionId；通知连接为空
	scope        string
	notification bool

	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     zerolog.Logger

	// 由 hub.mu 保护
	rooms map[string]struct{}
}

func newConn(wsConn *websocket.Conn, hub *Hub, userID, username, scope string, notification bool) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		ws:           wsConn,
		hub:          hub,
		userID:       userID,
		username:     username,
		scope:        scope,
		notification: notification,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		log: hub.log.With().
			Str("conn_id", id).
			Str("user_id", userID).
			Str("scope", scope).
			Logger(),
		rooms: make(map[string]struct{}),
	}
}

func (c *Conn) ref() *session.UserRef {
	return &session.UserRef{ID: session.ID(c.userID), Name: c.username}
}

// enqueue 非阻塞投递；队列满时丢弃，慢连接不能拖住广播方。
func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.hub.metrics.RelayQueueDrops.Inc()
		c.log.Warn().Msg("send queue full, dropping frame")
	}
}

func (c *Conn) push(topic string, data any) {
	frame, err := encode(topic, data)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("encode envelope failed")
		return
	}
	c.enqueue(frame)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		// pong 相当于心跳：顺便续期 presence
		c.touchPresence(ctx)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Warn().Err(err).Msg("socket closed unexpectedly")
			} else {
				c.log.Debug().Err(err).Msg("socket closed")
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.metrics.RelayRateLimited.Inc()
			continue
		}
		var env ws.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed envelope")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) handle(ctx context.Context, env ws.Envelope) {
	switch env.Type {
	case ws.TopicSessionJoin:
		c.handleJoin(ctx, env)
	case ws.TopicSessionLeave:
		c.handleLeave(ctx, env)
	case ws.TopicCanvasOperation:
		c.handleOperation(ctx, env)
	case ws.TopicSessionMessage:
		c.handleMessage(env)
	case ws.TopicCursorPosition:
		c.handleCursor(ctx, env)
	default:
		c.hub.metrics.RelayEnvelopes.WithLabelValues("unknown").Inc()
		c.log.Debug().Str("topic", env.Type).Msg("ignoring unknown envelope type")
		return
	}
	c.hub.metrics.RelayEnvelopes.WithLabelValues(env.Type).Inc()
}

// room 决定消息属于哪个房间。会话连接只能操作路径里的那个会话。
func (c *Conn) room(sessionID string) (string, bool) {
	switch {
	case sessionID == "" && c.scope == "":
		return "", false
	case sessionID == "":
		return c.scope, true
	case c.scope != "" && sessionID != c.scope:
		return "", false
	default:
		return sessionID, true
	}
}

// memberRoom 用于 join 之外的消息：必须先加入房间。
func (c *Conn) memberRoom(topic, sessionID string) (string, bool) {
	room, ok := c.room(sessionID)
	if !ok || !c.hub.isMember(c, room) {
		c.log.Debug().Str("topic", topic).Str("session_id", sessionID).Msg("not a member of session, dropping")
		return "", false
	}
	return room, true
}

func (c *Conn) handleJoin(ctx context.Context, env ws.Envelope) {
	var m session.Membership
	if err := env.Decode(&m); err != nil {
		c.log.Warn().Err(err).Msg("bad session_join payload")
		return
	}
	room, ok := c.room(m.SessionID)
	if !ok {
		c.log.Warn().Str("session_id", m.SessionID).Msg("session_join outside socket scope")
		return
	}
	first, others, existing, joined := c.hub.join(c, room)
	if !joined {
		return
	}
	if err := c.hub.presence.AddMember(ctx, room, c.userID, c.username, presenceTTL); err != nil {
		c.log.Warn().Err(err).Str("session_id", room).Msg("add presence member failed")
	}
	if first {
		c.hub.fanout(others, ws.TopicUserJoined, session.Presence{SessionID: room, UserID: session.ID(c.userID), User: c.ref()})
	}

	// 新加入者补齐房间里已有的成员和他们最后的光标
	for i := range existing {
		u := existing[i]
		c.push(ws.TopicUserJoined, session.Presence{SessionID: room, UserID: u.ID, User: &u})
		raw, err := c.hub.presence.GetCursor(ctx, room, string(u.ID))
		if err != nil {
			continue
		}
		c.push(ws.TopicCursorPosition, json.RawMessage(raw))
	}
	c.log.Info().Str("session_id", room).Int("members", len(existing)).Msg("joined session")
}

func (c *Conn) handleLeave(ctx context.Context, env ws.Envelope) {
	var m session.Membership
	if err := env.Decode(&m); err != nil {
		c.log.Warn().Err(err).Msg("bad session_leave payload")
		return
	}
	room, ok := c.room(m.SessionID)
	if !ok {
		return
	}
	if c.hub.leave(ctx, c, room) {
		c.log.Info().Str("session_id", room).Msg("left session")
	}
}

func (c *Conn) handleOperation(ctx context.Context, env ws.Envelope) {
	var op session.Operation
	if err := env.Decode(&op); err != nil {
		c.log.Warn().Err(err).Msg("bad canvas_operation payload")
		return
	}
	room, ok := c.memberRoom(env.Type, op.SessionID)
	if !ok {
		return
	}
	// 身份以 token 为准
	op.SessionID = room
	op.UserID = session.ID(c.userID)
	c.hub.fanout(c.hub.members(room, c), ws.TopicCanvasOperation, op)

	if c.hub.ops == nil {
		return
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	err := c.hub.ops.Enqueue(enqueueCtx, collab.CanvasOpEvent{
		SessionID:     room,
		OperationID:   uuid.NewString(),
		UserID:        c.userID,
		OperationType: op.OperationType,
		Data:          op.Data,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		c.log.Debug().Err(err).Str("session_id", room).Msg("canvas op event not queued")
	}
}

func (c *Conn) handleMessage(env ws.Envelope) {
	var msg session.Message
	if err := env.Decode(&msg); err != nil {
		c.log.Warn().Err(err).Msg("bad session_message payload")
		return
	}
	room, ok := c.memberRoom(env.Type, msg.SessionID)
	if !ok {
		return
	}
	msg.SessionID = room
	msg.UserID = session.ID(c.userID)
	msg.User = c.ref()
	// 聊天消息发送者自己也要收到
	c.hub.fanout(c.hub.members(room, nil), ws.TopicSessionMessage, msg)
}

func (c *Conn) handleCursor(ctx context.Context, env ws.Envelope) {
	var cur session.Cursor
	if err := env.Decode(&cur); err != nil {
		c.log.Warn().Err(err).Msg("bad cursor_position payload")
		return
	}
	room, ok := c.memberRoom(env.Type, cur.SessionID)
	if !ok {
		return
	}
	cur.SessionID = room
	cur.UserID = session.ID(c.userID)
	c.hub.fanout(c.hub.members(room, c), ws.TopicCursorPosition, cur)

	raw, err := json.Marshal(cur)
	if err != nil {
		return
	}
	if err := c.hub.presence.SetCursor(ctx, room, c.userID, raw, cursorTTL); err != nil {
		c.log.Debug().Err(err).Str("session_id", room).Msg("cache cursor failed")
	}
}

func (c *Conn) touchPresence(ctx context.Context) {
	for _, room := range c.hub.roomsOf(c) {
		if err := c.hub.presence.AddMember(ctx, room, c.userID, c.username, presenceTTL); err != nil {
			c.log.Warn().Err(err).Str("session_id", room).Msg("refresh presence failed")
		}
	}
}
