// Package relay is the server side of the session protocol: it upgrades
// authenticated sockets, keeps per-session rooms, and fans envelopes out to
// the other members.
package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"sessionSync/backend/internal/cache"
	"sessionSync/backend/internal/collab"
	"sessionSync/backend/internal/metrics"
	"sessionSync/backend/internal/session"
	"sessionSync/backend/internal/ws"
)

// OpSink receives every relayed canvas operation. *collab.KafkaDispatcher
// satisfies it.
type OpSink interface {
	Enqueue(ctx context.Context, evt collab.CanvasOpEvent) error
}

type userNotice struct {
	UserID session.ID       `json:"user_id"`
	User   *session.UserRef `json:"user,omitempty"`
}

type Hub struct {
	// 在线状态和光标缓存（redis 或内存实现）
	presence cache.PresenceCache
	// 可以为 nil
	ops     OpSink
	log     zerolog.Logger
	metrics *metrics.Metrics

	// 保护下面所有字段，以及每个 Conn 的 rooms
	mu sync.RWMutex
	// sessionID -> 连接集合
	// 一个用户可以有多个连接（多标签页/多设备），广播按连接发
	rooms map[string]map[*Conn]struct{}
	// userID -> 打开的连接数，用于 user_online / user_offline
	online map[string]int
	// 通知连接（/api/ws）
	notify map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, ops OpSink, logger zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		presence: p,
		ops:      ops,
		log:      logger.With().Str("component", "relay_hub").Logger(),
		metrics:  metrics.OrNew(m),
		rooms:    make(map[string]map[*Conn]struct{}),
		online:   make(map[string]int),
		notify:   make(map[*Conn]struct{}),
	}
}

// register 记录一个新连接；用户的第一个连接会通知所有通知连接。
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.online[c.userID]++
	first := h.online[c.userID] == 1
	if c.notification {
		h.notify[c] = struct{}{}
	}
	targets := h.notifyTargetsLocked(c.userID)
	h.mu.Unlock()

	h.metrics.RelayConnections.Inc()
	if first {
		h.fanout(targets, ws.TopicUserOnline, userNotice{UserID: session.ID(c.userID), User: c.ref()})
	}
}

// unregister 离开该连接所在的全部房间，并在用户最后一个连接断开时广播 user_offline。
func (h *Hub) unregister(ctx context.Context, c *Conn) {
	h.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()
	sort.Strings(rooms)
	for _, room := range rooms {
		h.leave(ctx, c, room)
	}

	h.mu.Lock()
	delete(h.notify, c)
	h.online[c.userID]--
	last := h.online[c.userID] <= 0
	if last {
		delete(h.online, c.userID)
	}
	targets := h.notifyTargetsLocked(c.userID)
	h.mu.Unlock()

	h.metrics.RelayConnections.Dec()
	if last {
		h.fanout(targets, ws.TopicUserOffline, userNotice{UserID: session.ID(c.userID), User: c.ref()})
	}
}

func (h *Hub) notifyTargetsLocked(exceptUser string) []*Conn {
	out := make([]*Conn, 0, len(h.notify))
	for c := range h.notify {
		if c.userID != exceptUser {
			out = append(out, c)
		}
	}
	return out
}

// join 把连接加入房间。重复加入直接返回 false。
// first 表示这是该用户在房间里的第一个连接；existing 是房间里其他用户（去重）。
func (h *Hub) join(c *Conn, room string) (first bool, others []*Conn, existing []session.UserRef, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, in := c.rooms[room]; in {
		return false, nil, nil, false
	}
	conns := h.rooms[room]
	if conns == nil {
		conns = make(map[*Conn]struct{})
		h.rooms[room] = conns
	}
	first = true
	seen := make(map[string]bool)
	for other := range conns {
		if other.userID == c.userID {
			first = false
			continue
		}
		others = append(others, other)
		if !seen[other.userID] {
			seen[other.userID] = true
			existing = append(existing, *other.ref())
		}
	}
	conns[c] = struct{}{}
	c.rooms[room] = struct{}{}
	sort.Slice(existing, func(i, j int) bool { return existing[i].ID < existing[j].ID })
	return first, others, existing, true
}

// leave 把连接移出房间，用户最后一个连接离开时清理 presence 并广播 user_left。
func (h *Hub) leave(ctx context.Context, c *Conn, room string) bool {
	h.mu.Lock()
	if _, in := c.rooms[room]; !in {
		h.mu.Unlock()
		return false
	}
	delete(c.rooms, room)
	conns := h.rooms[room]
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, room)
	}
	last := true
	peers := make([]*Conn, 0, len(conns))
	for other := range conns {
		if other.userID == c.userID {
			last = false
		}
		peers = append(peers, other)
	}
	h.mu.Unlock()

	if !last {
		return true
	}
	if err := h.presence.RemoveMember(ctx, room, c.userID); err != nil {
		h.log.Warn().Err(err).Str("session_id", room).Str("user_id", c.userID).Msg("remove presence member failed")
	}
	h.fanout(peers, ws.TopicUserLeft, session.Presence{SessionID: room, UserID: session.ID(c.userID), User: c.ref()})
	return true
}

func (h *Hub) isMember(c *Conn, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// members 返回房间内的连接；except 不为 nil 时排除该连接。
func (h *Hub) members(room string, except *Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := h.rooms[room]
	out := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != except {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) roomsOf(c *Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// RoomSize reports the number of connections in a session room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Online reports how many connections userID currently holds.
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[userID]
}

// fanout 只序列化一次，然后投递到每个连接的发送队列。
func (h *Hub) fanout(conns []*Conn, topic string, data any) {
	if len(conns) == 0 {
		return
	}
	frame, err := encode(topic, data)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("encode envelope failed")
		return
	}
	for _, c := range conns {
		c.enqueue(frame)
	}
}

func encode(topic string, data any) ([]byte, error) {
	env, err := ws.NewEnvelope(topic, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
