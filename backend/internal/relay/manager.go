package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sessionSync/backend/internal/httpapi/middleware"
)

// 允许本地开发环境的来源
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

type Manager struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewManager builds the upgrade handlers. Extra allowed origins are matched
// by prefix in addition to localhost.
func NewManager(h *Hub, logger zerolog.Logger, allowedOrigins ...string) *Manager {
	m := &Manager{hub: h, log: logger.With().Str("component", "relay").Logger()}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if checkOrigin(r) {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, p := range allowedOrigins {
				if p != "" && strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
	return m
}

// Mount registers GET /ws/sessions/:sessionId and GET /api/ws behind auth.
func (m *Manager) Mount(r gin.IRouter, auth gin.HandlerFunc) {
	r.GET("/ws/sessions/:sessionId", auth, m.SessionSocket)
	r.GET("/api/ws", auth, m.NotificationSocket)
}

// SessionSocket serves a socket scoped to one session.
func (m *Manager) SessionSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionId"})
		return
	}
	m.serve(c, sessionID, false)
}

// NotificationSocket serves the process-wide notification socket.
func (m *Manager) NotificationSocket(c *gin.Context) {
	m.serve(c, "", true)
}

func (m *Manager) serve(c *gin.Context, scope string, notification bool) {
	userID := c.GetString(middleware.CtxUserID)
	username := c.GetString(middleware.CtxUsername)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(wsConn, m.hub, userID, username, scope, notification)
	m.hub.register(conn)
	conn.log.Debug().Bool("notification", notification).Msg("socket opened")

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go conn.writeLoop()
	conn.readLoop(c.Request.Context())

	// 断开等同于离开所有房间
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	m.hub.unregister(ctx, conn)
	close(conn.done)
}
