package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"sessionSync/backend/internal/cache"
)

// Presence 查询会话在线成员：GET /sessions/:sessionId/members
type Presence struct {
	presence cache.PresenceCache
	log      zerolog.Logger
}

func NewPresence(p cache.PresenceCache, logger zerolog.Logger) *Presence {
	return &Presence{presence: p, log: logger}
}

func (h *Presence) Members(c *gin.Context) {
	sessionID := c.Param("sessionId")
	members, err := h.presence.AliveMembers(c.Request.Context(), sessionID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("get alive members failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "PRESENCE_FAILED"})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "members": members})
}

func (h *Presence) Sessions(c *gin.Context) {
	ids, err := h.presence.Sessions(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list sessions failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "PRESENCE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}
