package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sessionSync/backend/internal/canvas"
	"sessionSync/backend/internal/collab"
	"sessionSync/backend/internal/httpapi/middleware"
	"sessionSync/backend/internal/store"
)

var validOperationTypes = map[string]bool{
	canvas.OpExcalidrawUpdate: true,
	canvas.OpClear:            true,
	canvas.OpTextUpdate:       true,
}

// Canvas 提供画布操作历史的 REST 接口：
// GET  /sessions/:sessionId/canvas
// POST /sessions/:sessionId/canvas
// GET  /sessions/:sessionId/canvas/latest
type Canvas struct {
	store store.CanvasStore
	// 限制并发写库
	sem *collab.SemaphoreControl
	// 很多客户端同时打开同一个画布时，合并对最新快照的查询
	sf  singleflight.Group
	log zerolog.Logger
}

func NewCanvas(s store.CanvasStore, sem *collab.SemaphoreControl, logger zerolog.Logger) *Canvas {
	return &Canvas{store: s, sem: sem, log: logger}
}

type appendCanvasRequest struct {
	OperationType string          `json:"operation_type"`
	Data          json.RawMessage `json:"data"`
	RequestID     string          `json:"request_id"`
}

func (h *Canvas) List(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	ops, err := h.store.List(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("list canvas operations failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (h *Canvas) Append(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req appendCanvasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if !validOperationTypes[req.OperationType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation_type"})
		return
	}
	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data is required"})
		return
	}

	// 和 ws 提交一样：拿不到信号量就快速失败
	ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
	defer cancel()
	if h.sem != nil {
		if err := h.sem.Acquire(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "BUSY"})
			return
		}
		defer func() { _ = h.sem.Release() }()
	}

	op := &store.CanvasOperation{
		SessionID:     sessionID,
		UserID:        c.GetString(middleware.CtxUserID),
		OperationType: req.OperationType,
		RequestID:     req.RequestID,
		Data:          json.RawMessage(data),
	}
	if err := h.store.Append(c.Request.Context(), op); err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Str("operation_type", req.OperationType).Msg("append canvas operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "APPEND_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, op)
}

func (h *Canvas) Latest(c *gin.Context) {
	sessionID := c.Param("sessionId")
	opType := c.DefaultQuery("type", canvas.OpExcalidrawUpdate)
	v, err, _ := h.sf.Do(sessionID+"|"+opType, func() (interface{}, error) {
		return h.store.Latest(c.Request.Context(), sessionID, opType)
	})
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("latest canvas operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "LATEST_FAILED"})
		return
	}
	// 使用断言确保不会panic
	op, ok := v.(*store.CanvasOperation)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "LATEST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, op)
}
