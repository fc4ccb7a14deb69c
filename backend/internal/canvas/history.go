package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"sessionSync/backend/internal/session"
)

// Record is one stored canvas operation.
type Record struct {
	ID            uint64          `json:"id"`
	SessionID     string          `json:"session_id"`
	UserID        session.ID      `json:"user_id"`
	OperationType string          `json:"operation_type"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
}

// History is the external operation store: read once on mount, appended on
// every commit.
type History interface {
	Load(ctx context.Context, sessionID string) ([]Record, error)
	Append(ctx context.Context, sessionID, operationType string, data any) error
}

type HTTPHistoryConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// 连续失败多少次后熔断
	TripAfter uint32
	// 熔断后多久进入半开状态
	OpenFor time.Duration
}

// HTTPHistory talks to GET/POST {base}/sessions/{id}/canvas.
type HTTPHistory struct {
	base  string
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
}

func NewHTTPHistory(cfg HTTPHistoryConfig) *HTTPHistory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	st := gobreaker.Settings{Name: "canvas-history", Timeout: cfg.OpenFor}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= cfg.TripAfter }
	return &HTTPHistory{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		http:  &http.Client{Timeout: cfg.Timeout},
		cb:    gobreaker.NewCircuitBreaker(st),
	}
}

func (h *HTTPHistory) endpoint(sessionID string) string {
	return h.base + "/sessions/" + url.PathEscape(sessionID) + "/canvas"
}

func (h *HTTPHistory) Load(ctx context.Context, sessionID string) ([]Record, error) {
	out, err := h.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint(sessionID), nil)
		if err != nil {
			return nil, err
		}
		var body struct {
			Operations []Record `json:"operations"`
		}
		if err := h.do(req, http.StatusOK, &body); err != nil {
			return nil, err
		}
		return body.Operations, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load canvas history %s: %w", sessionID, err)
	}
	return out.([]Record), nil
}

func (h *HTTPHistory) Append(ctx context.Context, sessionID, operationType string, data any) error {
	// 带上 request_id，服务端据此去重
	payload, err := json.Marshal(map[string]any{
		"operation_type": operationType,
		"data":           data,
		"request_id":     uuid.NewString(),
	})
	if err != nil {
		return err
	}
	_, err = h.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(sessionID), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return nil, h.do(req, http.StatusCreated, nil)
	})
	if err != nil {
		return fmt.Errorf("append canvas %s: %w", operationType, err)
	}
	return nil
}

func (h *HTTPHistory) do(req *http.Request, want int, into any) error {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// BreakerState reports the circuit breaker state ("closed", "open", "half-open").
func (h *HTTPHistory) BreakerState() string { return h.cb.State().String() }
