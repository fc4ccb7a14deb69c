package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Topics carried in Envelope.Type.
const (
	TopicSessionJoin     = "session_join"
	TopicSessionLeave    = "session_leave"
	TopicCanvasOperation = "canvas_operation"
	TopicSessionMessage  = "session_message"
	TopicCursorPosition  = "cursor_position"
	TopicUserJoined      = "user_joined"
	TopicUserLeft        = "user_left"
	TopicNewMessage      = "new_message"
	TopicUserOnline      = "user_online"
	TopicUserOffline     = "user_offline"
)

// TimestampLayout matches what browsers emit from Date.toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrMalformed = errors.New("malformed envelope")

// Envelope is the wire unit: {type, data, timestamp}.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope marshals data and stamps the envelope with the current time.
func NewEnvelope(topic string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{
		Type:      topic,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(TimestampLayout),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// SessionURL builds wss://host/ws/sessions/<id>?token=<token>.
func SessionURL(base, sessionID, token string) (string, error) {
	if sessionID == "" {
		return "", errors.New("empty session id")
	}
	return buildURL(base, "/ws/sessions/"+sessionID, token)
}

// NotificationURL builds wss://host/api/ws?token=<token>.
func NotificationURL(base, token string) (string, error) {
	return buildURL(base, "/api/ws", token)
}

func buildURL(base, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
