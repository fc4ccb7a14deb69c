package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ID is a user identifier. The wire may carry it as a JSON string or number;
// it is always compared and re-encoded as a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Membership is the payload of session_join and session_leave.
type Membership struct {
	SessionID string `json:"session_id"`
	UserID    ID     `json:"user_id"`
}

// Operation is the payload of canvas_operation. Data is interpreted by the
// canvas package according to OperationType.
type Operation struct {
	OperationType string          `json:"operation_type"`
	Data          json.RawMessage `json:"data"`
	SessionID     string          `json:"session_id"`
	UserID        ID              `json:"user_id"`
}

type UserRef struct {
	ID   ID     `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is the payload of session_message.
type Message struct {
	Content   string   `json:"content"`
	SessionID string   `json:"session_id"`
	UserID    ID       `json:"user_id"`
	User      *UserRef `json:"user,omitempty"`
}

// Cursor is the payload of cursor_position.
type Cursor struct {
	SessionID string  `json:"session_id"`
	UserID    ID      `json:"user_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Presence is the payload of user_joined and user_left.
type Presence struct {
	SessionID string   `json:"session_id"`
	UserID    ID       `json:"user_id"`
	User      *UserRef `json:"user,omitempty"`
}
