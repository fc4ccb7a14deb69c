package canvas

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Operation types carried in canvas_operation.operation_type.
const (
	OpExcalidrawUpdate = "excalidraw_update"
	OpClear            = "clear"
	OpTextUpdate       = "text_update"
)

var ErrEmptySnapshot = errors.New("canvas: snapshot has no elements field")

// Element is one drawing element. The surface never interprets element
// fields beyond building legacy text elements.
type Element map[string]any

// Snapshot is the whole document. Every sync replaces it entirely.
type Snapshot struct {
	Elements []Element      `json:"elements"`
	AppState map[string]any `json:"appState,omitempty"`
	Files    map[string]any `json:"files,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		AppState: cloneMap(s.AppState),
		Files:    cloneMap(s.Files),
	}
	if s.Elements != nil {
		out.Elements = make([]Element, len(s.Elements))
		for i, e := range s.Elements {
			out.Elements[i] = Element(cloneMap(e))
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Element:
		return Element(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

// decodeSnapshot reads an excalidraw_update payload. A payload without an
// elements field is rejected so a partial message never wipes the canvas.
func decodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	var probe struct {
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Snapshot{}, err
	}
	if len(probe.Elements) == 0 || string(probe.Elements) == "null" {
		return Snapshot{}, ErrEmptySnapshot
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// legacyText is the older text annotation shape: a positioned string.
type legacyText struct {
	Text  string  `json:"text"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Color string  `json:"color,omitempty"`
}

// textElement converts a legacy annotation into a text element on the
// current document model.
func (l legacyText) textElement() Element {
	color := l.Color
	if color == "" {
		color = "#1e1e1e"
	}
	return Element{
		"id":          uuid.NewString(),
		"type":        "text",
		"x":           l.X,
		"y":           l.Y,
		"text":        l.Text,
		"fontSize":    20.0,
		"strokeColor": color,
		"isDeleted":   false,
		"version":     1.0,
	}
}
