package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionSync/backend/internal/authtoken"
	"sessionSync/backend/internal/canvas"
	"sessionSync/backend/internal/session"
)

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"token", "--user", "u7", "--name", "ana", "--secret", "s3cret"})
	require.NoError(t, root.Execute())

	claims, err := authtoken.NewSigner("s3cret").Parse(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u7", claims.UserID())
	assert.Equal(t, "ana", claims.Username)
	assert.Contains(t, errOut.String(), "user u7")
}

func TestJoinRequiresUser(t *testing.T) {
	t.Chdir(t.TempDir())
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"join", "s1"})
	assert.ErrorContains(t, root.Execute(), "--user is required")
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.message(session.Message{Content: "hi", UserID: "7", User: &session.UserRef{ID: "7", Name: "ana"}})
	p.message(session.Message{Content: "yo", UserID: "8"})
	p.presence("joined", session.Presence{UserID: "9", User: &session.UserRef{ID: "9", Name: "bea"}})
	assert.Equal(t, "[ana] hi\n[8] yo\n* bea (9) joined\n", buf.String())
}

// fakeSession 同时满足 chatSender 和 canvas.Channel，记录所有发出的内容
type fakeSession struct {
	mu       sync.Mutex
	ops      []session.Operation
	messages []string
	cursors  [][2]float64
	onOp     func(session.Operation)
}

func (f *fakeSession) SessionID() string  { return "s1" }
func (f *fakeSession) UserID() session.ID { return "me" }

func (f *fakeSession) SendOperation(opType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, session.Operation{OperationType: opType, Data: raw, SessionID: "s1", UserID: "me"})
	return nil
}

func (f *fakeSession) OnOperation(fn func(session.Operation)) func() {
	f.mu.Lock()
	f.onOp = fn
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSession) SendMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeSession) SendCursor(x, y float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, [2]float64{x, y})
	return nil
}

func (f *fakeSession) deliver(op session.Operation) {
	f.mu.Lock()
	fn := f.onOp
	f.mu.Unlock()
	fn(op)
}

func (f *fakeSession) sentOps() []session.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Operation(nil), f.ops...)
}

func newLineTest(t *testing.T) (*fakeSession, *canvas.Surface, *printer) {
	t.Helper()
	fs := &fakeSession{}
	surface := canvas.New(fs, nil, canvas.Config{Debounce: time.Hour}, zerolog.Nop(), nil)
	t.Cleanup(surface.Close)
	return fs, surface, newPrinter(&bytes.Buffer{})
}

func TestHandleLine_ClearGoesThroughSurface(t *testing.T) {
	fs, surface, p := newLineTest(t)
	raw, err := json.Marshal(canvas.Snapshot{
		Elements: []canvas.Element{{"id": "a", "type": "rectangle"}, {"id": "b", "type": "ellipse"}},
		AppState: map[string]any{"viewBackgroundColor": "#fafafa"},
	})
	require.NoError(t, err)
	fs.deliver(session.Operation{OperationType: canvas.OpExcalidrawUpdate, Data: raw, SessionID: "s1", UserID: "peer"})
	require.Len(t, surface.Document().Elements, 2)

	assert.False(t, handleLine("/clear", fs, surface, p))
	assert.Empty(t, surface.Document().Elements)

	// 清空后再画一个矩形，只应带上新元素
	assert.False(t, handleLine("/rect", fs, surface, p))
	surface.Flush()

	ops := fs.sentOps()
	require.Len(t, ops, 1)
	assert.Equal(t, canvas.OpExcalidrawUpdate, ops[0].OperationType)
	var sent canvas.Snapshot
	require.NoError(t, json.Unmarshal(ops[0].Data, &sent))
	require.Len(t, sent.Elements, 1)
	assert.Equal(t, "rectangle", sent.Elements[0]["type"])
	assert.NotEqual(t, "a", sent.Elements[0]["id"])
	assert.Equal(t, "#fafafa", sent.AppState["viewBackgroundColor"])
}

func TestHandleLine_ChatCursorAndQuit(t *testing.T) {
	fs, surface, p := newLineTest(t)

	assert.False(t, handleLine("hello there", fs, surface, p))
	assert.False(t, handleLine("/cursor 10 20", fs, surface, p))
	assert.False(t, handleLine("/cursor nope", fs, surface, p))
	assert.False(t, handleLine("", fs, surface, p))
	assert.True(t, handleLine("/quit", fs, surface, p))

	assert.Equal(t, []string{"hello there"}, fs.messages)
	assert.Equal(t, [][2]float64{{10, 20}}, fs.cursors)
	assert.Empty(t, fs.sentOps())
}
