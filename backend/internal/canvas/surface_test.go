package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionSync/backend/internal/metrics"
	"sessionSync/backend/internal/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentOp struct {
	opType string
	snap   Snapshot
	at     time.Time
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []sentOp
	fn    func(session.Operation)
	trace *[]string
}

func (f *fakeChannel) SessionID() string  { return "s1" }
func (f *fakeChannel) UserID() session.ID { return "me" }

func (f *fakeChannel) SendOperation(opType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentOp{opType: opType, snap: snap, at: time.Now()})
	if f.trace != nil {
		*f.trace = append(*f.trace, "broadcast")
	}
	return nil
}

func (f *fakeChannel) OnOperation(fn func(session.Operation)) func() {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.mu.Unlock()
	}
}

func (f *fakeChannel) deliver(op session.Operation) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(op)
	}
}

func (f *fakeChannel) sends() []sentOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentOp(nil), f.sent...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []Record
	failErr error
	trace   *[]string
}

func (h *fakeHistory) Load(_ context.Context, _ string) ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...), nil
}

func (h *fakeHistory) Append(_ context.Context, sessionID, opType string, data any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.trace != nil {
		*h.trace = append(*h.trace, "persist")
	}
	if h.failErr != nil {
		return h.failErr
	}
	raw, _ := json.Marshal(data)
	h.records = append(h.records, Record{ID: uint64(len(h.records) + 1), SessionID: sessionID, OperationType: opType, Data: raw})
	return nil
}

func snapWith(ids ...string) Snapshot {
	s := Snapshot{Elements: []Element{}, AppState: map[string]any{"viewBackgroundColor": "#ffffff"}}
	for _, id := range ids {
		s.Elements = append(s.Elements, Element{"id": id, "type": "rectangle", "x": 1.0, "y": 2.0})
	}
	return s
}

func remoteOp(t *testing.T, opType string, user session.ID, data any) session.Operation {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return session.Operation{OperationType: opType, Data: raw, SessionID: "s1", UserID: user}
}

func newSurface(t *testing.T, h History, debounce time.Duration, m *metrics.Metrics) (*Surface, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	s := New(ch, h, Config{Debounce: debounce}, zerolog.Nop(), m)
	t.Cleanup(s.Close)
	return s, ch
}

func TestSurface_DebounceCoalesces(t *testing.T) {
	const debounce = 100 * time.Millisecond
	s, ch := newSurface(t, &fakeHistory{}, debounce, nil)

	s.Edit(snapWith("a"))
	time.Sleep(20 * time.Millisecond)
	s.Edit(snapWith("a", "b"))
	time.Sleep(70 * time.Millisecond)
	last := time.Now()
	s.Edit(snapWith("a", "b", "c"))

	require.Eventually(t, func() bool { return len(ch.sends()) == 1 }, waitFor, tick)
	time.Sleep(3 * debounce)

	sends := ch.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, OpExcalidrawUpdate, sends[0].opType)
	assert.Len(t, sends[0].snap.Elements, 3)
	assert.GreaterOrEqual(t, sends[0].at.Sub(last), debounce)
	assert.False(t, s.Pending())
}

func TestSurface_PersistThenBroadcast(t *testing.T) {
	var trace []string
	h := &fakeHistory{trace: &trace}
	ch := &fakeChannel{trace: &trace}
	s := New(ch, h, Config{Debounce: 10 * time.Millisecond}, zerolog.Nop(), nil)
	defer s.Close()

	s.Edit(snapWith("a"))
	s.Flush()

	assert.Equal(t, []string{"persist", "broadcast"}, trace)
	require.Len(t, h.records, 1)
	assert.Equal(t, OpExcalidrawUpdate, h.records[0].OperationType)
}

func TestSurface_PersistFailureStillBroadcasts(t *testing.T) {
	m := metrics.New(nil)
	s, ch := newSurface(t, &fakeHistory{failErr: errors.New("storage down")}, 10*time.Millisecond, m)

	s.Edit(snapWith("a"))
	require.Eventually(t, func() bool { return len(ch.sends()) == 1 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsCommitted))
}

func TestSurface_EchoRejected(t *testing.T) {
	m := metrics.New(nil)
	s, ch := newSurface(t, nil, time.Hour, m)
	before := s.Document()

	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "me", snapWith("x")))
	ch.deliver(remoteOp(t, OpClear, "me", map[string]any{}))

	assert.Equal(t, before, s.Document())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EchoesDropped))
}

func TestSurface_RemoteRoundTrip(t *testing.T) {
	s, ch := newSurface(t, nil, time.Hour, nil)

	raw := []byte(`{"elements":[{"id":"r1","type":"ellipse","x":10,"y":20,"groupIds":["g"]}],"appState":{"viewBackgroundColor":"#fafafa","gridSize":null}}`)
	var want Snapshot
	require.NoError(t, json.Unmarshal(raw, &want))

	ch.deliver(session.Operation{OperationType: OpExcalidrawUpdate, Data: raw, SessionID: "s1", UserID: "peer"})

	got := s.Document()
	assert.Equal(t, want.Elements, got.Elements)
	assert.Equal(t, want.AppState, got.AppState)

	// 修改副本不能影响 surface 内部状态
	got.Elements[0]["x"] = 99.0
	assert.Equal(t, 10.0, s.Document().Elements[0]["x"])
}

func TestSurface_RemoteApplyIsNotRebroadcast(t *testing.T) {
	s, ch := newSurface(t, &fakeHistory{}, 10*time.Millisecond, nil)

	var changes []Change
	s.OnChange(func(c Change) {
		changes = append(changes, c)
		// 渲染层把变更回灌进来时不应再次广播
		s.Observe(c)
	})

	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("p1")))

	require.Len(t, changes, 1)
	assert.Equal(t, OriginRemote, changes[0].Origin)
	assert.False(t, s.Pending())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ch.sends())
}

func TestSurface_RemoteSkippedWhileLocalPending(t *testing.T) {
	s, ch := newSurface(t, nil, time.Hour, nil)

	s.Edit(snapWith("mine"))
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("theirs")))

	assert.Equal(t, "mine", s.Document().Elements[0]["id"])
	s.Flush()
	require.Len(t, ch.sends(), 1)
	assert.Equal(t, "mine", ch.sends()[0].snap.Elements[0]["id"])

	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("theirs")))
	assert.Equal(t, "theirs", s.Document().Elements[0]["id"])
}

func TestSurface_CloseCancelsPendingBroadcast(t *testing.T) {
	s, ch := newSurface(t, &fakeHistory{}, 30*time.Millisecond, nil)

	s.Edit(snapWith("a"))
	s.Close()
	time.Sleep(120 * time.Millisecond)

	assert.Empty(t, ch.sends())
	ch.mu.Lock()
	assert.Nil(t, ch.fn)
	ch.mu.Unlock()

	s.Edit(snapWith("b"))
	s.Flush()
	assert.Empty(t, ch.sends())
}

func TestSurface_ClearKeepsAppState(t *testing.T) {
	s, ch := newSurface(t, nil, time.Hour, nil)
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("a", "b")))
	ch.deliver(remoteOp(t, OpClear, "peer", map[string]any{}))

	doc := s.Document()
	assert.Empty(t, doc.Elements)
	assert.NotNil(t, doc.Elements)
	assert.Equal(t, "#ffffff", doc.AppState["viewBackgroundColor"])
}

func TestSurface_LocalClearIsPersistedAndBroadcast(t *testing.T) {
	h := &fakeHistory{}
	s, ch := newSurface(t, h, time.Hour, nil)
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("a", "b")))

	s.Clear()
	assert.Empty(t, s.Document().Elements)
	assert.True(t, s.Pending())
	s.Flush()

	sends := ch.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, OpExcalidrawUpdate, sends[0].opType)
	assert.Empty(t, sends[0].snap.Elements)
	assert.Equal(t, "#ffffff", sends[0].snap.AppState["viewBackgroundColor"])
	require.Len(t, h.records, 1)
	assert.Equal(t, OpExcalidrawUpdate, h.records[0].OperationType)

	// 重新挂载后仍是空画布
	again, _ := newSurface(t, h, time.Hour, nil)
	require.NoError(t, again.Mount(context.Background()))
	assert.Empty(t, again.Document().Elements)
	assert.Equal(t, "#ffffff", again.Document().AppState["viewBackgroundColor"])
}

func TestSurface_LegacyTextConverted(t *testing.T) {
	s, ch := newSurface(t, nil, time.Hour, nil)
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("a")))
	ch.deliver(remoteOp(t, OpTextUpdate, "old-client", map[string]any{"text": "hello", "x": 5, "y": 6}))

	doc := s.Document()
	require.Len(t, doc.Elements, 2)
	el := doc.Elements[1]
	assert.Equal(t, "text", el["type"])
	assert.Equal(t, "hello", el["text"])
	assert.Equal(t, 5.0, el["x"])
	assert.NotEmpty(t, el["id"])
}

func TestSurface_UnknownAndBrokenOperationsIgnored(t *testing.T) {
	s, ch := newSurface(t, nil, time.Hour, nil)
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", snapWith("a")))
	before := s.Document()

	ch.deliver(remoteOp(t, "laser_pointer", "peer", map[string]any{"x": 1}))
	ch.deliver(remoteOp(t, OpExcalidrawUpdate, "peer", map[string]any{"appState": map[string]any{}}))
	ch.deliver(session.Operation{OperationType: OpExcalidrawUpdate, Data: json.RawMessage(`"nope"`), UserID: "peer"})
	ch.deliver(remoteOp(t, OpTextUpdate, "peer", map[string]any{"x": 1}))
	ch.deliver(session.Operation{OperationType: OpClear, Data: json.RawMessage(`{}`), SessionID: "other", UserID: "peer"})

	assert.Equal(t, before, s.Document())
}

func TestSurface_MountAppliesLatestSnapshot(t *testing.T) {
	h := &fakeHistory{}
	ctx := context.Background()
	require.NoError(t, h.Append(ctx, "s1", OpExcalidrawUpdate, snapWith("old")))
	require.NoError(t, h.Append(ctx, "s1", OpExcalidrawUpdate, snapWith("new1", "new2")))
	require.NoError(t, h.Append(ctx, "s1", OpClear, map[string]any{}))
	require.NoError(t, h.Append(ctx, "s1", OpTextUpdate, map[string]any{"text": "t"}))

	s, ch := newSurface(t, h, 10*time.Millisecond, nil)
	var origins []Origin
	s.OnChange(func(c Change) { origins = append(origins, c.Origin) })

	require.NoError(t, s.Mount(ctx))

	doc := s.Document()
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "new1", doc.Elements[0]["id"])
	assert.Equal(t, []Origin{OriginRemote}, origins)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, ch.sends())
}

func TestSurface_MountWithoutSnapshot(t *testing.T) {
	h := &fakeHistory{}
	require.NoError(t, h.Append(context.Background(), "s1", OpClear, map[string]any{}))
	s, _ := newSurface(t, h, time.Hour, nil)

	require.NoError(t, s.Mount(context.Background()))
	assert.Empty(t, s.Document().Elements)
}
