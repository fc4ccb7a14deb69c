// Package canvas keeps a shared whiteboard in sync over a session channel.
//
// Local edits are debounced and committed as one whole-document snapshot:
// persisted to the history store, then broadcast. Remote snapshots replace
// the local document. Every change carries an Origin, and only local changes
// are ever scheduled for broadcast, so applying a remote snapshot can never
// bounce back onto the wire.
package canvas

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sessionSync/backend/internal/metrics"
	"sessionSync/backend/internal/session"
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is one document replacement together with where it came from.
type Change struct {
	Origin   Origin
	Snapshot Snapshot
}

// Channel is the part of *session.Channel a Surface needs.
type Channel interface {
	SessionID() string
	UserID() session.ID
	SendOperation(opType string, data any) error
	OnOperation(fn func(session.Operation)) func()
}

type Config struct {
	Debounce      time.Duration
	CommitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Debounce: 500 * time.Millisecond, CommitTimeout: 10 * time.Second}
}

type Surface struct {
	ch      Channel
	history History
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	doc       Snapshot
	version   uint64
	pending   *Snapshot
	timer     *time.Timer
	timerGen  uint64
	closed    bool
	unsub     func()
	observers map[uint64]func(Change)
	obsSeq    uint64

	commitMu sync.Mutex
}

// New attaches a surface to ch. history may be nil, in which case commits
// only broadcast and Mount is a no-op.
func New(ch Channel, history History, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Surface {
	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = def.CommitTimeout
	}
	s := &Surface{
		ch:        ch,
		history:   history,
		cfg:       cfg,
		log:       logger.With().Str("session_id", ch.SessionID()).Logger(),
		metrics:   metrics.OrNew(m),
		doc:       Snapshot{Elements: []Element{}},
		observers: make(map[uint64]func(Change)),
	}
	s.unsub = ch.OnOperation(s.onOperation)
	return s
}

// Document returns a copy of the current document.
func (s *Surface) Document() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Pending reports whether a local edit is waiting for the debounce timer.
func (s *Surface) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// OnChange registers fn for every document replacement, local or remote.
func (s *Surface) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	s.obsSeq++
	id := s.obsSeq
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Edit records a local edit and (re)starts the debounce timer.
func (s *Surface) Edit(snap Snapshot) {
	s.Observe(Change{Origin: OriginLocal, Snapshot: snap})
}

// Clear empties the canvas as a local edit, keeping appState and files. It is
// debounced, persisted and broadcast like any other edit, so peers and the
// stored history both end up with the empty scene.
func (s *Surface) Clear() {
	s.mu.Lock()
	cleared := Snapshot{Elements: []Element{}, AppState: s.doc.AppState, Files: s.doc.Files}.Clone()
	s.mu.Unlock()
	s.Edit(cleared)
}

// Observe is the change-detection entry point for a renderer. Remote-origin
// changes are the result of an apply and are never scheduled.
func (s *Surface) Observe(c Change) {
	if c.Origin != OriginLocal {
		return
	}
	snap := c.Snapshot.Clone()
	if snap.Elements == nil {
		snap.Elements = []Element{}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.doc = snap
	s.version++
	pending := snap.Clone()
	s.pending = &pending
	s.timerGen++
	gen := s.timerGen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.Debounce, func() { s.fire(gen) })
	observers := s.observerList()
	s.mu.Unlock()

	s.notify(observers, Change{Origin: OriginLocal, Snapshot: snap})
}

func (s *Surface) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	snap := *s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	s.commit(snap)
}

// Flush commits a pending local edit now instead of waiting for the timer.
func (s *Surface) Flush() {
	s.mu.Lock()
	if s.closed || s.pending == nil {
		s.mu.Unlock()
		return
	}
	snap := *s.pending
	s.pending = nil
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.commit(snap)
}

// commit persists then broadcasts. A persistence failure is logged and the
// broadcast still goes out.
func (s *Surface) commit(snap Snapshot) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommitTimeout)
		err := s.history.Append(ctx, s.ch.SessionID(), OpExcalidrawUpdate, snap)
		cancel()
		if err != nil {
			s.metrics.PersistFailures.Inc()
			s.log.Warn().Err(err).Int("elements", len(snap.Elements)).Msg("canvas snapshot not persisted")
		}
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.ch.SendOperation(OpExcalidrawUpdate, snap); err != nil {
		s.log.Warn().Err(err).Msg("canvas snapshot not broadcast")
		return
	}
	s.metrics.SnapshotsCommitted.Inc()
	s.log.Debug().Int("elements", len(snap.Elements)).Msg("canvas snapshot committed")
}

func (s *Surface) onOperation(op session.Operation) {
	if op.UserID == s.ch.UserID() {
		s.metrics.EchoesDropped.Inc()
		return
	}
	if op.SessionID != "" && op.SessionID != s.ch.SessionID() {
		return
	}
	s.applyOperation(op.OperationType, op.Data, op.UserID)
}

func (s *Surface) applyOperation(opType string, data json.RawMessage, from session.ID) {
	log := s.log.With().Str("operation_type", opType).Str("user_id", string(from)).Logger()
	switch opType {
	case OpExcalidrawUpdate:
		snap, err := decodeSnapshot(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unreadable canvas snapshot")
			return
		}
		s.applyRemote(opType, func(Snapshot) Snapshot { return snap })
	case OpClear:
		s.applyRemote(opType, func(cur Snapshot) Snapshot {
			return Snapshot{Elements: []Element{}, AppState: cur.AppState, Files: cur.Files}
		})
	case OpTextUpdate:
		var lt legacyText
		if err := json.Unmarshal(data, &lt); err != nil {
			log.Warn().Err(err).Msg("dropping unreadable text annotation")
			return
		}
		if lt.Text == "" {
			log.Warn().Str("reason", "empty text").Msg("dropping text annotation")
			return
		}
		el := lt.textElement()
		s.applyRemote(opType, func(cur Snapshot) Snapshot {
			cur.Elements = append(cur.Elements, el)
			return cur
		})
	default:
		log.Debug().Msg("ignoring unknown canvas operation")
	}
}

// applyRemote replaces the document with next(current) and tags the change
// remote. While a local edit is pending the remote change is skipped: the
// local commit replaces the whole document for everyone when it fires.
func (s *Surface) applyRemote(opType string, next func(Snapshot) Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.mu.Unlock()
		s.log.Debug().Str("operation_type", opType).Msg("local edit pending, remote change skipped")
		return
	}
	snap := next(s.doc.Clone())
	if snap.Elements == nil {
		snap.Elements = []Element{}
	}
	s.doc = snap
	s.version++
	observers := s.observerList()
	s.mu.Unlock()

	s.metrics.RemoteApplied.WithLabelValues(opType).Inc()
	s.notify(observers, Change{Origin: OriginRemote, Snapshot: snap})
}

// Mount loads the stored history and applies the most recent full snapshot
// once, as a remote change. It does nothing if the document has already
// changed since Mount started.
func (s *Surface) Mount(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	s.mu.Lock()
	start := s.version
	s.mu.Unlock()

	records, err := s.history.Load(ctx, s.ch.SessionID())
	if err != nil {
		return err
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.OperationType != OpExcalidrawUpdate {
			continue
		}
		snap, err := decodeSnapshot(r.Data)
		if err != nil {
			s.log.Debug().Err(err).Uint64("record_id", r.ID).Msg("skipping unreadable stored snapshot")
			continue
		}
		s.mu.Lock()
		stale := s.version != start
		s.mu.Unlock()
		if stale {
			s.log.Debug().Msg("document changed during mount, stored snapshot skipped")
			return nil
		}
		s.applyRemote(OpExcalidrawUpdate, func(Snapshot) Snapshot { return snap })
		s.log.Info().Uint64("record_id", r.ID).Int("elements", len(snap.Elements)).Msg("canvas restored from history")
		return nil
	}
	return nil
}

// Close stops the debounce timer and detaches from the channel. A pending
// edit is discarded.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (s *Surface) observerList() []func(Change) {
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *Surface) notify(observers []func(Change), c Change) {
	for _, fn := range observers {
		fn(Change{Origin: c.Origin, Snapshot: c.Snapshot.Clone()})
	}
}
