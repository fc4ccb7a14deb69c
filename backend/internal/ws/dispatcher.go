package ws

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"sessionSync/backend/internal/metrics"
)

// Handler processes one inbound envelope. A returned error or a panic is
// logged and does not stop the remaining handlers.
type Handler func(env Envelope) error

type subscription struct {
	topic  string
	global bool
	fn     Handler
	active atomic.Bool
}

// Dispatcher routes envelopes to the handlers subscribed to their Type, in
// registration order. Subscribing and unsubscribing is safe from inside a
// handler: Dispatch iterates a snapshot and skips handlers removed mid-flight.
type Dispatcher struct {
	mu     sync.Mutex
	topics map[string][]*subscription
	any    []*subscription

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		topics:  make(map[string][]*subscription),
		log:     logger,
		metrics: metrics.OrNew(m),
	}
}

// Subscribe registers fn for topic. The returned func removes it and may be
// called any number of times.
func (d *Dispatcher) Subscribe(topic string, fn Handler) func() {
	sub := &subscription{topic: topic, fn: fn}
	sub.active.Store(true)

	d.mu.Lock()
	d.topics[topic] = append(d.topics[topic], sub)
	d.mu.Unlock()

	return d.remover(sub)
}

// SubscribeAll registers fn for every envelope regardless of topic.
func (d *Dispatcher) SubscribeAll(fn Handler) func() {
	sub := &subscription{global: true, fn: fn}
	sub.active.Store(true)

	d.mu.Lock()
	d.any = append(d.any, sub)
	d.mu.Unlock()

	return d.remover(sub)
}

func (d *Dispatcher) remover(sub *subscription) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			d.mu.Lock()
			defer d.mu.Unlock()
			if sub.global {
				d.any = without(d.any, sub)
				return
			}
			rest := without(d.topics[sub.topic], sub)
			if len(rest) == 0 {
				delete(d.topics, sub.topic)
			} else {
				d.topics[sub.topic] = rest
			}
		})
	}
}

// without returns a fresh slice so in-flight snapshots stay untouched.
func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Count reports how many handlers are registered for topic.
func (d *Dispatcher) Count(topic string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.topics[topic])
}

// Dispatch delivers env to the raw-stream observers, then to the handlers of
// env.Type.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.Lock()
	observers := d.any
	handlers := d.topics[env.Type]
	d.mu.Unlock()

	d.metrics.EnvelopesIn.WithLabelValues(env.Type).Inc()

	for _, sub := range observers {
		d.invoke(sub, env)
	}
	for _, sub := range handlers {
		d.invoke(sub, env)
	}
}

func (d *Dispatcher) invoke(sub *subscription, env Envelope) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerFailures.WithLabelValues(env.Type).Inc()
			d.log.Error().
				Str("topic", env.Type).
				Str("panic", fmt.Sprint(r)).
				Msg("ws handler panicked")
		}
	}()
	if err := sub.fn(env); err != nil {
		d.metrics.HandlerFailures.WithLabelValues(env.Type).Inc()
		d.log.Error().Err(err).Str("topic", env.Type).Msg("ws handler failed")
	}
}
