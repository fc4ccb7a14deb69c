package ws

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionSync/backend/internal/metrics"
)

func env(topic string) Envelope {
	return Envelope{Type: topic, Data: json.RawMessage(`{}`)}
}

func TestDispatcher_RegistrationOrder(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		d.Subscribe(TopicSessionMessage, func(Envelope) error {
			got = append(got, i)
			return nil
		})
	}

	d.Dispatch(env(TopicSessionMessage))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestDispatcher_FailingHandlerDoesNotStopOthers(t *testing.T) {
	m := metrics.New(nil)
	d := NewDispatcher(zerolog.Nop(), m)
	var ran []string
	d.Subscribe(TopicCanvasOperation, func(Envelope) error {
		ran = append(ran, "panics")
		panic("boom")
	})
	d.Subscribe(TopicCanvasOperation, func(Envelope) error {
		ran = append(ran, "errors")
		return errors.New("bad payload")
	})
	d.Subscribe(TopicCanvasOperation, func(Envelope) error {
		ran = append(ran, "ok")
		return nil
	})

	require.NotPanics(t, func() { d.Dispatch(env(TopicCanvasOperation)) })
	assert.Equal(t, []string{"panics", "errors", "ok"}, ran)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues(TopicCanvasOperation)))
}

func TestDispatcher_UnsubscribeSelfDuringDispatch(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	calls := 0
	var unsubscribe func()
	unsubscribe = d.Subscribe(TopicCursorPosition, func(Envelope) error {
		calls++
		unsubscribe()
		unsubscribe()
		return nil
	})
	other := 0
	d.Subscribe(TopicCursorPosition, func(Envelope) error {
		other++
		return nil
	})

	require.NotPanics(t, func() { d.Dispatch(env(TopicCursorPosition)) })
	d.Dispatch(env(TopicCursorPosition))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
	assert.Equal(t, 1, d.Count(TopicCursorPosition))
}

func TestDispatcher_UnsubscribeLaterHandlerDuringDispatch(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	var second func()
	secondCalls := 0
	d.Subscribe(TopicUserJoined, func(Envelope) error {
		second()
		return nil
	})
	second = d.Subscribe(TopicUserJoined, func(Envelope) error {
		secondCalls++
		return nil
	})

	d.Dispatch(env(TopicUserJoined))
	assert.Equal(t, 0, secondCalls)
}

func TestDispatcher_SubscribeDuringDispatchTakesEffectNextEnvelope(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	late := 0
	added := false
	d.Subscribe(TopicUserLeft, func(Envelope) error {
		if !added {
			added = true
			d.Subscribe(TopicUserLeft, func(Envelope) error {
				late++
				return nil
			})
		}
		return nil
	})

	d.Dispatch(env(TopicUserLeft))
	assert.Equal(t, 0, late)
	d.Dispatch(env(TopicUserLeft))
	assert.Equal(t, 1, late)
}

func TestDispatcher_UnsubscribeLeavesOtherTopics(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	var a, b int
	unsubA := d.Subscribe(TopicUserOnline, func(Envelope) error { a++; return nil })
	d.Subscribe(TopicUserOffline, func(Envelope) error { b++; return nil })

	unsubA()
	unsubA()
	d.Dispatch(env(TopicUserOnline))
	d.Dispatch(env(TopicUserOffline))

	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 0, d.Count(TopicUserOnline))
}

func TestDispatcher_SubscribeAllSeesEveryTopic(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil)
	var seen []string
	stop := d.SubscribeAll(func(e Envelope) error {
		seen = append(seen, e.Type)
		return nil
	})

	d.Dispatch(env(TopicNewMessage))
	d.Dispatch(env("something_custom"))
	stop()
	d.Dispatch(env(TopicUserOnline))

	assert.Equal(t, []string{TopicNewMessage, "something_custom"}, seen)
}
