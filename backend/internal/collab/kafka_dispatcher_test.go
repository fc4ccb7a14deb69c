package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionSync/backend/internal/metrics"
)

func fastOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{QueueSize: 8, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func closeDispatcher(t *testing.T, d *KafkaDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt CanvasOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventCanvasOp || evt.SessionID != "s1" || evt.OperationType != "clear" {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "canvas-ops", NewSemaphoreControl(2), fastOptions(), zerolog.Nop(), nil)
	require.NoError(t, d.Enqueue(context.Background(), CanvasOpEvent{
		SessionID:     "s1",
		OperationID:   "op-1",
		UserID:        "u1",
		OperationType: "clear",
		Data:          json.RawMessage(`{}`),
		ReceivedAt:    time.Now(),
	}))

	closeDispatcher(t, d)
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	m := metrics.New(nil)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "canvas-ops", nil, fastOptions(), zerolog.Nop(), m)
	require.NoError(t, d.Enqueue(context.Background(), CanvasOpEvent{SessionID: "s1"}))

	closeDispatcher(t, d)
	require.NoError(t, producer.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.KafkaDropped))
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	m := metrics.New(nil)
	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	d := NewKafkaDispatcher(producer, "canvas-ops", nil, fastOptions(), zerolog.Nop(), m)
	require.NoError(t, d.Enqueue(context.Background(), CanvasOpEvent{SessionID: "s1"}))

	closeDispatcher(t, d)
	require.NoError(t, producer.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaDropped))
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, fastOptions(), zerolog.Nop(), nil)
	closeDispatcher(t, d)
	assert.ErrorIs(t, d.Enqueue(context.Background(), CanvasOpEvent{SessionID: "s1"}), context.Canceled)
}

func TestKafkaDispatcher_EnqueueTimesOutWhenFull(t *testing.T) {
	m := metrics.New(nil)
	sem := NewSemaphoreControl(1)
	// 占住信号量，worker 卡在 Acquire
	require.NoError(t, sem.Acquire(context.Background()))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	opts := fastOptions()
	opts.QueueSize = 1
	d := NewKafkaDispatcher(producer, "canvas-ops", sem, opts, zerolog.Nop(), m)

	require.NoError(t, d.Enqueue(context.Background(), CanvasOpEvent{SessionID: "a"}))
	// 第一个被 worker 取走后阻塞，第二个占满队列
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(context.Background(), CanvasOpEvent{SessionID: "b"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Enqueue(ctx, CanvasOpEvent{SessionID: "c"}), context.DeadlineExceeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaDropped))

	require.NoError(t, sem.Release())
	closeDispatcher(t, d)
	require.NoError(t, producer.Close())
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	assert.Equal(t, 1, sem.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrNotAcquired)
	assert.Equal(t, 100, cap(NewSemaphoreControl(0).ch))
}
