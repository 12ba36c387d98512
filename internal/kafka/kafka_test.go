package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducerFlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(t.Context())
	p.Start(ctx)

	for i := range 5 {
		require.NoError(t, p.Publish(t.Context(), kafka.Message{Topic: "order.placed", Key: []byte{byte(i)}}))
	}
	cancel()
	p.WaitClosed()

	assert.Len(t, w.msgs, 5)
	assert.True(t, w.closed)
	for _, m := range w.msgs {
		assert.False(t, m.Time.IsZero())
	}

	err := p.Publish(t.Context(), kafka.Message{Topic: "order.placed"})
	require.ErrorIs(t, err, ErrProducerClosed)
}

func TestProducerPublishHonoursContext(t *testing.T) {
	p := newProducer(&fakeWriter{}, 1, zerolog.Nop())
	// loop not started: the inbox fills after one message
	require.NoError(t, p.Publish(t.Context(), kafka.Message{}))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Publish(ctx, kafka.Message{}), context.DeadlineExceeded)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) commitLog() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func startConsumer(t *testing.T, c *Consumer, h Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	c.retryDelay = time.Millisecond
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()
	return cancel, done
}

func TestConsumerRetriesFailedMessageInPlace(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 2, zerolog.Nop())

	var (
		mu      sync.Mutex
		handled []int64
		failed  bool
	)
	cancel, done := startConsumer(t, c, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, m.Offset)
		if m.Offset == 2 && !failed {
			failed = true
			return errors.New("boom")
		}
		return nil
	})

	require.Eventually(t, func() bool { return r.commits() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, r.commitLog())
	assert.Equal(t, []int64{1, 2, 2, 3}, handled)
	assert.True(t, r.closed)
}

func TestConsumerNeverCommitsPastFailure(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 2, zerolog.Nop())

	var (
		mu       sync.Mutex
		attempts int
		sawThree bool
	)
	cancel, done := startConsumer(t, c, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		switch m.Offset {
		case 2:
			attempts++
			return errors.New("store down")
		case 3:
			sawThree = true
		}
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1}, r.commitLog())
	assert.False(t, sawThree, "offset 3 must wait behind the failing offset 2")
}

func TestConsumerKeepsPartitionOrder(t *testing.T) {
	var pending []kafka.Message
	for off := int64(0); off < 10; off++ {
		for p := range 3 {
			pending = append(pending, kafka.Message{Topic: "order.placed", Partition: p, Offset: off})
		}
	}
	r := &fakeReader{pending: pending}
	c := newConsumer(r, 3, zerolog.Nop())

	var (
		mu   sync.Mutex
		seen = map[int][]int64{}
	)
	cancel, done := startConsumer(t, c, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		seen[m.Partition] = append(seen[m.Partition], m.Offset)
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool { return r.commits() == len(pending) }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for p := range 3 {
		assert.IsIncreasing(t, seen[p], "partition %d", p)
		assert.Len(t, seen[p], 10)
	}
}

func TestWorkerForIsStablePerPartition(t *testing.T) {
	m := kafka.Message{Topic: "order.placed", Partition: 4}
	w := workerFor(m, 3)
	for range 5 {
		assert.Equal(t, w, workerFor(m, 3))
	}
	assert.Equal(t, 0, workerFor(m, 1))
}

func TestConsumerReturnsFetchError(t *testing.T) {
	c := newConsumer(errReader{}, 1, zerolog.Nop())
	err := c.Start(t.Context(), func(context.Context, kafka.Message) error { return nil })
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type errReader struct{}

func (errReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.ErrUnexpectedEOF
}
func (errReader) CommitMessages(context.Context, ...kafka.Message) error { return nil }
func (errReader) Close() error                                           { return nil }
