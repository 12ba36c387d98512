package kafka

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	defaultRetryDelay = 200 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// Handler returns nil only when the message was processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	retryDelay time.Duration
	log        zerolog.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		retryDelay: defaultRetryDelay,
		log:        log.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Start fetches until ctx is cancelled and hands each message to the worker
// owning its partition, so one partition is always handled in offset order.
// It returns nil on shutdown and waits for in-flight handlers.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer func() {
		if err := c.r.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close reader")
		}
	}()

	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 4)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			c.work(ctx, id, h, jobs)
		}(i, queues[i])
	}
	defer wg.Wait()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[workerFor(m, c.workers)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func workerFor(m kafka.Message, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.Topic))
	return int((h.Sum32() + uint32(m.Partition)) % uint32(workers))
}

// work handles its queue in order. A message that is not handled by the
// time ctx ends stops the worker from committing anything after it; the
// uncommitted offset is redelivered to the next group member.
func (c *Consumer) work(ctx context.Context, worker int, h Handler, jobs <-chan kafka.Message) {
	stopped := false
	for m := range jobs {
		if stopped {
			continue
		}
		if !c.handle(ctx, worker, h, m) {
			stopped = true
		}
	}
}

// handle retries h with backoff until it succeeds or ctx ends, then commits.
// Committing m also commits every earlier offset of its partition, so it must
// never run past a message that failed.
func (c *Consumer) handle(ctx context.Context, worker int, h Handler, m kafka.Message) bool {
	l := c.log.With().Int("worker", worker).Str("topic", m.Topic).
		Int("partition", m.Partition).Int64("offset", m.Offset).Logger()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.MaxInterval = maxRetryDelay
	eb.MaxElapsedTime = 0
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h(ctx, m)
		if err != nil && ctx.Err() == nil {
			l.Error().Err(err).Int("attempt", attempt).Msg("handle message, retrying")
		}
		return err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		l.Warn().Err(err).Msg("message left uncommitted at shutdown")
		return false
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		if ctx.Err() == nil {
			l.Error().Err(err).Msg("commit message")
		}
		return false
	}
	return true
}
