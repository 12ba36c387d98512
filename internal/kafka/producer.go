package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var ErrProducerClosed = errors.New("producer closed")

const flushTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in an inbox and writes them from one goroutine.
// The topic travels on each message, so one Producer serves every topic.
type Producer struct {
	w       messageWriter
	log     zerolog.Logger
	inbox   chan kafka.Message
	done    chan struct{}
	closeCh chan struct{}
}

func NewProducer(brokers []string, buf int, log zerolog.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, buf, log)
}

func newProducer(w messageWriter, buf int, log zerolog.Logger) *Producer {
	if buf <= 0 {
		buf = 1
	}
	return &Producer{
		w:       w,
		log:     log.With().Str("component", "kafka-producer").Logger(),
		inbox:   make(chan kafka.Message, buf),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until ctx is cancelled, then flushes what is
// still buffered and closes the writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				close(p.done)
				p.flush()
				if err := p.w.Close(); err != nil {
					p.log.Warn().Err(err).Msg("close writer")
				}
				return
			case m := <-p.inbox:
				p.write(context.Background(), m)
			}
		}
	}()
}

func (p *Producer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case m := <-p.inbox:
			p.write(ctx, m)
		default:
			return
		}
	}
}

func (p *Producer) write(ctx context.Context, m kafka.Message) {
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error().Err(err).Str("topic", m.Topic).Bytes("key", m.Key).Msg("write message")
	}
}

// Publish enqueues m. It blocks while the inbox is full, until ctx ends or
// the producer shuts down.
func (p *Producer) Publish(ctx context.Context, m kafka.Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	select {
	case <-p.done:
		return ErrProducerClosed
	default:
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.done:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitClosed blocks until the write loop has flushed and exited.
func (p *Producer) WaitClosed() { <-p.closeCh }
