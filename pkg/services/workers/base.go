package workers

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sentinel-overwatch/pkg/transport"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// Broadcaster fans a message out to every connected session.
type Broadcaster interface {
	Broadcast(msg transport.Message)
}

// errPoison marks a message that can never be handled. It is terminated
// instead of redelivered.
var errPoison = errors.New("unprocessable message")

type BaseWorker struct {
	name     string
	nc       *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	consumer string
	stream   string
	subject  string
	logger   *zap.Logger
}

func NewBaseWorker(name string, nc *nats.Conn, js nats.JetStreamContext, stream, consumer, subject string, logger *zap.Logger) *BaseWorker {
	return &BaseWorker{
		name:     name,
		nc:       nc,
		js:       js,
		consumer: consumer,
		stream:   stream,
		subject:  subject,
		logger:   logger.With(zap.String("worker", name)),
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Stop() error {
	if w.sub != nil {
		return w.sub.Drain()
	}
	return nil
}

func (w *BaseWorker) processMessages(ctx context.Context, handler func(*nats.Msg) error) error {
	sub, err := w.js.PullSubscribe(w.subject, w.consumer,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.Bind(w.stream, w.consumer),
	)
	if err != nil {
		return err
	}
	w.sub = sub

	w.logger.Info("Starting worker", zap.String("stream", w.stream), zap.String("consumer", w.consumer))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping")
			return ctx.Err()
		default:
			msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
			if err != nil && !errors.Is(err, nats.ErrTimeout) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("Error fetching messages", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
				continue
			}

			for _, msg := range msgs {
				w.handle(msg, handler)
			}
		}
	}
}

func (w *BaseWorker) handle(msg *nats.Msg, handler func(*nats.Msg) error) {
	err := handler(msg)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			w.logger.Warn("Error acknowledging message", zap.Error(err))
		}
	case errors.Is(err, errPoison):
		w.logger.Warn("Dropping message", zap.String("subject", msg.Subject), zap.Error(err))
		if err := msg.Term(); err != nil {
			w.logger.Warn("Error terminating message", zap.Error(err))
		}
	default:
		w.logger.Error("Error handling message", zap.String("subject", msg.Subject), zap.Error(err))
		if err := msg.Nak(); err != nil {
			w.logger.Warn("Error rejecting message", zap.Error(err))
		}
	}
}
