package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"conveyor/internal/config"
	"conveyor/internal/logging"
)

const natsOpTimeout = 10 * time.Second

// NATSBus is a JetStream-backed bus for multi-instance deployments. The
// stream persists events so consumers that restart resume where they left
// off; explicit acks give at-least-once delivery.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	name   string
	logger *slog.Logger
}

// NewNATS connects to the configured NATS server and ensures the pipeline
// stream exists.
func NewNATS(cfg *config.Config, logger *slog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(cfg.Bus.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Bus.Stream,
		Subjects:  []string{"pipeline.>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Bus.Stream, err)
	}

	bus := &NATSBus{
		conn:   conn,
		js:     js,
		stream: stream,
		name:   cfg.Bus.Stream,
		logger: logging.NewComponentLogger(logger, "bus"),
	}
	bus.logger.Info("connected to nats",
		logging.String("url", cfg.Bus.URL),
		logging.String("stream", cfg.Bus.Stream))
	return bus, nil
}

// Publish appends evt to the stream under subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe binds a durable consumer named after group to subject. A handler
// error naks the message for redelivery.
func (b *NATSBus) Subscribe(subject, group string, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), natsOpTimeout)
	defer cancel()

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(group, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer for %s: %w", subject, err)
	}

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			b.logger.Warn("discarding undecodable event",
				logging.String("subject", subject),
				logging.Error(err))
			_ = msg.Term()
			return
		}
		if err := handler(context.Background(), evt); err != nil {
			b.logger.Warn("handler failed, requesting redelivery",
				logging.String("subject", subject),
				logging.String(logging.FieldRequestID, evt.RequestID),
				logging.Error(err))
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", subject, err)
	}
	return &natsSub{consume: consume}, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type natsSub struct {
	consume jetstream.ConsumeContext
}

func (s *natsSub) Unsubscribe() error {
	s.consume.Stop()
	return nil
}

func durableName(group, subject string) string {
	name := group + "_" + subject
	return strings.NewReplacer(".", "_", "*", "all", ">", "all").Replace(name)
}
