package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cyclepool/ledger-engine/internal/model"
)

// StreamName is the JetStream stream carrying collaborator events.
const StreamName = "CYCLE_EVENTS"

// Subject binds a subject filter to a durable consumer.
type Subject struct {
	Filter   string
	Consumer string
}

// DefaultSubjects returns one durable consumer per event kind.
func DefaultSubjects() []Subject {
	return []Subject{
		{Filter: "cycles.fills.>", Consumer: "ledger-fills"},
		{Filter: "cycles.cash.>", Consumer: "ledger-cash"},
		{Filter: "cycles.fees.>", Consumer: "ledger-fees"},
	}
}

// KindOf derives the event kind from a subject like "cycles.fills.jita".
func KindOf(subject string) (Kind, error) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 || parts[0] != "cycles" {
		return "", &model.MalformedEventError{Field: "subject", Reason: fmt.Sprintf("unexpected subject %q", subject)}
	}
	return ParseKind(parts[1])
}

// Connect opens a NATS connection with unlimited reconnects and returns its
// JetStream handle.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ledger-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"cycles.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Subscriber feeds JetStream messages into the inbox.
type Subscriber struct {
	js        jetstream.JetStream
	inbox     *Inbox
	consumers []jetstream.ConsumeContext
}

// NewSubscriber creates a subscriber writing to inbox.
func NewSubscriber(js jetstream.JetStream, inbox *Inbox) *Subscriber {
	return &Subscriber{js: js, inbox: inbox}
}

// Subscribe starts a durable consumer per subject. Messages are acked once
// stored; a payload that can never be stored is terminated, and store
// failures are nacked for redelivery.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []Subject) error {
	for _, sub := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Durable:       sub.Consumer,
			FilterSubject: sub.Filter,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", sub.Consumer, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			s.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", sub.Consumer, err)
		}
		s.consumers = append(s.consumers, cc)
		slog.Info("subscribed", "subject", sub.Filter, "consumer", sub.Consumer)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg) {
	kind, err := KindOf(msg.Subject())
	if err == nil {
		_, err = s.inbox.Ingest(ctx, kind, msg.Data())
	}
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			slog.Warn("ack failed", "subject", msg.Subject(), "err", err)
		}
	case errors.Is(err, model.ErrMalformedEvent):
		slog.Error("undecodable message dropped", "subject", msg.Subject(), "err", err)
		msg.Term()
	default:
		slog.Error("inbox write failed, message will be redelivered", "subject", msg.Subject(), "err", err)
		msg.Nak()
	}
}

// Stop stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	slog.Info("nats subscribers stopped")
}
