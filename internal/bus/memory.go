package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/logging"
)

const (
	memoryQueueDepth     = 256
	memoryMaxDeliveries  = 5
	memoryRedeliverDelay = 25 * time.Millisecond
)

// MemoryBus is an in-process bus for single-instance deployments and tests.
// It keeps the at-least-once contract: a handler error requeues the event
// until the delivery cap is reached. Events on one subject are delivered in
// publish order per group.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[string]map[string]*memorySub
	logger *slog.Logger
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	group   string
	handler Handler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

type delivery struct {
	evt      Event
	attempts int
}

// NewMemory builds an in-process bus.
func NewMemory(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		groups: make(map[string]map[string]*memorySub),
		logger: logging.NewComponentLogger(logger, "bus"),
	}
}

// Publish delivers evt to every subscribed group on subject. Events published
// before any subscriber exists are dropped; callers re-dispatch from the
// ledger rather than relying on replay.
func (b *MemoryBus) Publish(ctx context.Context, subject string, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for _, sub := range b.groups[subject] {
		select {
		case sub.queue <- delivery{evt: evt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for subject within group. One member per group
// per subject; subscribing the same group twice returns an error.
func (b *MemoryBus) Subscribe(subject, group string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	if b.groups[subject] == nil {
		b.groups[subject] = make(map[string]*memorySub)
	}
	if _, exists := b.groups[subject][group]; exists {
		return nil, errors.New("group already subscribed to subject")
	}
	sub := &memorySub{
		bus:     b,
		subject: subject,
		group:   group,
		handler: handler,
		queue:   make(chan delivery, memoryQueueDepth),
		done:    make(chan struct{}),
	}
	b.groups[subject][group] = sub
	go sub.run()
	return sub, nil
}

// Close stops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySub, 0)
	for _, groups := range b.groups {
		for _, sub := range groups {
			subs = append(subs, sub)
		}
	}
	b.groups = make(map[string]map[string]*memorySub)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			s.deliver(d)
		}
	}
}

func (s *memorySub) deliver(d delivery) {
	d.attempts++
	if err := s.handler(context.Background(), d.evt); err != nil {
		if d.attempts >= memoryMaxDeliveries {
			s.bus.logger.Warn("dropping event after repeated handler failures",
				logging.String("subject", s.subject),
				logging.String(logging.FieldRequestID, d.evt.RequestID),
				logging.Int("deliveries", d.attempts),
				logging.Error(err))
			return
		}
		time.Sleep(memoryRedeliverDelay)
		select {
		case s.queue <- d:
		case <-s.done:
		default:
			// Queue full; push back inline so the event is not lost.
			s.deliver(d)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Unsubscribe removes the consumer from the bus.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if groups, ok := s.bus.groups[s.subject]; ok {
		delete(groups, s.group)
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
