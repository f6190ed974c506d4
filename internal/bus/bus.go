package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// Handler processes one event. Returning an error requests redelivery; the
// handler must therefore be idempotent.
type Handler func(ctx context.Context, evt Event) error

// Subscription is an active consumer binding.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and consumes pipeline events. Subscribers in the same group
// share the subject's events; each event goes to one member per group.
type Bus interface {
	Publish(ctx context.Context, subject string, evt Event) error
	Subscribe(subject, group string, handler Handler) (Subscription, error)
	Close() error
}

// New builds the bus selected by the configured driver.
func New(cfg *config.Config, logger *slog.Logger) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Driver)) {
	case "", "memory":
		return NewMemory(logger), nil
	case "nats":
		return NewNATS(cfg, logger)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "bus", fmt.Sprintf("unknown bus driver %q", cfg.Bus.Driver), nil)
	}
}
