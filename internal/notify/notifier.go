// Package notify delivers alert transition events to the notification
// collaborator. Delivery formatting beyond the event payload is out of
// scope for the engine.
package notify

import (
	"context"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
)

// Notifier receives alert events on every open and resolve transition.
type Notifier interface {
	Publish(ctx context.Context, event domain.AlertEvent) error
}

// Noop discards events. Useful for tests and local development without a
// broker.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(context.Context, domain.AlertEvent) error { return nil }
