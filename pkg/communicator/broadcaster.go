package communicator

import (
	"context"

	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/events"
	"github.com/scriptorhq/scriptor/pkg/models"
)

// Broadcaster is the external push-delivery collaborator. Calls are
// best-effort: failures are logged by the caller, never propagated.
type Broadcaster interface {
	Trigger(ctx context.Context, channel, eventType string, payload any) error
}

// NoopBroadcaster discards every trigger. Used when no external delivery is
// configured and in tests.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Trigger(context.Context, string, string, any) error {
	return nil
}

// BusBroadcaster publishes brokered messages onto the shared event bus so
// other services (and push gateways) can observe them.
type BusBroadcaster struct {
	bus eventbus.EventPublisher
}

// NewBusBroadcaster creates a broadcaster over the given publisher.
func NewBusBroadcaster(bus eventbus.EventPublisher) *BusBroadcaster {
	return &BusBroadcaster{bus: bus}
}

func (b *BusBroadcaster) Trigger(ctx context.Context, channel, _ string, payload any) error {
	message, ok := payload.(*models.Message)
	if !ok {
		return nil
	}

	event := events.AgentMessage{
		BaseEvent: events.NewBaseEvent(events.AgentMessageEvent, channel),
		Message:   message,
	}

	return b.bus.Publish(ctx, channel, event)
}
