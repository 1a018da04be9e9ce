package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/scriptorhq/scriptor/pkg/channels/gochannel"
	"github.com/scriptorhq/scriptor/pkg/channels/kafka"
	"github.com/scriptorhq/scriptor/pkg/eventbus"
	"github.com/scriptorhq/scriptor/pkg/events"
)

// NewEventBus builds the broadcast bus for a provider name. "gochannel"
// serves single-process deployments, "kafka" multi-service ones.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	return newBusForTopic(provider, serviceName, "", logger)
}

// NewCommandBus builds the bus engine workers consume workflow commands
// from. Command and broadcast traffic stay on separate topics so a worker
// never re-consumes its own lifecycle events.
func NewCommandBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	return newBusForTopic(provider, serviceName, events.CommandTopic, logger)
}

func newBusForTopic(provider, serviceName, topic string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	var (
		pub message.Publisher
		sub message.Subscriber
		err error
	)

	switch provider {
	case "kafka":
		pub, sub, err = kafka.CreateChannel(wmLogger, serviceName)
	case "gochannel", "":
		pub, sub, err = gochannel.CreateChannel(wmLogger)
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}

	if err != nil {
		return nil, fmt.Errorf("creating %s channel: %w", provider, err)
	}

	if topic == "" {
		return eventbus.NewWatermillEventBus(pub, sub), nil
	}

	return eventbus.NewWatermillEventBusForTopic(topic, pub, sub), nil
}
