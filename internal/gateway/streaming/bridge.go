package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
)

// JobEventMessage is the outbound frame for job lifecycle events
type JobEventMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Bridge forwards job events from the event bus to project subscribers.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	sub    bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge; call Start to begin forwarding
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "streaming_bridge")),
	}
}

// Start subscribes to all job subjects
func (b *Bridge) Start() error {
	sub, err := b.bus.Subscribe("jobs.>", b.forward)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Stop removes the bus subscription
func (b *Bridge) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	projectID, _ := event.Data["project_id"].(string)
	if projectID == "" {
		return nil
	}
	b.hub.Broadcast(projectID, JobEventMessage{Type: event.Type, Data: event.Data})
	return nil
}
