// Package events selects the event bus implementation from configuration.
package events

import (
	"fmt"
	"strings"

	"github.com/pilotd/pilotd/internal/common/config"
	"github.com/pilotd/pilotd/internal/common/logger"
	"github.com/pilotd/pilotd/internal/events/bus"
)

// Provide builds the configured event bus. An empty NATS URL selects the
// in-process bus. The returned cleanup closes whichever bus was built.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
