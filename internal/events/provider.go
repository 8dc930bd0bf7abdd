// Package events selects the event bus implementation for a process.
package events

import (
	"fmt"
	"strings"

	"github.com/BrokkAi/brokkd/internal/common/config"
	"github.com/BrokkAi/brokkd/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus: NATS when a URL is set, otherwise
// in-memory. The cleanup function drains and closes the bus.
func Provide(cfg *config.Config) (*ProvidedBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus()
	return &ProvidedBus{Bus: memBus, Memory: memBus}, memBus.Close, nil
}
