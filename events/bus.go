// Package events defines the payloads exchanged between the device runtime
// and the outer surfaces, and the bus that carries them.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// Well known bus client names.
const (
	ClientMain    = "main"
	ClientDevices = "devices"
	ClientHAP     = "hap"
	ClientWeb     = "web"
	ClientMQTT    = "mqtt"
	ClientMetrics = "metrics"
)

var errBusClosed = errors.New("event bus closed")

// Bus wraps an eventbus.Bus, handing out one client per name and one
// publisher per client and event type.
type Bus struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu      sync.Mutex
	closed  bool
	clients map[string]*eventbus.Client
	pubs    map[*eventbus.Client]*publishers
}

type publishers struct {
	switchState *eventbus.Publisher[SwitchStateEvent]
	presence    *eventbus.Publisher[PresenceEvent]
	command     *eventbus.Publisher[CommandEvent]
	status      *eventbus.Publisher[ConnectionStatusEvent]
	sync        *eventbus.Publisher[SyncEvent]
}

// New returns an open bus.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Bus{
		logger:  logger,
		bus:     eventbus.New(),
		clients: make(map[string]*eventbus.Client),
		pubs:    make(map[*eventbus.Client]*publishers),
	}, nil
}

// Client returns the client registered under name, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	if c, ok := b.clients[name]; ok {
		return c, nil
	}
	c := b.bus.Client(name)
	b.clients[name] = c
	return c, nil
}

func (b *Bus) publishersFor(c *eventbus.Client) *publishers {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	p, ok := b.pubs[c]
	if !ok {
		p = &publishers{
			switchState: eventbus.Publish[SwitchStateEvent](c),
			presence:    eventbus.Publish[PresenceEvent](c),
			command:     eventbus.Publish[CommandEvent](c),
			status:      eventbus.Publish[ConnectionStatusEvent](c),
			sync:        eventbus.Publish[SyncEvent](c),
		}
		b.pubs[c] = p
	}
	return p
}

// PublishSwitchState publishes a switch state change.
func (b *Bus) PublishSwitchState(c *eventbus.Client, evt SwitchStateEvent) {
	if p := b.publishersFor(c); p != nil {
		p.switchState.Publish(evt)
	}
}

// PublishPresence publishes a presence edge.
func (b *Bus) PublishPresence(c *eventbus.Client, evt PresenceEvent) {
	if p := b.publishersFor(c); p != nil {
		p.presence.Publish(evt)
	}
}

// PublishCommand publishes a control request.
func (b *Bus) PublishCommand(c *eventbus.Client, evt CommandEvent) {
	if p := b.publishersFor(c); p != nil {
		p.command.Publish(evt)
	}
}

// PublishConnectionStatus publishes a component lifecycle change.
func (b *Bus) PublishConnectionStatus(c *eventbus.Client, evt ConnectionStatusEvent) {
	if p := b.publishersFor(c); p != nil {
		p.status.Publish(evt)
	}
}

// PublishSync publishes an actor cycle timing.
func (b *Bus) PublishSync(c *eventbus.Client, evt SyncEvent) {
	if p := b.publishersFor(c); p != nil {
		p.sync.Publish(evt)
	}
}

// Close shuts down every client and the underlying bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.bus.Close()
	b.logger.Debug("Event bus closed")
	return nil
}
