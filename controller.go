package iotd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/devices"
	"github.com/kradalby/iotd/events"
	"github.com/kradalby/iotd/presence"
	"github.com/kradalby/iotd/relay"
	"tailscale.com/util/eventbus"
)

// DeviceController applies user commands to devices.
type DeviceController interface {
	SetTarget(ctx context.Context, source, id string, on bool) error
	SetBrightness(ctx context.Context, source, id string, level int) error
	RefreshAll(ctx context.Context, source string)
}

// DeviceProvider exposes the current state of every device.
type DeviceProvider interface {
	SwitchStates() []events.SwitchStateEvent
	PresenceStates() []events.PresenceEvent
}

// DevicePublisher turns actor callbacks into bus events. It is built before
// the registry so its methods can be passed as devices.Options hooks.
type DevicePublisher struct {
	bus    *events.Bus
	client *eventbus.Client
}

// NewDevicePublisher returns a publisher using the devices bus client.
func NewDevicePublisher(bus *events.Bus) (*DevicePublisher, error) {
	client, err := bus.Client(events.ClientDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to get devices eventbus client: %w", err)
	}
	return &DevicePublisher{bus: bus, client: client}, nil
}

// OnSwitchChange publishes a switch snapshot.
func (p *DevicePublisher) OnSwitchChange(kind devices.Kind, s relay.Snapshot) {
	p.bus.PublishSwitchState(p.client, switchEvent(kind, s, "device"))
}

// OnPresenceChange publishes a presence edge.
func (p *DevicePublisher) OnPresenceChange(kind devices.Kind, s presence.Snapshot) {
	p.bus.PublishPresence(p.client, presenceEvent(kind, s))
}

// OnSync publishes the duration of one actor cycle.
func (p *DevicePublisher) OnSync(name string, took time.Duration) {
	p.bus.PublishSync(p.client, events.SyncEvent{Module: name, Duration: took})
}

func switchEvent(kind devices.Kind, s relay.Snapshot, source string) events.SwitchStateEvent {
	return events.SwitchStateEvent{
		Timestamp:   s.Timestamp,
		Source:      source,
		DeviceID:    s.ID,
		Name:        s.Name,
		Kind:        string(kind),
		Status:      s.Status.String(),
		Previous:    s.Previous.String(),
		Target:      s.Target.String(),
		On:          s.Status == device.On,
		Brightness:  s.Brightness,
		PowerMW:     s.PowerMW,
		TotalWH:     s.TotalWH,
		LastTimeOn:  s.LastTimeOn,
		LastTimeOff: s.LastTimeOff,
	}
}

func presenceEvent(kind devices.Kind, s presence.Snapshot) events.PresenceEvent {
	return events.PresenceEvent{
		Timestamp:          s.Timestamp,
		DeviceID:           s.ID,
		Name:               s.Name,
		Kind:               string(kind),
		Present:            s.Present,
		LastTimePresent:    s.LastTimePresent,
		LastTimeNotPresent: s.LastTimeNotPresent,
	}
}

// Controller implements DeviceController and DeviceProvider on a registry.
type Controller struct {
	logger *slog.Logger
	reg    *devices.Registry
	bus    *events.Bus
	client *eventbus.Client
	now    func() time.Time
}

// NewController wraps reg. Every command is also published on the bus.
func NewController(logger *slog.Logger, reg *devices.Registry, bus *events.Bus) (*Controller, error) {
	client, err := bus.Client(events.ClientMain)
	if err != nil {
		return nil, fmt.Errorf("failed to get controller eventbus client: %w", err)
	}
	return &Controller{logger: logger, reg: reg, bus: bus, client: client, now: time.Now}, nil
}

func (c *Controller) SetTarget(_ context.Context, source, id string, on bool) error {
	sw, ok := c.reg.Switch(id)
	if !ok {
		return fmt.Errorf("switch %s not found", id)
	}

	target := device.Off
	if on {
		target = device.On
	}
	c.logger.Info("Setting switch target", "device_id", id, "target", target.String(), "source", source)
	sw.SetTarget(target)

	c.bus.PublishCommand(c.client, events.CommandEvent{
		Timestamp:   c.now(),
		Source:      source,
		DeviceID:    id,
		CommandType: events.CommandTypeSetTarget,
		On:          &on,
	})
	return nil
}

func (c *Controller) SetBrightness(_ context.Context, source, id string, level int) error {
	sw, ok := c.reg.Switch(id)
	if !ok {
		return fmt.Errorf("switch %s not found", id)
	}
	if level < 1 || level > 100 {
		return fmt.Errorf("brightness %d out of range 1-100", level)
	}

	now := c.now()
	sw.SetBrightnessTarget(level, level, now, now)

	c.bus.PublishCommand(c.client, events.CommandEvent{
		Timestamp:   now,
		Source:      source,
		DeviceID:    id,
		CommandType: events.CommandTypeSetBrightness,
		Brightness:  &level,
	})
	return nil
}

func (c *Controller) RefreshAll(_ context.Context, source string) {
	c.reg.Refresh()
	c.bus.PublishCommand(c.client, events.CommandEvent{
		Timestamp:   c.now(),
		Source:      source,
		DeviceID:    "all",
		CommandType: events.CommandTypeRefresh,
	})
}

// SwitchStates lists the switches shown on the web UI.
func (c *Controller) SwitchStates() []events.SwitchStateEvent {
	return c.Web().SwitchStates()
}

// PresenceStates lists the presence sources shown on the web UI.
func (c *Controller) PresenceStates() []events.PresenceEvent {
	return c.Web().PresenceStates()
}

// Web returns the devices the web UI shows.
func (c *Controller) Web() DeviceProvider {
	return deviceView{
		reg:        c.reg,
		showSwitch: func(sw *devices.Switch) bool { return enabled(sw.Config.Web) },
		showSource: func(src *devices.PresenceSource) bool { return src.Web },
	}
}

// HomeKit returns the devices bridged to HomeKit.
func (c *Controller) HomeKit() DeviceProvider {
	return deviceView{
		reg:        c.reg,
		showSwitch: func(sw *devices.Switch) bool { return enabled(sw.Config.HomeKit) },
		showSource: func(src *devices.PresenceSource) bool { return src.HomeKit },
	}
}

// deviceView is the registry as seen by one frontend.
type deviceView struct {
	reg        *devices.Registry
	showSwitch func(*devices.Switch) bool
	showSource func(*devices.PresenceSource) bool
}

func (v deviceView) SwitchStates() []events.SwitchStateEvent {
	out := make([]events.SwitchStateEvent, 0, len(v.reg.Switches()))
	for _, sw := range v.reg.Switches() {
		if !v.showSwitch(sw) {
			continue
		}
		out = append(out, switchEvent(sw.Kind, sw.Snapshot(), "snapshot"))
	}
	return out
}

func (v deviceView) PresenceStates() []events.PresenceEvent {
	out := make([]events.PresenceEvent, 0, len(v.reg.PresenceSources()))
	for _, src := range v.reg.PresenceSources() {
		if !v.showSource(src) {
			continue
		}
		out = append(out, presenceEvent(src.Kind, src.Snapshot()))
	}
	return out
}

// enabled reads an optional flag that defaults to true.
func enabled(b *bool) bool {
	return b == nil || *b
}
