package iotd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/kradalby/iotd/events"
	"tailscale.com/util/eventbus"
)

// HAPSwitch describes a switch exposed as an outlet.
type HAPSwitch struct {
	ID              string
	Name            string
	Kind            string
	PowerMonitoring bool
}

// HAPSensor describes a presence source exposed as an occupancy sensor.
type HAPSensor struct {
	ID   string
	Name string
	Kind string
}

// HAPManager manages HomeKit accessories and their state synchronization
type HAPManager struct {
	logger      *slog.Logger
	bridge      *accessory.Bridge
	outlets     map[string]*accessory.Outlet
	energy      map[string]*EveEnergyService
	sensors     map[string]*OccupancySensor
	accessories []*accessory.A
	controller  DeviceController

	switchSub   *eventbus.Subscriber[events.SwitchStateEvent]
	presenceSub *eventbus.Subscriber[events.PresenceEvent]

	incomingCommands atomic.Uint64
	outgoingUpdates  atomic.Uint64
	lastActivity     atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHAPManager creates a bridge with one accessory per switch and sensor.
func NewHAPManager(
	logger *slog.Logger,
	bridgeName string,
	switches []HAPSwitch,
	sensors []HAPSensor,
	controller DeviceController,
	bus *events.Bus,
) (*HAPManager, error) {
	client, err := bus.Client(events.ClientHAP)
	if err != nil {
		return nil, fmt.Errorf("failed to get hap eventbus client: %w", err)
	}

	bridge := accessory.NewBridge(accessory.Info{
		Name:         bridgeName,
		Manufacturer: "iotd",
		Model:        "Bridge",
		SerialNumber: "IOTD001",
	})

	hm := &HAPManager{
		logger:      logger,
		bridge:      bridge,
		outlets:     make(map[string]*accessory.Outlet),
		energy:      make(map[string]*EveEnergyService),
		sensors:     make(map[string]*OccupancySensor),
		controller:  controller,
		switchSub:   eventbus.Subscribe[events.SwitchStateEvent](client),
		presenceSub: eventbus.Subscribe[events.PresenceEvent](client),
	}

	for _, sw := range switches {
		outlet := accessory.NewOutlet(accessory.Info{
			Name:         sw.Name,
			Manufacturer: sw.Kind,
			Model:        "Outlet",
			SerialNumber: sw.ID,
		})

		id := sw.ID
		outlet.Outlet.On.OnValueRemoteUpdate(func(on bool) {
			hm.handleRemoteSet(id, on)
		})

		if sw.PowerMonitoring {
			eve := NewEveEnergyService()
			outlet.AddS(eve.S)
			hm.energy[sw.ID] = eve
		}

		hm.outlets[sw.ID] = outlet
		hm.accessories = append(hm.accessories, outlet.A)
		logger.Info("Created HomeKit outlet", "device_id", sw.ID, "name", sw.Name)
	}

	for _, s := range sensors {
		sensor := NewOccupancySensor(accessory.Info{
			Name:         s.Name,
			Manufacturer: s.Kind,
			Model:        "Presence",
			SerialNumber: s.ID,
		})
		hm.sensors[s.ID] = sensor
		hm.accessories = append(hm.accessories, sensor.A)
		logger.Info("Created HomeKit occupancy sensor", "device_id", s.ID, "name", s.Name)
	}

	return hm, nil
}

// handleRemoteSet applies an outlet write from a paired controller.
func (hm *HAPManager) handleRemoteSet(id string, on bool) {
	hm.incomingCommands.Add(1)
	hm.lastActivity.Store(time.Now().Unix())
	hm.logger.Info("HomeKit command received", "device_id", id, "on", on)

	if err := hm.controller.SetTarget(context.Background(), "homekit", id, on); err != nil {
		hm.logger.Error("Failed to apply HomeKit command", "device_id", id, "error", err)
	}
}

// GetAccessories returns the bridge followed by every accessory in
// configuration order.
func (hm *HAPManager) GetAccessories() []*accessory.A {
	return append([]*accessory.A{hm.bridge.A}, hm.accessories...)
}

// Seed applies the current device states.
func (hm *HAPManager) Seed(provider DeviceProvider) {
	for _, s := range provider.SwitchStates() {
		hm.UpdateSwitch(s)
	}
	for _, p := range provider.PresenceStates() {
		hm.UpdatePresence(p)
	}
}

// UpdateSwitch updates the HomeKit state for a switch.
func (hm *HAPManager) UpdateSwitch(evt events.SwitchStateEvent) {
	outlet, exists := hm.outlets[evt.DeviceID]
	if !exists {
		return
	}

	outlet.Outlet.On.SetValue(evt.On)
	outlet.Outlet.OutletInUse.SetValue(evt.On && evt.PowerMW != 0)
	if eve, ok := hm.energy[evt.DeviceID]; ok {
		eve.SetReading(evt.PowerMW, evt.TotalWH)
	}
	hm.outgoingUpdates.Add(1)

	hm.logger.Debug("Updated HomeKit switch", "device_id", evt.DeviceID, "status", evt.Status)
}

// UpdatePresence updates the HomeKit state for a presence source.
func (hm *HAPManager) UpdatePresence(evt events.PresenceEvent) {
	sensor, exists := hm.sensors[evt.DeviceID]
	if !exists {
		return
	}
	sensor.SetPresent(evt.Present)
	hm.outgoingUpdates.Add(1)

	hm.logger.Debug("Updated HomeKit sensor", "device_id", evt.DeviceID, "present", evt.Present)
}

// Start forwards bus events to the accessories until ctx is done.
func (hm *HAPManager) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		for {
			select {
			case evt := <-hm.switchSub.Events():
				hm.UpdateSwitch(evt)
			case evt := <-hm.presenceSub.Events():
				hm.UpdatePresence(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops event processing.
func (hm *HAPManager) Close() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
	hm.switchSub.Close()
	hm.presenceSub.Close()
}
