package iotd

import (
	"context"
	"testing"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/devices"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/events"
	"github.com/kradalby/iotd/presence"
	"github.com/kradalby/iotd/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/util/eventbus"
)

const controllerDevices = `{
	"kasa": [
		{"id": "lamp", "name": "Desk Lamp", "address": "127.0.0.1", "port": 1},
	],
	"tasmota": [
		{"id": "kettle", "name": "Kettle", "address": "127.0.0.1", "web": false},
	],
	"presence": [
		{"id": "phone", "name": "Phone", "address": "127.0.0.1", "homekit": false},
	],
	"presence_groups": [
		{"id": "home", "name": "Home", "members": ["phone"], "web": false},
	],
}`

func newTestController(t *testing.T) (*Controller, *devices.Registry, *events.Bus) {
	t.Helper()

	cfg, err := devices.ParseConfig([]byte(controllerDevices))
	require.NoError(t, err)

	reg, err := devices.Build(cfg, devices.Options{
		Logger: testLogger(),
		Store:  eventlog.NewMemoryStore(),
	})
	require.NoError(t, err)

	bus := newTestBus(t)
	c, err := NewController(testLogger(), reg, bus)
	require.NoError(t, err)
	return c, reg, bus
}

func commandSubscriber(t *testing.T, bus *events.Bus) *eventbus.Subscriber[events.CommandEvent] {
	t.Helper()
	client, err := bus.Client(events.ClientMetrics)
	require.NoError(t, err)
	sub := eventbus.Subscribe[events.CommandEvent](client)
	t.Cleanup(sub.Close)
	return sub
}

func nextCommand(t *testing.T, sub *eventbus.Subscriber[events.CommandEvent]) events.CommandEvent {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("expected command event")
	}
	return events.CommandEvent{}
}

func TestControllerSetTarget(t *testing.T) {
	c, reg, bus := newTestController(t)
	sub := commandSubscriber(t, bus)

	require.NoError(t, c.SetTarget(context.Background(), "web", "lamp", true))

	sw, ok := reg.Switch("lamp")
	require.True(t, ok)
	assert.Equal(t, device.On, sw.Target())

	evt := nextCommand(t, sub)
	assert.Equal(t, "web", evt.Source)
	assert.Equal(t, "lamp", evt.DeviceID)
	assert.Equal(t, events.CommandTypeSetTarget, evt.CommandType)
	require.NotNil(t, evt.On)
	assert.True(t, *evt.On)

	require.NoError(t, c.SetTarget(context.Background(), "homekit", "lamp", false))
	assert.Equal(t, device.Off, sw.Target())

	assert.Error(t, c.SetTarget(context.Background(), "web", "phone", true))
	assert.Error(t, c.SetTarget(context.Background(), "web", "missing", true))
}

func TestControllerSetBrightness(t *testing.T) {
	c, _, bus := newTestController(t)
	sub := commandSubscriber(t, bus)

	assert.Error(t, c.SetBrightness(context.Background(), "web", "lamp", 0))
	assert.Error(t, c.SetBrightness(context.Background(), "web", "lamp", 101))
	assert.Error(t, c.SetBrightness(context.Background(), "web", "missing", 50))

	require.NoError(t, c.SetBrightness(context.Background(), "web", "lamp", 50))

	evt := nextCommand(t, sub)
	assert.Equal(t, events.CommandTypeSetBrightness, evt.CommandType)
	require.NotNil(t, evt.Brightness)
	assert.Equal(t, 50, *evt.Brightness)
}

func TestControllerRefreshAll(t *testing.T) {
	c, _, bus := newTestController(t)
	sub := commandSubscriber(t, bus)

	c.RefreshAll(context.Background(), "web")

	evt := nextCommand(t, sub)
	assert.Equal(t, events.CommandTypeRefresh, evt.CommandType)
	assert.Equal(t, "all", evt.DeviceID)
}

func TestControllerStatesHonourWebFlag(t *testing.T) {
	c, _, _ := newTestController(t)

	switches := c.SwitchStates()
	require.Len(t, switches, 1)
	assert.Equal(t, "lamp", switches[0].DeviceID)
	assert.Equal(t, "kasa", switches[0].Kind)
	assert.Equal(t, "snapshot", switches[0].Source)

	sources := c.PresenceStates()
	require.Len(t, sources, 1)
	assert.Equal(t, "phone", sources[0].DeviceID)
	assert.Equal(t, "icmp", sources[0].Kind)
}

func TestControllerHomeKitView(t *testing.T) {
	c, _, _ := newTestController(t)
	view := c.HomeKit()

	var switchIDs []string
	for _, s := range view.SwitchStates() {
		switchIDs = append(switchIDs, s.DeviceID)
	}
	assert.Equal(t, []string{"lamp", "kettle"}, switchIDs)

	sources := view.PresenceStates()
	require.Len(t, sources, 1)
	assert.Equal(t, "home", sources[0].DeviceID)
	assert.Equal(t, "group", sources[0].Kind)
}

func TestDevicePublisher(t *testing.T) {
	bus := newTestBus(t)
	p, err := NewDevicePublisher(bus)
	require.NoError(t, err)

	client, err := bus.Client(events.ClientWeb)
	require.NoError(t, err)
	switches := eventbus.Subscribe[events.SwitchStateEvent](client)
	t.Cleanup(switches.Close)
	edges := eventbus.Subscribe[events.PresenceEvent](client)
	t.Cleanup(edges.Close)

	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	p.OnSwitchChange(devices.KindTasmota, relay.Snapshot{
		ID:        "kettle",
		Name:      "TASMOTA [ Kettle @ 10.0.0.7 ]",
		Status:    device.On,
		Previous:  device.Off,
		Target:    device.Unchanged,
		PowerMW:   1500,
		TotalWH:   -1,
		Timestamp: now,
	})
	p.OnPresenceChange(devices.KindGroup, presence.Snapshot{
		ID:        "home",
		Present:   true,
		Timestamp: now,
	})

	select {
	case evt := <-switches.Events():
		assert.Equal(t, "kettle", evt.DeviceID)
		assert.Equal(t, "tasmota", evt.Kind)
		assert.Equal(t, "ON", evt.Status)
		assert.Equal(t, "OFF", evt.Previous)
		assert.Equal(t, "UNCHANGED", evt.Target)
		assert.True(t, evt.On)
		assert.Equal(t, 1500, evt.PowerMW)
		assert.Equal(t, "device", evt.Source)
	case <-time.After(time.Second):
		t.Fatal("expected switch event")
	}

	select {
	case evt := <-edges.Events():
		assert.Equal(t, "home", evt.DeviceID)
		assert.Equal(t, "group", evt.Kind)
		assert.True(t, evt.Present)
	case <-time.After(time.Second):
		t.Fatal("expected presence event")
	}
}
