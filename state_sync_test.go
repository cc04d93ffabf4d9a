package iotd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/iotd/devices"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/events"
	"github.com/kradalby/iotd/kasa"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPlug answers the Kasa protocol on a local port.
type loopbackPlug struct {
	ln net.Listener

	mu    sync.Mutex
	relay int

	wg sync.WaitGroup
}

func newLoopbackPlug(t *testing.T) *loopbackPlug {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &loopbackPlug{ln: ln}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer conn.Close()
				p.handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		p.wg.Wait()
	})
	return p
}

func (p *loopbackPlug) handle(conn net.Conn) {
	for {
		req, err := kasa.ReadMessage(conn)
		if err != nil {
			return
		}
		s := string(req)

		p.mu.Lock()
		switch {
		case strings.Contains(s, `"set_relay_state":{"state":1}`):
			p.relay = 1
		case strings.Contains(s, `"set_relay_state":{"state":0}`):
			p.relay = 0
		}
		reply := `{"system":{"get_sysinfo":{"relay_state":` + strconv.Itoa(p.relay) + `}}}`
		p.mu.Unlock()

		if _, err := conn.Write(kasa.Encode([]byte(reply))); err != nil {
			return
		}
	}
}

func (p *loopbackPlug) setRelay(v int) {
	p.mu.Lock()
	p.relay = v
	p.mu.Unlock()
}

func (p *loopbackPlug) relayState() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relay
}

// stateSyncEnv wires a registry, the HomeKit bridge, the web server and the
// MQTT hook over one bus, the same way Main does.
type stateSyncEnv struct {
	plug       *loopbackPlug
	reg        *devices.Registry
	controller *Controller
	hap        *HAPManager
	web        *WebServer
	hook       *MQTTHook
}

func setupStateSync(t *testing.T) *stateSyncEnv {
	t.Helper()

	plug := newLoopbackPlug(t)
	host, port, err := net.SplitHostPort(plug.ln.Addr().String())
	require.NoError(t, err)

	cfg, err := devices.ParseConfig([]byte(fmt.Sprintf(`{
		"kasa": [
			{"id": "lamp", "name": "Desk Lamp", "address": %q, "port": %s, "update_frequency": "1h"},
		],
	}`, host, port)))
	require.NoError(t, err)

	bus := newTestBus(t)
	publisher, err := NewDevicePublisher(bus)
	require.NoError(t, err)

	reg, err := devices.Build(cfg, devices.Options{
		Logger:           testLogger(),
		Store:            eventlog.NewMemoryStore(),
		OnSync:           publisher.OnSync,
		OnSwitchChange:   publisher.OnSwitchChange,
		OnPresenceChange: publisher.OnPresenceChange,
	})
	require.NoError(t, err)

	controller, err := NewController(testLogger(), reg, bus)
	require.NoError(t, err)

	switches, sensors := hapInventory(reg)
	hm, err := NewHAPManager(testLogger(), "iotd", switches, sensors, controller, bus)
	require.NoError(t, err)

	ws, err := NewWebServer(testLogger(), controller, controller, bus, "00102003", "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hm.Start(ctx)
	ws.Start(ctx)
	require.NoError(t, reg.Enable(ctx))

	t.Cleanup(func() {
		reg.Disable()
		cancel()
		hm.Close()
		ws.Close()
	})

	return &stateSyncEnv{
		plug:       plug,
		reg:        reg,
		controller: controller,
		hap:        hm,
		web:        ws,
		hook:       NewMQTTHook(testLogger(), reg),
	}
}

func (e *stateSyncEnv) webStatus(id string) string {
	e.web.stateMu.RLock()
	defer e.web.stateMu.RUnlock()
	return e.web.currentSwitch[id].Status
}

func TestStateSyncInitialState(t *testing.T) {
	env := setupStateSync(t)

	assert.Eventually(t, func() bool {
		return env.webStatus("lamp") == "OFF"
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, env.hap.outlets["lamp"].Outlet.On.Value())
}

func TestStateSyncCommandReachesEverySurface(t *testing.T) {
	env := setupStateSync(t)

	require.NoError(t, env.controller.SetTarget(context.Background(), "web", "lamp", true))

	assert.Eventually(t, func() bool {
		return env.plug.relayState() == 1 &&
			env.webStatus("lamp") == "ON" &&
			env.hap.outlets["lamp"].Outlet.On.Value()
	}, 2*time.Second, 10*time.Millisecond)

	states := env.controller.SwitchStates()
	require.Len(t, states, 1)
	assert.Equal(t, "UNCHANGED", states[0].Target)
}

func TestStateSyncMQTTReportTriggersSync(t *testing.T) {
	env := setupStateSync(t)

	require.Eventually(t, func() bool {
		return env.webStatus("lamp") == "OFF"
	}, 2*time.Second, 10*time.Millisecond)

	// Someone pressed the button on the device.
	env.plug.setRelay(1)

	_, err := env.hook.OnPublish(nil, packets.Packet{
		TopicName: "stat/tasmota/lamp/RESULT",
		Payload:   []byte(`{"POWER":"ON"}`),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return env.webStatus("lamp") == "ON" && env.hap.outlets["lamp"].Outlet.On.Value()
	}, 2*time.Second, 10*time.Millisecond)

	var seen events.SwitchStateEvent
	for _, s := range env.controller.SwitchStates() {
		if s.DeviceID == "lamp" {
			seen = s
		}
	}
	assert.True(t, seen.On)
}
