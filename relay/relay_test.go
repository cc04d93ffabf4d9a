package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlug struct {
	mu         sync.Mutex
	state      device.State
	brightness int
	totalWH    int
	fail       bool
	cmds       []Command
	closed     bool
}

func (f *fakePlug) Exchange(_ context.Context, cmd Command) Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if cmd.Last || f.fail {
		return ErrorReading()
	}
	if cmd.Brightness != 0 {
		f.brightness = cmd.Brightness
	}
	if cmd.Target == device.On || cmd.Target == device.Off {
		f.state = cmd.Target
	}
	return Reading{State: f.state, Brightness: f.brightness, PowerMW: -1, TotalWH: f.totalWH}
}

func (f *fakePlug) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePlug) set(fn func(f *fakePlug)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePlug) lastCommand() Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmds[len(f.cmds)-1]
}

func (f *fakePlug) setCommands() []device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.State
	for _, c := range f.cmds {
		if c.Target != device.Unchanged {
			out = append(out, c.Target)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	// Off any polling boundary so the idle timer never fires during a test.
	return &testClock{now: time.Date(2026, 3, 10, 10, 17, 30, 0, time.Local)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	dev   *Device
	plug  *fakePlug
	clock *testClock
	store *eventlog.MemoryStore

	mu    sync.Mutex
	snaps []Snapshot
}

func newHarness(t *testing.T, plug *fakePlug) *harness {
	t.Helper()
	h := &harness{plug: plug, clock: newTestClock(), store: eventlog.NewMemoryStore()}
	h.dev = New(Config{
		ID:              "lamp",
		DisplayName:     "KASA [ lamp @ 10.0.0.2 ]",
		UpdateFrequency: time.Hour,
		Cooldown:        5 * time.Second,
		ErrorCooldown:   15 * time.Second,
		Store:           h.store,
		Now:             h.clock.Now,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			h.snaps = append(h.snaps, s)
			h.mu.Unlock()
		},
	}, plug)
	return h
}

func (h *harness) snapshots() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snaps...)
}

func (h *harness) texts() []string {
	var out []string
	for _, e := range h.store.Events() {
		out = append(out, e.Text)
	}
	return out
}

func TestCooldownSuppressesRapidToggle(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.Off, totalWH: -1})
	h.dev.Enable()
	defer h.dev.Disable()
	require.Equal(t, device.Off, h.dev.Status())

	h.dev.SetTarget(device.On)
	h.dev.SyncWait()
	assert.Equal(t, device.On, h.dev.Status())
	assert.Equal(t, device.Unchanged, h.dev.Target())

	h.dev.SetTarget(device.Off)
	h.dev.SyncWait()
	assert.Equal(t, device.On, h.dev.Status(), "toggle inside cooldown must be query only")
	assert.Equal(t, device.Off, h.dev.Target())
	assert.Equal(t, device.Unchanged, h.plug.lastCommand().Target)

	h.clock.Advance(5 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, device.Off, h.dev.Status())
	assert.Equal(t, device.Unchanged, h.dev.Target())
	assert.Equal(t, []device.State{device.On, device.Off}, h.plug.setCommands())
}

func TestTargetClearsOnExternalChange(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.Off, totalWH: -1})
	h.dev.Enable()
	defer h.dev.Disable()

	h.clock.Advance(10 * time.Second)
	h.dev.SetTarget(device.On)
	h.dev.SyncWait()
	require.Equal(t, device.On, h.dev.Status())

	// Someone presses the button on the plug.
	h.plug.set(func(f *fakePlug) { f.state = device.Off })
	h.clock.Advance(10 * time.Second)
	h.dev.SyncWait()

	assert.Equal(t, device.Off, h.dev.Status())
	assert.Equal(t, device.Unchanged, h.dev.Target())
	assert.Equal(t, device.Unchanged, h.plug.lastCommand().Target)
}

func TestTransientErrorIsDebounced(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.On, totalWH: -1})
	h.dev.Enable()
	defer h.dev.Disable()
	require.Equal(t, device.On, h.dev.Status())

	h.plug.set(func(f *fakePlug) { f.fail = true })
	h.clock.Advance(3 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, device.On, h.dev.Status())

	h.clock.Advance(10 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, device.On, h.dev.Status())

	h.clock.Advance(10 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, device.Error, h.dev.Status())
	assert.Equal(t, []string{"state: UNKNOWN", "state: ON", "state: ON", "state: ERROR"}, h.texts())

	// Recovery is reported immediately.
	h.plug.set(func(f *fakePlug) { f.fail = false })
	h.dev.SyncWait()
	assert.Equal(t, device.On, h.dev.Status())
}

func TestChangeLogsAndNotifies(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.Off, totalWH: 1234})

	listenerSyncs := make(chan struct{}, 16)
	listener := module.New("listener", module.SyncFunc(func(last bool) {
		if !last {
			listenerSyncs <- struct{}{}
		}
	}), module.Config{})
	listener.Enable()
	defer listener.Disable()
	<-listenerSyncs

	h.dev.Listen(listener)
	h.dev.Enable()

	select {
	case <-listenerSyncs:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not notified")
	}

	assert.Equal(t, []string{"state: UNKNOWN", "power: 1234", "state: OFF"}, h.texts())
	snaps := h.snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, device.Off, snaps[0].Status)
	assert.Equal(t, device.Unknown, snaps[0].Previous)
	assert.Equal(t, 1234, snaps[0].TotalWH)
	assert.Equal(t, 1234, h.dev.TotalWH())
	assert.Equal(t, -1, h.dev.PowerMW())

	// No change, no log line.
	h.dev.SyncWait()
	assert.Len(t, h.texts(), 3)

	h.dev.Disable()
	texts := h.texts()
	assert.Equal(t, []string{"state: OFF", "power: 1234", "state: UNKNOWN"}, texts[3:])
	assert.True(t, h.plug.closed)
	assert.True(t, h.plug.lastCommand().Last)
}

func TestLastTimesRecoveredAndCurrent(t *testing.T) {
	plug := &fakePlug{state: device.On, totalWH: -1}
	clock := newTestClock()
	store := eventlog.NewMemoryStore()
	onAt := clock.Now().Add(-2 * time.Hour)
	offAt := clock.Now().Add(-time.Hour)
	require.NoError(t, store.Append(eventlog.Event{Time: onAt, Actor: "KASA [ lamp @ 10.0.0.2 ]", Text: "state: ON"}))
	require.NoError(t, store.Append(eventlog.Event{Time: offAt, Actor: "KASA [ lamp @ 10.0.0.2 ]", Text: "state: OFF"}))

	dev := New(Config{
		ID:              "lamp",
		DisplayName:     "KASA [ lamp @ 10.0.0.2 ]",
		UpdateFrequency: time.Hour,
		Cooldown:        5 * time.Second,
		ErrorCooldown:   15 * time.Second,
		Store:           store,
		Now:             clock.Now,
	}, plug)

	assert.True(t, dev.LastTimeOn().Equal(onAt))
	assert.True(t, dev.LastTimeOff().Equal(offAt))

	dev.Enable()
	defer dev.Disable()

	clock.Advance(42 * time.Second)
	assert.True(t, dev.LastTimeOn().Equal(clock.Now()))
	assert.True(t, dev.LastTimeOff().Equal(offAt))
}

func TestLastTimesFallBackToNow(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.Off, totalWH: -1})
	assert.True(t, h.dev.LastTimeOn().Equal(h.clock.Now()))
	assert.True(t, h.dev.LastTimeOff().Equal(h.clock.Now()))
}

func TestBrightnessRamp(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.On, brightness: 10, totalWH: -1})
	h.dev.Enable()
	defer h.dev.Disable()
	require.Equal(t, 10, h.dev.Brightness())

	start := h.clock.Now()
	h.dev.SetBrightnessTarget(20, 100, start, start.Add(80*time.Second))
	h.dev.SyncWait()
	assert.Equal(t, 20, h.dev.Brightness())

	h.clock.Advance(40 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, 60, h.plug.lastCommand().Brightness)
	assert.Equal(t, 60, h.dev.Brightness())

	h.clock.Advance(60 * time.Second)
	h.dev.SyncWait()
	assert.Equal(t, 100, h.dev.Brightness())

	// Ramp complete: nothing more is sent.
	h.dev.SyncWait()
	assert.Equal(t, 0, h.plug.lastCommand().Brightness)
}

func TestBrightnessNotSentToPlainRelay(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.On, totalWH: -1})
	h.dev.Enable()
	defer h.dev.Disable()

	start := h.clock.Now()
	h.dev.SetBrightnessTarget(20, 100, start, start.Add(time.Minute))
	h.dev.SyncWait()
	assert.Equal(t, 0, h.plug.lastCommand().Brightness)
}

func TestInvalidTargetIgnored(t *testing.T) {
	h := newHarness(t, &fakePlug{state: device.Off, totalWH: -1})
	h.dev.SetTarget(device.Error)
	assert.Equal(t, device.Unchanged, h.dev.Target())
}
