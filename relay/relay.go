// Package relay drives a switched outlet: it reconciles a desired target with
// the observed state, rate limits toggles and debounces transient errors.
// The wire protocol is supplied by a Transport.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/module"
)

// Command is what one cycle asks the transport to do.
type Command struct {
	// Target is On or Off to switch the relay, Unchanged to only query.
	Target device.State
	// Brightness is applied before the relay command when non-zero.
	Brightness int
	// Last marks the final cycle; transports release their connection and
	// report nothing.
	Last bool
}

// Reading is the device state parsed from a reply. Transports report
// unreachable devices and unparsable replies as device.Error.
type Reading struct {
	State      device.State
	Brightness int
	// PowerMW and TotalWH are -1 when the reply carried no meter data.
	PowerMW int
	TotalWH int
}

// ErrorReading is the reading for a failed exchange.
func ErrorReading() Reading {
	return Reading{State: device.Error, PowerMW: -1, TotalWH: -1}
}

// Transport talks to one physical device. Exchange is only called from the
// owning device's cycle and must return within a bounded time.
type Transport interface {
	Exchange(ctx context.Context, cmd Command) Reading
	Close() error
}

// Snapshot is the externally visible state of a device after a change.
type Snapshot struct {
	ID          string
	Name        string
	Status      device.State
	Previous    device.State
	Target      device.State
	Brightness  int
	PowerMW     int
	TotalWH     int
	LastTimeOn  time.Time
	LastTimeOff time.Time
	Timestamp   time.Time
}

// Config describes one relay device.
type Config struct {
	ID string
	// DisplayName is the module name, e.g. "KASA [ lamp @ 10.0.0.2 ]".
	DisplayName     string
	UpdateFrequency time.Duration
	// Cooldown is the minimum time between two state changing commands.
	Cooldown time.Duration
	// ErrorCooldown is how long an ERROR reading must persist after the
	// last good reading before it is reported.
	ErrorCooldown time.Duration
	ExchangeTimeout time.Duration

	Logger *slog.Logger
	Store  eventlog.Store
	Now    func() time.Time
	OnSync func(name string, took time.Duration)
	// OnChange is called after every reported state change.
	OnChange func(Snapshot)
}

// Device is a relay module.
type Device struct {
	*module.Module

	id              string
	transport       Transport
	cooldown        time.Duration
	errorCooldown   time.Duration
	exchangeTimeout time.Duration
	now             func() time.Time
	onChange        func(Snapshot)

	mu              sync.Mutex
	res             device.State
	tgt             device.State
	lastOn          time.Time
	lastOff         time.Time
	toggleTime      time.Time
	recentError     bool
	brightness      int
	startBrightness int
	endBrightness   int
	startTime       time.Time
	endTime         time.Time
	powerMW         int
	totalWH         int
}

var _ device.Switch = (*Device)(nil)

// New returns a disabled relay device using t. The last on and off times are
// recovered from the event store.
func New(cfg Config, t Transport) *Device {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 2 * time.Second
	}

	d := &Device{
		id:              cfg.ID,
		transport:       t,
		cooldown:        cfg.Cooldown,
		errorCooldown:   cfg.ErrorCooldown,
		exchangeTimeout: cfg.ExchangeTimeout,
		now:             cfg.Now,
		onChange:        cfg.OnChange,
		res:             device.Unknown,
		tgt:             device.Unchanged,
		powerMW:         -1,
		totalWH:         -1,
	}
	d.Module = module.New(cfg.DisplayName, d, module.Config{
		Automatic:       true,
		UpdateFrequency: cfg.UpdateFrequency,
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Now:             cfg.Now,
		OnSync:          cfg.OnSync,
	})

	now := d.floorNow()
	d.lastOn = d.Recover(stateLine(device.On), now)
	d.lastOff = d.Recover(stateLine(device.Off), now)
	d.startTime = now
	d.endTime = now
	d.Logger().Debug("Recovered transition times",
		"last_on", d.lastOn.Format(time.ANSIC),
		"last_off", d.lastOff.Format(time.ANSIC))

	return d
}

// ID returns the configured device id.
func (d *Device) ID() string { return d.id }

func (d *Device) floorNow() time.Time {
	return d.now().Truncate(time.Second)
}

func stateLine(s device.State) string {
	return "state: " + s.String()
}

// Sync runs one reconcile cycle.
func (d *Device) Sync(last bool) {
	d.mu.Lock()
	current := d.floorNow()
	tgt := d.tgt
	tgtBrightness := d.brightnessAtLocked(current)
	if tgtBrightness == d.brightness || d.brightness == 0 {
		tgtBrightness = 0
	}
	if !d.recentError {
		if d.res == device.On {
			d.lastOn = current
		}
		if d.res == device.Off {
			d.lastOff = current
		}
	}
	if current.Sub(d.toggleTime) < d.cooldown {
		tgt = device.Unchanged
	}
	if tgt == device.On || tgt == device.Off {
		d.toggleTime = current
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.exchangeTimeout)
	r := d.transport.Exchange(ctx, Command{Target: tgt, Brightness: tgtBrightness, Last: last})
	cancel()

	d.mu.Lock()
	now := d.floorNow()
	switch r.State {
	case device.On:
		d.lastOn = now
		d.recentError = false
	case device.Off:
		d.lastOff = now
		d.recentError = false
	default:
		r.State = device.Error
		d.recentError = true
	}

	res := r.State
	if last {
		res = device.Unknown
	}

	if r.Brightness == d.endBrightness && !current.Before(d.endTime) {
		d.startBrightness = 0
		d.endBrightness = 0
	}
	d.brightness = r.Brightness
	if r.PowerMW != -1 {
		d.powerMW = r.PowerMW
	}
	if r.TotalWH != -1 {
		d.totalWH = r.TotalWH
	}

	if res == d.tgt {
		d.tgt = device.Unchanged
	}
	if d.res == res {
		d.mu.Unlock()
		return
	}
	if res == device.Error &&
		d.errorCooldown > current.Sub(d.lastOn) &&
		d.errorCooldown > current.Sub(d.lastOff) {
		d.mu.Unlock()
		d.Logger().Debug("Suppressing transient error")
		return
	}

	prev := d.res
	d.res = res
	snap := d.snapshotLocked(now)
	snap.Previous = prev
	totalWH := d.totalWH
	d.mu.Unlock()

	d.Report(stateLine(prev))
	if totalWH != -1 {
		d.Report(fmt.Sprintf("power: %d", totalWH))
	}
	d.Report(stateLine(res))

	if d.onChange != nil {
		d.onChange(snap)
	}
	d.NotifyListeners()
}

// brightnessAtLocked interpolates the brightness schedule at t.
func (d *Device) brightnessAtLocked(t time.Time) int {
	switch {
	case !t.After(d.startTime):
		return d.startBrightness
	case !t.Before(d.endTime):
		return d.endBrightness
	}
	span := d.endTime.Sub(d.startTime)
	elapsed := t.Sub(d.startTime)
	return d.startBrightness + int(int64(d.endBrightness-d.startBrightness)*int64(elapsed)/int64(span))
}

func (d *Device) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		ID:          d.id,
		Name:        d.Name(),
		Status:      d.res,
		Previous:    d.res,
		Target:      d.tgt,
		Brightness:  d.brightness,
		PowerMW:     d.powerMW,
		TotalWH:     d.totalWH,
		LastTimeOn:  d.lastOn,
		LastTimeOff: d.lastOff,
		Timestamp:   now,
	}
	if d.res == device.On {
		s.LastTimeOn = now
	}
	if d.res == device.Off {
		s.LastTimeOff = now
	}
	return s
}

// Snapshot returns the current state.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(d.floorNow())
}

// Status returns the state observed by the most recent cycle. Call SyncWait
// first for a fresh value.
func (d *Device) Status() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.res
}

// Target returns the pending target, Unchanged when none.
func (d *Device) Target() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tgt
}

// SetTarget sets the desired state and schedules a cycle.
func (d *Device) SetTarget(s device.State) {
	switch s {
	case device.On, device.Off, device.Unchanged:
	default:
		d.Logger().Error("Invalid target", "target", s.String())
		return
	}
	d.Logger().Debug("Set target", "target", s.String())
	d.mu.Lock()
	d.tgt = s
	d.mu.Unlock()
	d.SyncNow()
}

func (d *Device) LastTimeOn() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.res == device.On {
		return d.floorNow()
	}
	return d.lastOn
}

func (d *Device) LastTimeOff() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.res == device.Off {
		return d.floorNow()
	}
	return d.lastOff
}

// Brightness returns the last observed brightness, 0 for devices without a
// dimmer.
func (d *Device) Brightness() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brightness
}

// SetBrightnessTarget schedules a linear brightness ramp from start at
// startTime to end at endTime. It is reapplied every cycle until the ramp has
// completed.
func (d *Device) SetBrightnessTarget(start, end int, startTime, endTime time.Time) {
	d.Logger().Debug("Set brightness target", "start", start, "end", end)
	d.mu.Lock()
	d.startBrightness = start
	d.endBrightness = end
	d.startTime = startTime
	d.endTime = endTime
	d.mu.Unlock()
	d.SyncNow()
}

// PowerMW returns the last reported power draw, -1 when unknown.
func (d *Device) PowerMW() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerMW
}

// TotalWH returns the last reported energy counter, -1 when unknown.
func (d *Device) TotalWH() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalWH
}

// Disable stops the device loop and closes the transport.
func (d *Device) Disable() {
	d.Module.Disable()
	if err := d.transport.Close(); err != nil {
		d.Logger().Debug("Failed to close transport", "error", err)
	}
}
