// Package presence decides whether a network endpoint is currently present,
// with a hysteresis window so short packet loss does not flap listeners.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/module"
)

// Event log texts.
const (
	EventPresent    = "DEVICE_PRESENT"
	EventNotPresent = "DEVICE_NOT_PRESENT"
	EventUnknown    = "DEVICE_PRESENCE_UNKNOWN"
)

const (
	DefaultTimeLimit    = 300 * time.Second
	DefaultJitter       = 500 * time.Millisecond
	DefaultProbeTimeout = 100 * time.Millisecond
)

// ICMPDisplayName returns the module name of an ICMP detector.
func ICMPDisplayName(name, addr string) string {
	return fmt.Sprintf("PRESENCE ICMP [ %s @ %s ]", name, addr)
}

// TCPDisplayName returns the module name of a TCP detector.
func TCPDisplayName(name, addr string) string {
	return fmt.Sprintf("PRESENCE TCP [ %s @ %s ]", name, addr)
}

// Prober performs one reachability probe.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
	Close() error
}

// Snapshot is the state published on every presence edge.
type Snapshot struct {
	ID                 string
	Name               string
	Present            bool
	LastTimePresent    time.Time
	LastTimeNotPresent time.Time
	Timestamp          time.Time
}

// Config describes one detector.
type Config struct {
	ID              string
	DisplayName     string
	TimeLimit       time.Duration
	UpdateFrequency time.Duration
	// Jitter is the upper bound of a random delay before every probe.
	Jitter       time.Duration
	ProbeTimeout time.Duration

	Logger   *slog.Logger
	Store    eventlog.Store
	Now      func() time.Time
	OnSync   func(name string, took time.Duration)
	OnChange func(Snapshot)
}

// Detector probes one endpoint every cycle.
type Detector struct {
	*module.Module

	id           string
	prober       Prober
	timeLimit    time.Duration
	jitter       time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	onChange     func(Snapshot)

	mu           sync.Mutex
	ltp          time.Time
	ltnp         time.Time
	reported     bool
	lastReported bool
}

var _ device.Presence = (*Detector)(nil)

// NewDetector returns a disabled detector. Edge times are recovered from the
// event store; without history the endpoint counts as not present until seen.
func NewDetector(cfg Config, p Prober) *Detector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = DefaultTimeLimit
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	d := &Detector{
		id:           cfg.ID,
		prober:       p,
		timeLimit:    cfg.TimeLimit,
		jitter:       cfg.Jitter,
		probeTimeout: cfg.ProbeTimeout,
		now:          cfg.Now,
		onChange:     cfg.OnChange,
	}
	d.Module = module.New(cfg.DisplayName, d, module.Config{
		Automatic:       true,
		UpdateFrequency: cfg.UpdateFrequency,
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Now:             cfg.Now,
		OnSync:          cfg.OnSync,
	})

	d.ltp = d.Recover(EventPresent, time.Time{})
	d.ltnp = d.Recover(EventNotPresent, time.Time{})

	return d
}

// ID returns the configured id.
func (d *Detector) ID() string { return d.id }

func (d *Detector) floorNow() time.Time {
	return d.now().Truncate(time.Second)
}

func (d *Detector) Sync(last bool) {
	if last {
		d.syncLast()
		return
	}

	if d.jitter > 0 {
		time.Sleep(rand.N(d.jitter))
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.probeTimeout)
	seen, err := d.prober.Probe(ctx)
	cancel()
	if err != nil {
		d.Logger().Debug("Probe failed", "error", err)
	}

	d.mu.Lock()
	now := d.floorNow()
	stale := now.Sub(d.ltp) >= d.timeLimit
	// The not-present boundary only moves at the moment staleness is first
	// observed.
	if stale && (!d.reported || d.lastReported) {
		d.ltnp = now
	}
	if seen {
		d.ltp = now
	}
	present := now.Sub(d.ltp) < d.timeLimit
	if d.reported && d.lastReported == present {
		d.mu.Unlock()
		return
	}
	d.reported = true
	d.lastReported = present
	snap := d.snapshotLocked(now)
	d.mu.Unlock()

	d.Report(eventText(present))
	if d.onChange != nil {
		d.onChange(snap)
	}
	d.NotifyListeners()
}

func (d *Detector) syncLast() {
	if err := d.prober.Close(); err != nil {
		d.Logger().Debug("Failed to close prober", "error", err)
	}

	d.mu.Lock()
	reported, last := d.reported, d.lastReported
	d.mu.Unlock()

	if reported {
		d.Report(eventText(last))
		d.Report(EventUnknown)
	}
}

func eventText(present bool) string {
	if present {
		return EventPresent
	}
	return EventNotPresent
}

func (d *Detector) snapshotLocked(now time.Time) Snapshot {
	present := now.Sub(d.ltp) < d.timeLimit
	s := Snapshot{
		ID:                 d.id,
		Name:               d.Name(),
		Present:            present,
		LastTimePresent:    d.ltp,
		LastTimeNotPresent: d.ltnp,
		Timestamp:          now,
	}
	if present {
		s.LastTimePresent = now
	} else {
		s.LastTimeNotPresent = now
	}
	return s
}

// Snapshot returns the current state.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(d.floorNow())
}

// Present reports whether the endpoint was seen within the time limit.
func (d *Detector) Present() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.floorNow().Sub(d.ltp) < d.timeLimit
}

func (d *Detector) LastTimePresent() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.floorNow()
	if now.Sub(d.ltp) < d.timeLimit {
		return now
	}
	return d.ltp
}

func (d *Detector) LastTimeNotPresent() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.floorNow()
	if now.Sub(d.ltp) >= d.timeLimit {
		return now
	}
	return d.ltnp
}
