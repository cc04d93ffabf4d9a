// Package module implements the actor runtime every device, sensor and
// composite builds on: one goroutine per actor running a repeating Sync at
// computed wake times or on demand, with change notification to listeners.
package module

import (
	"log/slog"
	"sync"
	"time"
	"weak"

	"github.com/kradalby/iotd/eventlog"
)

// Syncer is the work an actor performs on every cycle. last is true for the
// final cycle run by Disable.
type Syncer interface {
	Sync(last bool)
}

// SyncFunc adapts a function to Syncer.
type SyncFunc func(last bool)

func (f SyncFunc) Sync(last bool) { f(last) }

// Config holds the scheduling parameters of a Module.
type Config struct {
	// Automatic actors wake on a timer; others only when asked.
	Automatic bool
	// UpdateFrequency is the default polling interval. Wake times are
	// rounded up to a multiple of it.
	UpdateFrequency time.Duration

	Logger *slog.Logger
	// Store receives event log lines. Nil disables persistence.
	Store eventlog.Store
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// OnSync is called after every completed cycle with its duration.
	OnSync func(name string, took time.Duration)
}

const (
	syncWaitRecheck = time.Second
	disableRecheck  = 5 * time.Second
)

// Module is the actor runtime. Drivers embed a *Module and pass themselves
// as the Syncer.
type Module struct {
	name      string
	syncer    Syncer
	logger    *slog.Logger
	store     eventlog.Store
	now       func() time.Time
	onSync    func(string, time.Duration)
	automatic bool
	frequency time.Duration

	wake chan struct{}

	mu            sync.Mutex
	finished      chan struct{}
	keyTimes      []int
	nextSync      time.Time
	defaultUpdate bool
	syncStart     uint64
	syncFinish    uint64
	skipWait      bool
	done          bool
	exited        bool
	running       bool
	loopDone      chan struct{}
	hbRequested   bool
	hbRequestTime time.Time

	listenersMu sync.Mutex
	listeners   map[weak.Pointer[Module]]struct{}
}

// New returns a disabled actor named name that runs s on every cycle.
func New(name string, s Syncer, cfg Config) *Module {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.UpdateFrequency <= 0 {
		cfg.UpdateFrequency = time.Second
	}

	return &Module{
		name:      name,
		syncer:    s,
		logger:    cfg.Logger.With("module", name),
		store:     cfg.Store,
		now:       cfg.Now,
		onSync:    cfg.OnSync,
		automatic: cfg.Automatic,
		frequency: cfg.UpdateFrequency,
		wake:      make(chan struct{}, 1),
		finished:  make(chan struct{}),
		listeners: make(map[weak.Pointer[Module]]struct{}),
	}
}

// Name returns the display name used for log correlation.
func (m *Module) Name() string { return m.name }

// Logger returns the module scoped logger.
func (m *Module) Logger() *slog.Logger { return m.logger }

// Now returns the current time of the module clock.
func (m *Module) Now() time.Time { return m.now() }

// Enable starts the loop and blocks until its first cycle has completed.
func (m *Module) Enable() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Error("Module already enabled")
		return
	}
	m.running = true
	m.done = false
	m.exited = false
	m.loopDone = make(chan struct{})
	m.mu.Unlock()

	m.logger.Debug("Enabling module")
	go m.run()
	m.SyncWait()
}

// Disable requests shutdown, lets the loop run one final Sync(true) and waits
// for it to exit.
func (m *Module) Disable() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.logger.Debug("Disabling module")
	m.done = true
	m.skipWait = true
	for !m.exited {
		ch := m.finished
		m.mu.Unlock()
		m.kick()
		select {
		case <-ch:
		case <-time.After(disableRecheck):
		}
		m.mu.Lock()
	}
	m.running = false
	loopDone := m.loopDone
	m.mu.Unlock()

	<-loopDone
	m.logger.Debug("Module disabled")
}

// SyncNow asks for another cycle as soon as possible and returns. Requests
// made while a cycle is in flight collapse into exactly one more cycle.
func (m *Module) SyncNow() {
	m.mu.Lock()
	m.skipWait = true
	m.mu.Unlock()
	m.kick()
}

// SyncWait triggers a cycle and blocks until a cycle that started after the
// call has finished.
func (m *Module) SyncWait() {
	m.mu.Lock()
	target := m.syncStart + 1
	m.skipWait = true
	for m.syncFinish < target && m.running && !m.exited {
		ch := m.finished
		m.mu.Unlock()
		m.kick()
		select {
		case <-ch:
		case <-time.After(syncWaitRecheck):
		}
		m.mu.Lock()
	}
	m.mu.Unlock()
}

// SetSyncTime requests the next wake no later than t. It is meant to be
// called from Sync; an earlier request always wins over a later one.
func (m *Module) SetSyncTime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debug("Set sync time", "at", t.Format(time.ANSIC))
	if m.defaultUpdate || m.nextSync.After(t) {
		m.nextSync = t
	}
	m.defaultUpdate = false
}

// Report writes an event log line for this module.
func (m *Module) Report(text string) {
	now := m.now()
	m.logger.Info("Event", "event", text)
	if m.store == nil {
		return
	}
	if err := m.store.Append(eventlog.Event{Time: now, Actor: m.name, Text: text}); err != nil {
		m.logger.Error("Failed to append event", "event", text, "error", err)
	}
}

// Recover returns when this module last reported text, or fallback.
func (m *Module) Recover(text string, fallback time.Time) time.Time {
	return eventlog.Recover(m.store, m.name, text, fallback)
}

// SyncCounts returns how many cycles have started and finished.
func (m *Module) SyncCounts() (started, finished uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncStart, m.syncFinish
}

func (m *Module) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// broadcastLocked wakes everyone blocked in SyncWait, HeartBeatWait or
// Disable. m.mu must be held.
func (m *Module) broadcastLocked() {
	close(m.finished)
	m.finished = make(chan struct{})
}

func (m *Module) run() {
	defer close(m.loopDone)

	for {
		m.mu.Lock()
		m.defaultUpdate = true
		m.nextSync = m.defaultWakeLocked(m.now())
		last := m.done
		m.syncStart++
		// Requests made before this point are served by this cycle.
		m.skipWait = false
		m.mu.Unlock()

		m.logger.Debug("Calling sync", "last", last)
		start := time.Now()
		m.syncer.Sync(last)
		took := time.Since(start)
		if m.onSync != nil {
			m.onSync(m.name, took)
		}

		m.mu.Lock()
		m.hbRequested = false
		m.syncFinish++
		if last {
			m.exited = true
			m.broadcastLocked()
			m.mu.Unlock()
			m.logger.Debug("Loop complete")
			return
		}
		m.broadcastLocked()
		m.mu.Unlock()

		m.wait()
	}
}

// wait blocks until the next wake time or an explicit request.
func (m *Module) wait() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.skipWait {
		m.skipWait = false
		return
	}

	if nc := ceilSecond(m.now()); m.nextSync.Before(nc) {
		m.nextSync = nc
	}

	for {
		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if m.automatic {
			timer = time.NewTimer(m.nextSync.Sub(m.now()))
			timeout = timer.C
		}

		m.mu.Unlock()
		select {
		case <-m.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		m.mu.Lock()

		m.hbRequested = false
		m.broadcastLocked()

		if m.skipWait {
			break
		}
		if m.automatic && !m.now().Before(m.nextSync) {
			break
		}
	}
	m.skipWait = false
}

// defaultWakeLocked computes the next wake: the next key time when any are
// configured, otherwise now rounded up to a multiple of the update frequency.
func (m *Module) defaultWakeLocked(now time.Time) time.Time {
	if len(m.keyTimes) > 0 {
		return nextKeyTime(m.keyTimes, now)
	}
	uf := int64(m.frequency)
	nc := ceilSecond(now).UnixNano()
	return time.Unix(0, ((nc+uf-1)/uf)*uf).In(now.Location())
}

func ceilSecond(t time.Time) time.Time {
	f := t.Truncate(time.Second)
	if f.Equal(t) {
		return f
	}
	return f.Add(time.Second)
}
