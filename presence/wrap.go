package presence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/module"
)

// WrapConfig describes a composite presence source.
type WrapConfig struct {
	ID       string
	Name     string
	Logger   *slog.Logger
	Store    eventlog.Store
	Now      func() time.Time
	OnSync   func(name string, took time.Duration)
	OnChange func(Snapshot)
}

// WrapDisplayName returns the module name of a composite.
func WrapDisplayName(name string) string {
	return fmt.Sprintf("PRESENCE WRAP [ %s ]", name)
}

// Wrap is present when any child is present. It does not poll; children wake
// it when their own presence changes.
type Wrap struct {
	*module.Module

	id       string
	children []device.Presence
	now      func() time.Time
	onChange func(Snapshot)

	mu           sync.Mutex
	reported     bool
	lastReported bool
}

var _ device.Presence = (*Wrap)(nil)

// NewWrap returns a disabled composite over children.
func NewWrap(cfg WrapConfig, children ...device.Presence) *Wrap {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	w := &Wrap{
		id:       cfg.ID,
		children: children,
		now:      cfg.Now,
		onChange: cfg.OnChange,
	}
	w.Module = module.New(WrapDisplayName(cfg.Name), w, module.Config{
		Automatic: false,
		Logger:    cfg.Logger,
		Store:     cfg.Store,
		Now:       cfg.Now,
		OnSync:    cfg.OnSync,
	})
	return w
}

// ID returns the configured id.
func (w *Wrap) ID() string { return w.id }

// Children returns the wrapped sources.
func (w *Wrap) Children() []device.Presence { return w.children }

// Enable starts the composite, then subscribes to its children.
func (w *Wrap) Enable() {
	w.Module.Enable()
	for _, c := range w.children {
		c.Listen(w.Module)
	}
}

// Disable unsubscribes from the children before stopping.
func (w *Wrap) Disable() {
	for _, c := range w.children {
		c.Unlisten(w.Module)
	}
	w.Module.Disable()
}

func (w *Wrap) Sync(last bool) {
	if last {
		w.mu.Lock()
		reported, lastValue := w.reported, w.lastReported
		w.mu.Unlock()
		if reported {
			w.Report(eventText(lastValue))
		}
		w.Report(EventUnknown)
		return
	}

	present := w.Present()

	w.mu.Lock()
	if w.reported && w.lastReported == present {
		w.mu.Unlock()
		return
	}
	w.reported = true
	w.lastReported = present
	w.mu.Unlock()

	w.Report(eventText(present))
	if w.onChange != nil {
		w.onChange(w.Snapshot())
	}
	w.NotifyListeners()
}

// Present reports whether any child is present.
func (w *Wrap) Present() bool {
	for _, c := range w.children {
		if c.Present() {
			return true
		}
	}
	return false
}

// LastTimePresent returns now when any child is present, otherwise the most
// recent sighting of any child.
func (w *Wrap) LastTimePresent() time.Time {
	var latest time.Time
	for _, c := range w.children {
		if c.Present() {
			return w.floorNow()
		}
		if t := c.LastTimePresent(); t.After(latest) {
			latest = t
		}
	}
	return latest
}

// LastTimeNotPresent returns now when no child is present. Otherwise it is
// the latest not-present edge among the present children, i.e. the moment
// every present child had individually cleared its own window.
func (w *Wrap) LastTimeNotPresent() time.Time {
	var (
		latest time.Time
		found  bool
	)
	for _, c := range w.children {
		if !c.Present() {
			continue
		}
		found = true
		if t := c.LastTimeNotPresent(); t.After(latest) {
			latest = t
		}
	}
	if !found {
		return w.floorNow()
	}
	return latest
}

// Snapshot returns the current composite state.
func (w *Wrap) Snapshot() Snapshot {
	now := w.floorNow()
	return Snapshot{
		ID:                 w.id,
		Name:               w.Name(),
		Present:            w.Present(),
		LastTimePresent:    w.LastTimePresent(),
		LastTimeNotPresent: w.LastTimeNotPresent(),
		Timestamp:          now,
	}
}

func (w *Wrap) floorNow() time.Time {
	return w.now().Truncate(time.Second)
}
