// Package devices builds every configured actor and owns their lifecycle.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/kasa"
	"github.com/kradalby/iotd/module"
	"github.com/kradalby/iotd/presence"
	"github.com/kradalby/iotd/relay"
	"github.com/kradalby/iotd/tasmota"
	"golang.org/x/sync/errgroup"
)

// Kind names the driver behind an actor.
type Kind string

const (
	KindKasa    Kind = "kasa"
	KindTasmota Kind = "tasmota"
	KindICMP    Kind = "icmp"
	KindTCP     Kind = "tcp"
	KindGroup   Kind = "group"
)

const enableConcurrency = 8

// Options carries the shared dependencies of every actor.
type Options struct {
	Logger *slog.Logger
	Store  eventlog.Store
	Now    func() time.Time
	OnSync func(name string, took time.Duration)

	OnSwitchChange   func(Kind, relay.Snapshot)
	OnPresenceChange func(Kind, presence.Snapshot)

	// Signals and RefreshSignal enable a signal module that resyncs every
	// switch and detector when RefreshSignal is delivered.
	Signals       *module.SignalHub
	RefreshSignal os.Signal
}

// Switch is a configured relay device.
type Switch struct {
	*relay.Device
	Kind    Kind
	Config  SwitchConfig
	tasmota *tasmota.Plug
}

// ConfigureMQTT points a Tasmota plug at the broker.
func (s *Switch) ConfigureMQTT(ctx context.Context, host string, port int) error {
	if s.tasmota == nil {
		return fmt.Errorf("device %s does not speak MQTT", s.ID())
	}
	return s.tasmota.ConfigureMQTT(ctx, host, port)
}

// Source is the capability set shared by detectors and groups.
type Source interface {
	device.Presence
	ID() string
	Snapshot() presence.Snapshot
}

// PresenceSource is a configured detector or group.
type PresenceSource struct {
	Source
	Kind Kind
	// Label is the configured name; Name() is the module name.
	Label   string
	HomeKit bool
	Web     bool
}

// Registry holds every actor built from a Config.
type Registry struct {
	logger   *slog.Logger
	signals  *module.SignalHub
	switches []*Switch
	sources  []*PresenceSource
	groups   []*presence.Wrap
	refresh  *module.Signal
	byID     map[string]device.Actor
}

// Build creates, but does not enable, every configured actor.
func Build(cfg *Config, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		logger:  opts.Logger,
		signals: opts.Signals,
		byID:    make(map[string]device.Actor),
	}

	onSwitch := func(kind Kind) func(relay.Snapshot) {
		if opts.OnSwitchChange == nil {
			return nil
		}
		return func(s relay.Snapshot) { opts.OnSwitchChange(kind, s) }
	}
	onPresence := func(kind Kind) func(presence.Snapshot) {
		if opts.OnPresenceChange == nil {
			return nil
		}
		return func(s presence.Snapshot) { opts.OnPresenceChange(kind, s) }
	}

	for _, sc := range cfg.Kasa {
		d := kasa.New(kasa.Config{
			ID:              sc.ID,
			Name:            sc.Name,
			Address:         sc.Address,
			Port:            sc.Port,
			UpdateFrequency: sc.UpdateFrequency.Std(),
			Cooldown:        sc.Cooldown.Std(),
			ErrorCooldown:   sc.ErrorCooldown.Std(),
			PowerMonitoring: sc.PowerMonitoring,
			Jitter:          kasa.DefaultJitter,
			Logger:          opts.Logger,
			Store:           opts.Store,
			Now:             opts.Now,
			OnSync:          opts.OnSync,
			OnChange:        onSwitch(KindKasa),
		})
		r.addSwitch(&Switch{Device: d, Kind: KindKasa, Config: sc})
	}

	for _, sc := range cfg.Tasmota {
		p, err := tasmota.New(tasmota.Config{
			ID:              sc.ID,
			Name:            sc.Name,
			Address:         sc.Address,
			UpdateFrequency: sc.UpdateFrequency.Std(),
			Cooldown:        sc.Cooldown.Std(),
			ErrorCooldown:   sc.ErrorCooldown.Std(),
			PowerMonitoring: sc.PowerMonitoring,
			Dimmer:          sc.Dimmer,
			Logger:          opts.Logger,
			Store:           opts.Store,
			Now:             opts.Now,
			OnSync:          opts.OnSync,
			OnChange:        onSwitch(KindTasmota),
		})
		if err != nil {
			return nil, err
		}
		r.addSwitch(&Switch{Device: p.Device, Kind: KindTasmota, Config: sc, tasmota: p})
	}

	for _, pc := range cfg.Presence {
		var (
			prober presence.Prober
			name   string
			kind   Kind
		)
		switch pc.Method {
		case MethodTCP:
			prober = presence.NewTCPProber(pc.Address, pc.Port, pc.RefusedIsPresent)
			name, kind = presence.TCPDisplayName(pc.Name, pc.Address), KindTCP
		default:
			p, err := presence.NewICMPProber(pc.Address, pc.Privileged)
			if err != nil {
				return nil, fmt.Errorf("failed to create prober for %s: %w", pc.ID, err)
			}
			prober = p
			name, kind = presence.ICMPDisplayName(pc.Name, pc.Address), KindICMP
		}

		d := presence.NewDetector(presence.Config{
			ID:              pc.ID,
			DisplayName:     name,
			TimeLimit:       pc.TimeLimit.Std(),
			UpdateFrequency: pc.UpdateFrequency.Std(),
			Jitter:          presence.DefaultJitter,
			Logger:          opts.Logger,
			Store:           opts.Store,
			Now:             opts.Now,
			OnSync:          opts.OnSync,
			OnChange:        onPresence(kind),
		}, prober)
		r.addSource(&PresenceSource{Source: d, Kind: kind, Label: pc.Name, HomeKit: *pc.HomeKit, Web: *pc.Web})
	}

	for _, gc := range cfg.PresenceGroups {
		members := make([]device.Presence, 0, len(gc.Members))
		for _, id := range gc.Members {
			src, ok := r.Presence(id)
			if !ok {
				return nil, fmt.Errorf("presence group %s references unknown presence %q", gc.ID, id)
			}
			members = append(members, src.Source)
		}
		w := presence.NewWrap(presence.WrapConfig{
			ID:       gc.ID,
			Name:     gc.Name,
			Logger:   opts.Logger,
			Store:    opts.Store,
			Now:      opts.Now,
			OnSync:   opts.OnSync,
			OnChange: onPresence(KindGroup),
		}, members...)
		r.groups = append(r.groups, w)
		r.addSource(&PresenceSource{Source: w, Kind: KindGroup, Label: gc.Name, HomeKit: *gc.HomeKit, Web: *gc.Web})
	}

	if opts.Signals != nil && opts.RefreshSignal != nil {
		sig := module.NewSignal(opts.RefreshSignal, module.Config{
			Logger: opts.Logger,
			Store:  opts.Store,
			Now:    opts.Now,
			OnSync: opts.OnSync,
		})
		if opts.Signals.Register(sig) {
			r.refresh = sig
			for _, s := range r.switches {
				sig.Listen(s.Module)
			}
			for _, src := range r.sources {
				if d, ok := src.Source.(*presence.Detector); ok {
					sig.Listen(d.Module)
				}
			}
		}
	}

	return r, nil
}

func (r *Registry) addSwitch(s *Switch) {
	for _, minute := range s.Config.KeyTimes {
		s.AddKeyTime(minute)
	}
	r.switches = append(r.switches, s)
	r.byID[s.ID()] = s
}

func (r *Registry) addSource(p *PresenceSource) {
	r.sources = append(r.sources, p)
	r.byID[p.ID()] = p
}

// Enable starts switches and detectors in parallel, then groups in
// configuration order, then the refresh signal.
func (r *Registry) Enable(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enableConcurrency)
	enable := func(start func()) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start()
			return nil
		})
	}
	for _, s := range r.switches {
		enable(s.Enable)
	}
	for _, src := range r.sources {
		if src.Kind == KindGroup {
			continue
		}
		enable(src.Enable)
	}
	if err := g.Wait(); err != nil {
		r.Disable()
		return fmt.Errorf("failed to enable devices: %w", err)
	}

	for _, w := range r.groups {
		w.Enable()
	}
	if r.refresh != nil {
		r.refresh.Enable()
	}

	r.logger.Info("Devices enabled",
		"switches", len(r.switches),
		"presence", len(r.sources)-len(r.groups),
		"groups", len(r.groups),
	)
	return nil
}

// Disable stops groups in reverse order, then switches and detectors, then
// the refresh signal. Every actor logs its final transition.
func (r *Registry) Disable() {
	for i := len(r.groups) - 1; i >= 0; i-- {
		r.groups[i].Disable()
	}

	var g errgroup.Group
	g.SetLimit(enableConcurrency)
	for _, s := range r.switches {
		g.Go(func() error {
			s.Disable()
			return nil
		})
	}
	for _, src := range r.sources {
		if src.Kind == KindGroup {
			continue
		}
		g.Go(func() error {
			src.Disable()
			return nil
		})
	}
	_ = g.Wait()

	if r.refresh != nil {
		r.refresh.Disable()
		if r.signals != nil {
			r.signals.Unregister(r.refresh)
		}
	}
	r.logger.Info("Devices disabled")
}

// Refresh asks every actor to sync now.
func (r *Registry) Refresh() {
	for _, a := range r.byID {
		a.SyncNow()
	}
}

// Switches returns the switches in configuration order.
func (r *Registry) Switches() []*Switch { return r.switches }

// Switch returns the switch with the given id.
func (r *Registry) Switch(id string) (*Switch, bool) {
	s, ok := r.byID[id].(*Switch)
	return s, ok
}

// PresenceSources returns detectors then groups, in configuration order.
func (r *Registry) PresenceSources() []*PresenceSource { return r.sources }

// Presence returns the detector or group with the given id.
func (r *Registry) Presence(id string) (*PresenceSource, bool) {
	p, ok := r.byID[id].(*PresenceSource)
	return p, ok
}

// Actor returns any actor by id.
func (r *Registry) Actor(id string) (device.Actor, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// RefreshSignal returns the refresh signal module, nil when not configured.
func (r *Registry) RefreshSignal() *module.Signal { return r.refresh }
