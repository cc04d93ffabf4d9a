// Package tasmota drives Tasmota flashed plugs over their HTTP command API.
package tasmota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/relay"
	"github.com/kradalby/tasmota-go"
)

// Config describes one Tasmota plug.
type Config struct {
	ID              string
	Name            string
	Address         string
	UpdateFrequency time.Duration
	Cooldown        time.Duration
	ErrorCooldown   time.Duration
	// PowerMonitoring reads the energy sensor every cycle.
	PowerMonitoring bool
	// Dimmer sends brightness ramps as Dimmer commands.
	Dimmer bool

	Logger   *slog.Logger
	Store    eventlog.Store
	Now      func() time.Time
	OnSync   func(name string, took time.Duration)
	OnChange func(relay.Snapshot)
}

// DisplayName returns the module name of a plug.
func DisplayName(name, addr string) string {
	return fmt.Sprintf("TASMOTA [ %s @ %s ]", name, addr)
}

// Topic is the MQTT topic a plug is configured to publish under.
func Topic(id string) string {
	return "tasmota/" + id
}

type client interface {
	ExecuteCommand(context.Context, string) ([]byte, error)
	ExecuteBacklog(context.Context, ...string) ([]byte, error)
}

var _ client = (*tasmota.Client)(nil)

// Transport adapts a Tasmota HTTP client to relay.Transport.
type Transport struct {
	client client
	energy bool
	dimmer bool
	logger *slog.Logger
}

func (t *Transport) Exchange(ctx context.Context, cmd relay.Command) relay.Reading {
	if cmd.Last {
		return relay.ErrorReading()
	}

	if t.dimmer && cmd.Brightness != 0 {
		if _, err := t.client.ExecuteCommand(ctx, fmt.Sprintf("Dimmer %d", cmd.Brightness)); err != nil {
			t.logger.Debug("Failed to set brightness", "brightness", cmd.Brightness, "error", err)
		}
	}

	reply, err := t.client.ExecuteCommand(ctx, powerCommand(cmd.Target))
	if err != nil {
		t.logger.Debug("Power command failed", "error", err)
		return relay.ErrorReading()
	}

	reading := ParsePower(reply)
	if reading.State == device.Error || !t.energy {
		return reading
	}

	status, err := t.client.ExecuteCommand(ctx, "Status 8")
	if err != nil {
		t.logger.Debug("Energy query failed", "error", err)
		return reading
	}
	reading.PowerMW, reading.TotalWH = ParseEnergy(status)
	return reading
}

func (t *Transport) Close() error { return nil }

// ConfigureMQTT points the plug at the given broker.
func (t *Transport) ConfigureMQTT(ctx context.Context, id, brokerHost string, brokerPort int) error {
	commands := []string{
		fmt.Sprintf("MqttHost %s", brokerHost),
		fmt.Sprintf("MqttPort %d", brokerPort),
		fmt.Sprintf("Topic %s", Topic(id)),
	}

	if _, err := t.client.ExecuteBacklog(ctx, commands...); err != nil {
		return fmt.Errorf("failed to configure MQTT: %w", err)
	}
	return nil
}

func powerCommand(target device.State) string {
	switch target {
	case device.On:
		return "Power ON"
	case device.Off:
		return "Power OFF"
	default:
		return "Power"
	}
}

// ParsePower reads the relay state and dimmer level from a Power or Dimmer
// reply such as {"POWER":"ON","Dimmer":40}.
func ParsePower(reply []byte) relay.Reading {
	r := relay.Reading{State: device.Error, PowerMW: -1, TotalWH: -1}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(reply, &fields); err != nil {
		return r
	}

	for _, key := range []string{"POWER", "POWER1"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return r
		}
		switch strings.ToUpper(v) {
		case "ON":
			r.State = device.On
		case "OFF":
			r.State = device.Off
		}
		break
	}

	if raw, ok := fields["Dimmer"]; ok {
		var level int
		if err := json.Unmarshal(raw, &level); err == nil {
			r.Brightness = level
		}
	}
	return r
}

// ParseEnergy returns milliwatts and watt hours from a "Status 8" reply, or
// -1 for values it does not carry.
func ParseEnergy(reply []byte) (int, int) {
	var status struct {
		StatusSNS struct {
			ENERGY *struct {
				Power *float64 `json:"Power"`
				Total *float64 `json:"Total"`
			} `json:"ENERGY"`
		} `json:"StatusSNS"`
	}
	if err := json.Unmarshal(reply, &status); err != nil || status.StatusSNS.ENERGY == nil {
		return -1, -1
	}

	powerMW, totalWH := -1, -1
	if p := status.StatusSNS.ENERGY.Power; p != nil {
		powerMW = int(math.Round(*p * 1000))
	}
	if t := status.StatusSNS.ENERGY.Total; t != nil {
		totalWH = int(math.Round(*t * 1000))
	}
	return powerMW, totalWH
}

// Plug is a relay device backed by a Tasmota transport.
type Plug struct {
	*relay.Device
	transport *Transport
}

// ConfigureMQTT points the plug at the given broker.
func (p *Plug) ConfigureMQTT(ctx context.Context, brokerHost string, brokerPort int) error {
	p.Logger().Info("Configuring MQTT", "broker", brokerHost, "port", brokerPort)
	return p.transport.ConfigureMQTT(ctx, p.ID(), brokerHost, brokerPort)
}

// New returns a disabled relay device for a Tasmota plug.
func New(cfg Config) (*Plug, error) {
	c, err := tasmota.NewClient(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.ID, err)
	}
	return newPlug(cfg, c), nil
}

func newPlug(cfg Config, c client) *Plug {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	name := DisplayName(cfg.Name, cfg.Address)

	t := &Transport{
		client: c,
		energy: cfg.PowerMonitoring,
		dimmer: cfg.Dimmer,
		logger: cfg.Logger.With("module", name),
	}
	d := relay.New(relay.Config{
		ID:              cfg.ID,
		DisplayName:     name,
		UpdateFrequency: cfg.UpdateFrequency,
		Cooldown:        cfg.Cooldown,
		ErrorCooldown:   cfg.ErrorCooldown,
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Now:             cfg.Now,
		OnSync:          cfg.OnSync,
		OnChange:        cfg.OnChange,
	}, t)
	return &Plug{Device: d, transport: t}
}
