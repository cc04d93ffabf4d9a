package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Defaults applied to fields left empty in the devices file.
const (
	DefaultKasaUpdateFrequency     = time.Second
	DefaultTasmotaUpdateFrequency  = 5 * time.Second
	DefaultPresenceUpdateFrequency = time.Second
	DefaultCooldown                = 5 * time.Second
	DefaultErrorCooldown           = 15 * time.Second
	DefaultTimeLimit               = 300 * time.Second
)

// Presence probe methods.
const (
	MethodICMP = "icmp"
	MethodTCP  = "tcp"
)

// Duration is a time.Duration written as "5s" or as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config defines the devices file structure.
type Config struct {
	Kasa           []SwitchConfig   `json:"kasa"`
	Tasmota        []SwitchConfig   `json:"tasmota"`
	Presence       []PresenceConfig `json:"presence"`
	PresenceGroups []GroupConfig    `json:"presence_groups"`
}

// SwitchConfig describes a Kasa or Tasmota plug.
type SwitchConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	// Port overrides the Kasa protocol port.
	Port            int      `json:"port,omitempty"`
	PowerMonitoring bool     `json:"power_monitoring"`
	Dimmer          bool     `json:"dimmer"`
	UpdateFrequency Duration `json:"update_frequency"`
	Cooldown        Duration `json:"cooldown"`
	ErrorCooldown   Duration `json:"error_cooldown"`
	// KeyTimes are minutes after midnight at which the plug is always polled.
	KeyTimes []int `json:"key_times,omitempty"`
	HomeKit  *bool `json:"homekit,omitempty"`
	Web      *bool `json:"web,omitempty"`
}

// PresenceConfig describes one probed endpoint.
type PresenceConfig struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	Method           string   `json:"method"`
	Port             int      `json:"port,omitempty"`
	Privileged       bool     `json:"privileged"`
	RefusedIsPresent bool     `json:"refused_is_present"`
	TimeLimit        Duration `json:"time_limit"`
	UpdateFrequency  Duration `json:"update_frequency"`
	HomeKit          *bool    `json:"homekit,omitempty"`
	Web              *bool    `json:"web,omitempty"`
}

// GroupConfig describes a composite that is present when any member is.
// Members name presence entries or groups listed before this one.
type GroupConfig struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
	HomeKit *bool    `json:"homekit,omitempty"`
	Web     *bool    `json:"web,omitempty"`
}

// LoadConfig reads and validates the HuJSON devices file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates a HuJSON document and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices config: %w", err)
	}

	if len(cfg.Kasa)+len(cfg.Tasmota)+len(cfg.Presence)+len(cfg.PresenceGroups) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	seenIDs := make(map[string]struct{})
	claim := func(section, id string, i int) error {
		if id == "" {
			return fmt.Errorf("%s entry %d has no ID", section, i)
		}
		if _, exists := seenIDs[id]; exists {
			return fmt.Errorf("duplicate device id %q", id)
		}
		seenIDs[id] = struct{}{}
		return nil
	}

	for _, group := range []struct {
		section          string
		switches         []SwitchConfig
		defaultFrequency time.Duration
	}{
		{"kasa", cfg.Kasa, DefaultKasaUpdateFrequency},
		{"tasmota", cfg.Tasmota, DefaultTasmotaUpdateFrequency},
	} {
		section, switches, defaultFrequency := group.section, group.switches, group.defaultFrequency
		for i := range switches {
			sw := &switches[i]
			if err := claim(section, sw.ID, i); err != nil {
				return nil, err
			}
			if sw.Name == "" {
				return nil, fmt.Errorf("%s device %s has no name", section, sw.ID)
			}
			if sw.Address == "" {
				return nil, fmt.Errorf("%s device %s has no address", section, sw.ID)
			}
			for _, minute := range sw.KeyTimes {
				if minute < 0 || minute >= 24*60 {
					return nil, fmt.Errorf("%s device %s has key time %d outside the day", section, sw.ID, minute)
				}
			}
			defaultDuration(&sw.UpdateFrequency, defaultFrequency)
			defaultDuration(&sw.Cooldown, DefaultCooldown)
			defaultDuration(&sw.ErrorCooldown, DefaultErrorCooldown)
			defaultBool(&sw.HomeKit)
			defaultBool(&sw.Web)
		}
	}

	presenceIDs := make(map[string]struct{}, len(cfg.Presence))
	for i := range cfg.Presence {
		p := &cfg.Presence[i]
		if err := claim("presence", p.ID, i); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("presence %s has no name", p.ID)
		}
		if p.Address == "" {
			return nil, fmt.Errorf("presence %s has no address", p.ID)
		}
		if p.Method == "" {
			p.Method = MethodICMP
		}
		switch p.Method {
		case MethodICMP:
		case MethodTCP:
			if p.Port < 1 || p.Port > 65535 {
				return nil, fmt.Errorf("presence %s needs a port between 1 and 65535 for tcp probes", p.ID)
			}
		default:
			return nil, fmt.Errorf("presence %s has invalid method %q, must be icmp or tcp", p.ID, p.Method)
		}
		defaultDuration(&p.TimeLimit, DefaultTimeLimit)
		defaultDuration(&p.UpdateFrequency, DefaultPresenceUpdateFrequency)
		defaultBool(&p.HomeKit)
		defaultBool(&p.Web)
		presenceIDs[p.ID] = struct{}{}
	}

	for i := range cfg.PresenceGroups {
		g := &cfg.PresenceGroups[i]
		if err := claim("presence_groups", g.ID, i); err != nil {
			return nil, err
		}
		if g.Name == "" {
			return nil, fmt.Errorf("presence group %s has no name", g.ID)
		}
		if len(g.Members) == 0 {
			return nil, fmt.Errorf("presence group %s has no members", g.ID)
		}
		for _, member := range g.Members {
			if _, ok := presenceIDs[member]; !ok {
				return nil, fmt.Errorf("presence group %s references unknown presence %q", g.ID, member)
			}
		}
		defaultBool(&g.HomeKit)
		defaultBool(&g.Web)
		presenceIDs[g.ID] = struct{}{}
	}

	return &cfg, nil
}

func defaultDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func defaultBool(b **bool) {
	if *b == nil {
		defaultTrue := true
		*b = &defaultTrue
	}
}
