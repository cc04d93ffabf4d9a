package config

import (
	"fmt"
	"net/netip"
	"os"

	env "github.com/Netflix/go-env"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultHAPPort     = 8080
	defaultWebPort     = 8081
	defaultMQTTPort    = 1883
)

// Event store kinds.
const (
	EventStoreFile   = "file"
	EventStoreSQLite = "sqlite"
	EventStoreMemory = "memory"
)

// HAPConfig configures the HomeKit bridge.
type HAPConfig struct {
	PIN         string `env:"IOTD_HAP_PIN,default=00102003"`
	StoragePath string `env:"IOTD_HAP_STORAGE_PATH,default=./data/hap"`
	BridgeName  string `env:"IOTD_HAP_BRIDGE_NAME,default=iotd"`
	BindAddress string `env:"IOTD_HAP_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"IOTD_HAP_PORT,default=8080"`
}

// WebConfig configures the status page listener.
type WebConfig struct {
	BindAddress string `env:"IOTD_WEB_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"IOTD_WEB_PORT,default=8081"`
}

// MQTTConfig configures the embedded broker.
type MQTTConfig struct {
	Enabled     bool   `env:"IOTD_MQTT_ENABLED,default=true"`
	BindAddress string `env:"IOTD_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"IOTD_MQTT_PORT,default=1883"`
	// AdvertiseHost is the address Tasmota devices are told to connect to.
	// Empty means the first non-loopback IPv4 address.
	AdvertiseHost string `env:"IOTD_MQTT_ADVERTISE_HOST"`
}

// EventLogConfig selects the event store.
type EventLogConfig struct {
	Kind string `env:"IOTD_EVENT_STORE,default=file"`
	Path string `env:"IOTD_EVENT_LOG,default=./data/iotd.log"`
}

// TailscaleConfig puts the web UI on the tailnet. An empty AuthKey keeps
// it local only.
type TailscaleConfig struct {
	Hostname string `env:"IOTD_TS_HOSTNAME,default=iotd"`
	AuthKey  string `env:"IOTD_TS_AUTHKEY"`
}

// Enabled reports whether the web UI should join the tailnet.
func (t TailscaleConfig) Enabled() bool {
	return t.AuthKey != ""
}

// Config holds all environment-driven configuration.
type Config struct {
	HAP       HAPConfig
	Web       WebConfig
	MQTT      MQTTConfig
	EventLog  EventLogConfig
	Tailscale TailscaleConfig

	// Logging options
	LogLevel  string `env:"IOTD_LOG_LEVEL,default=info"`
	LogFormat string `env:"IOTD_LOG_FORMAT,default=json"`

	// Device inventory file
	DevicesConfigPath string `env:"IOTD_DEVICES_CONFIG,default=./devices.hujson"`

	// SignalRefresh makes SIGUSR1 resync every device.
	SignalRefresh bool `env:"IOTD_SIGNAL_REFRESH,default=true"`

	hapAddr  netip.AddrPort
	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if len(c.HAP.PIN) != 8 {
		return fmt.Errorf("HAP PIN must be exactly 8 digits")
	}
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if c.DevicesConfigPath == "" {
		return fmt.Errorf("DevicesConfigPath cannot be empty")
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Tailscale.Enabled() && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale hostname cannot be empty when an auth key is set")
	}
	switch c.EventLog.Kind {
	case EventStoreFile, EventStoreSQLite:
		if c.EventLog.Path == "" {
			return fmt.Errorf("event log path cannot be empty for %s store", c.EventLog.Kind)
		}
	case EventStoreMemory:
	default:
		return fmt.Errorf("invalid event store %q, must be one of: file, sqlite, memory", c.EventLog.Kind)
	}
	return nil
}

func (c *Config) parseListenerAddrs() error {
	hap, err := listenerAddr("HAP", &c.HAP.BindAddress, &c.HAP.Port, defaultHAPPort, "IOTD_HAP_PORT")
	if err != nil {
		return err
	}
	web, err := listenerAddr("web", &c.Web.BindAddress, &c.Web.Port, defaultWebPort, "IOTD_WEB_PORT")
	if err != nil {
		return err
	}
	mqtt, err := listenerAddr("MQTT", &c.MQTT.BindAddress, &c.MQTT.Port, defaultMQTTPort, "IOTD_MQTT_PORT")
	if err != nil {
		return err
	}
	c.hapAddr, c.webAddr, c.mqttAddr = hap, web, mqtt
	return nil
}

func listenerAddr(name string, bind *string, port *int, defaultPort int, portVar string) (netip.AddrPort, error) {
	if *bind == "" {
		*bind = defaultBindAddress
	}
	if *port == 0 && !envVarSet(portVar) {
		*port = defaultPort
	}
	if err := validatePortRange(name, *port); err != nil {
		return netip.AddrPort{}, err
	}
	addr := fmt.Sprintf("%s:%d", *bind, *port)
	parsed, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid %s addr %q: %w", name, addr, err)
	}
	return parsed, nil
}

// HAPAddrPort returns the parsed HAP listener address.
func (c *Config) HAPAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.hapAddr
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

func (c *Config) ensureParsed() {
	if !c.hapAddr.IsValid() || !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
