package iotd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brutella/hap"
	homekitqr "github.com/kradalby/homekit-qr"
	appconfig "github.com/kradalby/iotd/config"
	"github.com/kradalby/iotd/devices"
	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/events"
	"github.com/kradalby/iotd/logging"
	"github.com/kradalby/iotd/metrics"
	"github.com/kradalby/iotd/module"
	"github.com/kradalby/kra/web"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

const mqttSetupDelay = time.Second

// Main is the entry point used by cmd/iotd.
func Main() {
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("Starting iotd", "version", version)
	logger.Info("Configuration loaded",
		"hap_addr", cfg.HAPAddrPort().String(),
		"web_addr", cfg.WebAddrPort().String(),
		"mqtt_enabled", cfg.MQTT.Enabled,
		"mqtt_addr", cfg.MQTTAddrPort().String(),
		"devices_config", cfg.DevicesConfigPath,
		"event_store", cfg.EventLog.Kind,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("iotd stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func openEventStore(cfg appconfig.EventLogConfig) (eventlog.Store, error) {
	switch cfg.Kind {
	case appconfig.EventStoreMemory:
		return eventlog.NewMemoryStore(), nil
	case appconfig.EventStoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event store directory: %w", err)
		}
		return eventlog.OpenSQLite(cfg.Path)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create event log directory: %w", err)
		}
		return eventlog.NewFileStore(cfg.Path), nil
	}
}

// hapInventory lists the switches and presence sources exposed over HomeKit.
func hapInventory(reg *devices.Registry) ([]HAPSwitch, []HAPSensor) {
	var switches []HAPSwitch
	for _, sw := range reg.Switches() {
		if !enabled(sw.Config.HomeKit) {
			continue
		}
		switches = append(switches, HAPSwitch{
			ID:              sw.ID(),
			Name:            sw.Config.Name,
			Kind:            string(sw.Kind),
			PowerMonitoring: sw.Config.PowerMonitoring,
		})
	}
	var sensors []HAPSensor
	for _, src := range reg.PresenceSources() {
		if !src.HomeKit {
			continue
		}
		sensors = append(sensors, HAPSensor{
			ID:   src.ID(),
			Name: src.Label,
			Kind: string(src.Kind),
		})
	}
	return switches, sensors
}

func run(cfg *appconfig.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openEventStore(cfg.EventLog)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close event store", "error", err)
		}
	}()

	bus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer bus.Close()

	mainClient, err := bus.Client(events.ClientMain)
	if err != nil {
		return err
	}
	status := func(component string, st events.ConnectionStatus, cause error) {
		evt := events.ConnectionStatusEvent{
			Timestamp: time.Now(),
			Component: component,
			Status:    st,
		}
		if cause != nil {
			evt.Error = cause.Error()
		}
		bus.PublishConnectionStatus(mainClient, evt)
	}

	collector, err := metrics.NewCollector(ctx, logger, bus, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	defer collector.Close()

	publisher, err := NewDevicePublisher(bus)
	if err != nil {
		return err
	}

	devCfg, err := devices.LoadConfig(cfg.DevicesConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load devices configuration: %w", err)
	}
	logger.Info("Loaded devices",
		"kasa", len(devCfg.Kasa),
		"tasmota", len(devCfg.Tasmota),
		"presence", len(devCfg.Presence),
		"presence_groups", len(devCfg.PresenceGroups),
	)

	hub := module.NewSignalHub(logger)
	opts := devices.Options{
		Logger:           logger,
		Store:            store,
		OnSync:           publisher.OnSync,
		OnSwitchChange:   publisher.OnSwitchChange,
		OnPresenceChange: publisher.OnPresenceChange,
	}
	if cfg.SignalRefresh {
		opts.Signals = hub
		opts.RefreshSignal = syscall.SIGUSR1
	}

	reg, err := devices.Build(devCfg, opts)
	if err != nil {
		return fmt.Errorf("failed to build devices: %w", err)
	}
	if err := reg.Enable(ctx); err != nil {
		return fmt.Errorf("failed to enable devices: %w", err)
	}
	defer reg.Disable()

	hub.Start(ctx)
	defer hub.Stop()

	controller, err := NewController(logger, reg, bus)
	if err != nil {
		return err
	}

	// HomeKit
	switches, sensors := hapInventory(reg)
	hapManager, err := NewHAPManager(logger, cfg.HAP.BridgeName, switches, sensors, controller, bus)
	if err != nil {
		return err
	}
	hapManager.Seed(controller.HomeKit())
	hapManager.Start(ctx)
	defer hapManager.Close()

	hapStore := hap.NewFsStore(cfg.HAP.StoragePath)
	accessories := hapManager.GetAccessories()
	hapServer, err := hap.NewServer(hapStore, accessories[0], accessories[1:]...)
	if err != nil {
		return fmt.Errorf("failed to create HAP server: %w", err)
	}
	hapServer.Pin = cfg.HAP.PIN
	hapServer.Addr = cfg.HAPAddrPort().String()

	go func() {
		logger.Info("Starting HomeKit server", "addr", hapServer.Addr, "accessories", len(accessories))
		status("hap", events.ConnectionStatusConnected, nil)
		if err := hapServer.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("HAP server error", "error", err)
			status("hap", events.ConnectionStatusFailed, err)
		}
	}()

	qr, err := homekitqr.GenerateQRTerminal(homekitqr.QRCodeConfig{
		SetupURIConfig: homekitqr.SetupURIConfig{
			PairingCode: cfg.HAP.PIN,
			SetupID:     "IOTD",
			Category:    homekitqr.CategoryBridge,
		},
	})
	if err != nil {
		logger.Warn("Failed to generate QR code", "error", err)
	} else {
		fmt.Println(qr)
	}
	logger.Info("Scan QR code or enter PIN manually in Home app", "pin", cfg.HAP.PIN)

	// MQTT
	if cfg.MQTT.Enabled {
		broker, err := startMQTT(ctx, cfg, logger, reg, status)
		if err != nil {
			return err
		}
		defer func() {
			if err := broker.Close(); err != nil {
				logger.Error("Error stopping MQTT broker", "error", err)
			}
		}()
	}

	// Web
	webServer, err := NewWebServer(logger, controller, controller, bus, cfg.HAP.PIN, qr, promhttp.Handler())
	if err != nil {
		return err
	}
	webServer.Handle("/debug/hap", NewDebugHandler(logger, hapManager, hapServer, hapStore))
	webServer.Handle("/debug/hap.json", HAPDebugJSONHandler(hapManager, hapServer, hapStore))
	webServer.LogEvent("Server starting...")
	webServer.Start(ctx)
	defer webServer.Close()

	kraWeb, err := newKraServer(cfg, logger, webServer.Routes())
	if err != nil {
		return err
	}

	go func() {
		webURL := "http://" + cfg.WebAddrPort().String()
		if cfg.Tailscale.Enabled() {
			webURL = fmt.Sprintf("https://%s (and %s)", cfg.Tailscale.Hostname, webURL)
		}
		logger.Info("Web UI available", "url", webURL)
		status("web", events.ConnectionStatusConnected, nil)
		if err := kraWeb.ListenAndServe(ctx); err != nil {
			logger.Error("Web server error", "error", err)
			status("web", events.ConnectionStatusFailed, err)
		}
	}()

	logger.Info("Server running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutting down...")

	return nil
}

// newKraServer serves routes on the local listener and, with an auth key,
// on the tailnet.
func newKraServer(cfg *appconfig.Config, logger *slog.Logger, routes http.Handler) (*web.KraWeb, error) {
	kraWeb, err := web.NewServer(webServerConfig(cfg),
		web.WithStdLogger(log.New(os.Stdout, "kraweb: ", log.LstdFlags)),
		web.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure web server: %w", err)
	}

	kraWeb.Handle("/", routes)
	// The tailnet mux serves its own /debug/ index, so our debug pages are
	// registered explicitly to stay reachable there.
	for _, pattern := range []string{"/debug/eventbus", "/debug/hap", "/debug/hap.json"} {
		kraWeb.Handle(pattern, routes)
	}
	if cfg.Tailscale.Enabled() {
		kraWeb.DebugHandler().URL("/debug/hap", "HomeKit bridge")
		kraWeb.DebugHandler().URL("/debug/eventbus", "Event bus")
	}

	return kraWeb, nil
}

// webServerConfig maps the listener and tailnet settings onto kra.
func webServerConfig(cfg *appconfig.Config) web.ServerConfig {
	return web.ServerConfig{
		Hostname:        cfg.Tailscale.Hostname,
		LocalAddr:       cfg.WebAddrPort().String(),
		AuthKey:         cfg.Tailscale.AuthKey,
		EnableTailscale: cfg.Tailscale.Enabled(),
	}
}

// startMQTT runs the embedded broker and points every Tasmota switch at it.
func startMQTT(
	ctx context.Context,
	cfg *appconfig.Config,
	logger *slog.Logger,
	reg *devices.Registry,
	status func(string, events.ConnectionStatus, error),
) (*mqtt.Server, error) {
	host := cfg.MQTT.AdvertiseHost
	if host == "" {
		ip, err := getLocalIP()
		if err != nil {
			logger.Warn("Failed to get local IP, using localhost", "error", err)
			ip = "localhost"
		}
		host = ip
	}
	logger.Info("MQTT advertise address", "host", host)

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT auth hook: %w", err)
	}
	if err := server.AddHook(NewMQTTHook(logger, reg), nil); err != nil {
		return nil, fmt.Errorf("failed to add MQTT message hook: %w", err)
	}

	addr := cfg.MQTTAddrPort()
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: addr.String(),
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to add MQTT listener: %w", err)
	}

	status("mqtt", events.ConnectionStatusConnecting, nil)
	go func() {
		logger.Info("Starting MQTT broker", "addr", addr.String())
		if err := server.Serve(); err != nil {
			logger.Error("MQTT server error", "error", err)
			status("mqtt", events.ConnectionStatusFailed, err)
			return
		}
		status("mqtt", events.ConnectionStatusConnected, nil)
	}()

	for _, sw := range reg.Switches() {
		if sw.Kind != devices.KindTasmota {
			continue
		}
		go func(sw *devices.Switch) {
			select {
			case <-time.After(mqttSetupDelay):
			case <-ctx.Done():
				return
			}
			if err := sw.ConfigureMQTT(ctx, host, int(addr.Port())); err != nil {
				logger.Error("Failed to configure MQTT for switch", "device_id", sw.ID(), "error", err)
				return
			}
			logger.Info("Switch configured for MQTT", "device_id", sw.ID())
		}(sw)
	}

	return server, nil
}
