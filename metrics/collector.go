package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/iotd/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger         *slog.Logger
	statusSub      *eventbus.Subscriber[events.ConnectionStatusEvent]
	commandSub     *eventbus.Subscriber[events.CommandEvent]
	switchSub      *eventbus.Subscriber[events.SwitchStateEvent]
	presenceSub    *eventbus.Subscriber[events.PresenceEvent]
	syncSub        *eventbus.Subscriber[events.SyncEvent]
	statusGauge    *prometheus.GaugeVec
	commandCounter *prometheus.CounterVec
	switchGauge    *prometheus.GaugeVec
	powerGauge     *prometheus.GaugeVec
	energyGauge    *prometheus.GaugeVec
	presenceGauge  *prometheus.GaugeVec
	syncDuration   *prometheus.HistogramVec
	ctx            context.Context
	cancel         context.CancelFunc
	shutdownOnce   sync.Once
	workers        sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	collectorCtx, cancel := context.WithCancel(ctx)
	factory := promauto.With(reg)

	c := &Collector{
		logger:      logger,
		statusSub:   eventbus.Subscribe[events.ConnectionStatusEvent](client),
		commandSub:  eventbus.Subscribe[events.CommandEvent](client),
		switchSub:   eventbus.Subscribe[events.SwitchStateEvent](client),
		presenceSub: eventbus.Subscribe[events.PresenceEvent](client),
		syncSub:     eventbus.Subscribe[events.SyncEvent](client),
		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotd_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		commandCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iotd_command_total",
			Help: "Total control commands by source and device",
		}, []string{"source", "device_id", "command_type"}),
		switchGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotd_switch_state",
			Help: "Observed switch state (1 when matching status, 0 otherwise)",
		}, []string{"device_id", "status"}),
		powerGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotd_switch_power_milliwatts",
			Help: "Instantaneous power draw reported by the switch",
		}, []string{"device_id"}),
		energyGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotd_switch_energy_watthours",
			Help: "Cumulative energy reported by the switch",
		}, []string{"device_id"}),
		presenceGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotd_presence",
			Help: "1 when the presence source is present",
		}, []string{"device_id"}),
		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iotd_sync_duration_seconds",
			Help:    "Duration of one actor cycle",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"module"}),
		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(5)
	go consume(c, c.statusSub, c.observeStatus)
	go consume(c, c.commandSub, c.observeCommand)
	go consume(c, c.switchSub, c.observeSwitch)
	go consume(c, c.presenceSub, c.observePresence)
	go consume(c, c.syncSub, c.observeSync)

	logger.Info("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.statusSub.Close()
		c.commandSub.Close()
		c.switchSub.Close()
		c.presenceSub.Close()
		c.syncSub.Close()
		c.workers.Wait()
		c.logger.Info("metrics collector stopped")
	})
}

func consume[T any](c *Collector, sub *eventbus.Subscriber[T], observe func(T)) {
	defer c.workers.Done()
	for {
		select {
		case evt := <-sub.Events():
			observe(evt)
		case <-sub.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range []events.ConnectionStatus{
		events.ConnectionStatusDisconnected,
		events.ConnectionStatusConnecting,
		events.ConnectionStatusConnected,
		events.ConnectionStatusReconnecting,
		events.ConnectionStatusFailed,
	} {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}

func (c *Collector) observeCommand(evt events.CommandEvent) {
	commandType := string(evt.CommandType)
	if commandType == "" {
		commandType = "unknown"
	}
	source := evt.Source
	if source == "" {
		source = "unknown"
	}
	deviceID := evt.DeviceID
	if deviceID == "" {
		deviceID = "unknown"
	}
	c.commandCounter.WithLabelValues(source, deviceID, commandType).Inc()
}

func (c *Collector) observeSwitch(evt events.SwitchStateEvent) {
	for _, status := range []string{"ON", "OFF", "ERROR", "UNKNOWN"} {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.switchGauge.WithLabelValues(evt.DeviceID, status).Set(value)
	}
	if evt.PowerMW >= 0 {
		c.powerGauge.WithLabelValues(evt.DeviceID).Set(float64(evt.PowerMW))
	}
	if evt.TotalWH >= 0 {
		c.energyGauge.WithLabelValues(evt.DeviceID).Set(float64(evt.TotalWH))
	}
}

func (c *Collector) observePresence(evt events.PresenceEvent) {
	value := 0.0
	if evt.Present {
		value = 1.0
	}
	c.presenceGauge.WithLabelValues(evt.DeviceID).Set(value)
}

func (c *Collector) observeSync(evt events.SyncEvent) {
	c.syncDuration.WithLabelValues(evt.Module).Observe(evt.Duration.Seconds())
}
