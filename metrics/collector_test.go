package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kradalby/iotd/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.New(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newTestCollector(t *testing.T, bus *events.Bus) *Collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	collector, err := NewCollector(ctx, testLogger(), bus, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(collector.Close)
	return collector
}

func TestCollectorObservesEvents(t *testing.T) {
	bus := newTestBus(t)
	collector := newTestCollector(t, bus)

	componentClient, err := bus.Client(events.ClientWeb)
	require.NoError(t, err)
	bus.PublishConnectionStatus(componentClient, events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: "web",
		Status:    events.ConnectionStatusConnected,
	})

	require.Eventually(t, func() bool {
		value := gaugeValue(collector.statusGauge.WithLabelValues("web", string(events.ConnectionStatusConnected)))
		return value == 1.0
	}, time.Second, 20*time.Millisecond, "expected component status gauge to update")

	bus.PublishCommand(componentClient, events.CommandEvent{
		Timestamp:   time.Now(),
		Source:      "web",
		DeviceID:    "lamp",
		CommandType: events.CommandTypeSetTarget,
	})

	require.Eventually(t, func() bool {
		value := counterValue(collector.commandCounter.WithLabelValues("web", "lamp", string(events.CommandTypeSetTarget)))
		return value == 1.0
	}, time.Second, 20*time.Millisecond, "expected command counter to increment")
}

func TestCollectorObservesDevices(t *testing.T) {
	bus := newTestBus(t)
	collector := newTestCollector(t, bus)

	devices, err := bus.Client(events.ClientDevices)
	require.NoError(t, err)

	bus.PublishSwitchState(devices, events.SwitchStateEvent{DeviceID: "lamp", Status: "ON", PowerMW: 2500, TotalWH: 17})
	bus.PublishPresence(devices, events.PresenceEvent{DeviceID: "phone", Present: true})
	bus.PublishSync(devices, events.SyncEvent{Module: "KASA [ lamp @ 10.0.0.5 ]", Duration: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		return gaugeValue(collector.switchGauge.WithLabelValues("lamp", "ON")) == 1.0 &&
			gaugeValue(collector.switchGauge.WithLabelValues("lamp", "OFF")) == 0.0 &&
			gaugeValue(collector.powerGauge.WithLabelValues("lamp")) == 2500 &&
			gaugeValue(collector.energyGauge.WithLabelValues("lamp")) == 17
	}, time.Second, 20*time.Millisecond, "expected switch gauges to update")

	require.Eventually(t, func() bool {
		return gaugeValue(collector.presenceGauge.WithLabelValues("phone")) == 1.0
	}, time.Second, 20*time.Millisecond, "expected presence gauge to update")

	require.Eventually(t, func() bool {
		return histogramCount(collector, "KASA [ lamp @ 10.0.0.5 ]") == 1
	}, time.Second, 20*time.Millisecond, "expected sync histogram sample")
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m io_prometheus_client.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	if m.Gauge == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m io_prometheus_client.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func histogramCount(c *Collector, module string) uint64 {
	var m io_prometheus_client.Metric
	h, ok := c.syncDuration.WithLabelValues(module).(prometheus.Histogram)
	if !ok {
		return 0
	}
	if err := h.Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
