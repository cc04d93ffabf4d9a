package iotd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kradalby/iotd/device"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// getLocalIP returns the local IP address to use for MQTT broker configuration
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	// Find first non-loopback IPv4 address
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no local IP address found")
}

// ActorLookup finds the actor behind a device id.
type ActorLookup interface {
	Actor(id string) (device.Actor, bool)
}

// MQTTHook wakes Tasmota switches when they report over MQTT, so a button
// press on the device shows up without waiting for the next poll.
type MQTTHook struct {
	mqtt.HookBase
	logger *slog.Logger
	actors ActorLookup
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewMQTTHook returns a hook resolving topics through actors.
func NewMQTTHook(logger *slog.Logger, actors ActorLookup) *MQTTHook {
	return &MQTTHook{
		logger:   logger,
		actors:   actors,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// ID returns the hook identifier
func (h *MQTTHook) ID() string {
	return "iotd-tasmota-hook"
}

// Provides returns the hook methods this hook provides
func (h *MQTTHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnect is called when a client connects
func (h *MQTTHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	h.logger.Info("MQTT client connected", "client_id", cl.ID)
	return nil
}

// OnDisconnect is called when a client disconnects
func (h *MQTTHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.logger.Info("MQTT client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}

// LastSeen returns when the device last published, if ever.
func (h *MQTTHook) LastSeen(id string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.lastSeen[id]
	return t, ok
}

// deviceFromTopic extracts the device id from stat/tasmota/<id>/... and
// tele/tasmota/<id>/... topics.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return ""
	}
	if parts[0] != "tele" && parts[0] != "stat" {
		return ""
	}
	if parts[1] != "tasmota" {
		return ""
	}
	return parts[2]
}

// powerFromPayload returns the POWER value of a RESULT, STATE or STATUS
// payload.
func powerFromPayload(payload []byte) string {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ""
	}
	for _, key := range []string{"POWER", "POWER1"} {
		if power, ok := msg[key].(string); ok {
			return power
		}
	}
	if result, ok := msg["StatusSTS"].(map[string]any); ok {
		if power, ok := result["POWER"].(string); ok {
			return power
		}
	}
	return ""
}

// OnPublish is called when a message is received from a client
func (h *MQTTHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	topic := pk.TopicName

	h.logger.Debug("MQTT message received",
		"topic", topic,
		"payload", string(pk.Payload),
	)

	id := deviceFromTopic(topic)
	if id == "" {
		return pk, nil
	}

	h.mu.Lock()
	h.lastSeen[id] = h.now()
	h.mu.Unlock()

	power := powerFromPayload(pk.Payload)
	if power == "" {
		h.logger.Debug("Switch connection tracked via MQTT", "device_id", id)
		return pk, nil
	}

	actor, ok := h.actors.Actor(id)
	if !ok {
		h.logger.Debug("MQTT message for unknown device", "device_id", id)
		return pk, nil
	}

	h.logger.Info("Switch reported power over MQTT, syncing",
		"device_id", id,
		"power", power,
	)
	actor.SyncNow()

	return pk, nil
}
