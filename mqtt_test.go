package iotd

import (
	"sync/atomic"
	"testing"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/module"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActor struct {
	name  string
	syncs atomic.Int32
}

func (a *fakeActor) Name() string { return a.name }
func (a *fakeActor) Enable() {}
func (a *fakeActor) Disable() {}
func (a *fakeActor) SyncNow() { a.syncs.Add(1) }
func (a *fakeActor) SyncWait() { a.syncs.Add(1) }
func (a *fakeActor) Listen(*module.Module) {}
func (a *fakeActor) Unlisten(*module.Module) {}

type fakeActors map[string]*fakeActor

func (f fakeActors) Actor(id string) (device.Actor, bool) {
	a, ok := f[id]
	if !ok {
		return nil, false
	}
	return a, true
}

func TestMQTTHookSyncsOnPower(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"result", "stat/tasmota/plug-1/RESULT", `{"POWER":"ON"}`},
		{"channel", "stat/tasmota/plug-1/RESULT", `{"POWER1":"OFF"}`},
		{"telemetry", "tele/tasmota/plug-1/STATE", `{"StatusSTS":{"POWER":"OFF"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := &fakeActor{name: "plug-1"}
			hook := NewMQTTHook(testLogger(), fakeActors{"plug-1": actor})

			_, err := hook.OnPublish(nil, packets.Packet{TopicName: tt.topic, Payload: []byte(tt.payload)})
			require.NoError(t, err)

			assert.Equal(t, int32(1), actor.syncs.Load())
			_, seen := hook.LastSeen("plug-1")
			assert.True(t, seen)
		})
	}
}

func TestMQTTHookIgnores(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		seen    bool
	}{
		{"no power", "tele/tasmota/plug-1/SENSOR", `{"ENERGY":{"Power":3}}`, true},
		{"not json", "tele/tasmota/plug-1/LWT", `Online`, true},
		{"other prefix", "cmnd/tasmota/plug-1/POWER", `{"POWER":"ON"}`, false},
		{"other namespace", "stat/shelly/plug-1/RESULT", `{"POWER":"ON"}`, false},
		{"short topic", "stat/tasmota", `{"POWER":"ON"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := &fakeActor{name: "plug-1"}
			hook := NewMQTTHook(testLogger(), fakeActors{"plug-1": actor})

			pk := packets.Packet{TopicName: tt.topic, Payload: []byte(tt.payload)}
			out, err := hook.OnPublish(nil, pk)
			require.NoError(t, err)
			assert.Equal(t, pk.TopicName, out.TopicName)

			assert.Zero(t, actor.syncs.Load())
			_, seen := hook.LastSeen("plug-1")
			assert.Equal(t, tt.seen, seen)
		})
	}
}

func TestMQTTHookUnknownDevice(t *testing.T) {
	hook := NewMQTTHook(testLogger(), fakeActors{})

	_, err := hook.OnPublish(nil, packets.Packet{
		TopicName: "stat/tasmota/ghost/RESULT",
		Payload:   []byte(`{"POWER":"ON"}`),
	})
	require.NoError(t, err)

	_, seen := hook.LastSeen("ghost")
	assert.True(t, seen)
}

func TestGetLocalIP(t *testing.T) {
	ip, err := getLocalIP()
	if err != nil {
		t.Skipf("No local IP found (expected in some environments): %v", err)
	}

	assert.NotEmpty(t, ip)
}
