package events

import (
	"time"
)

// SwitchStateEvent carries switch state for HomeKit, metrics and SSE subscribers.
type SwitchStateEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Previous    string    `json:"previous"`
	Target      string    `json:"target"`
	On          bool      `json:"on"`
	Brightness  int       `json:"brightness"`
	PowerMW     int       `json:"power_mw"`
	TotalWH     int       `json:"total_wh"`
	LastTimeOn  time.Time `json:"last_time_on"`
	LastTimeOff time.Time `json:"last_time_off"`
}

// Equals determines whether two events carry the same logical state (ignoring timestamp/source).
func (e SwitchStateEvent) Equals(other SwitchStateEvent) bool {
	return e.DeviceID == other.DeviceID &&
		e.Name == other.Name &&
		e.Status == other.Status &&
		e.Target == other.Target &&
		e.Brightness == other.Brightness &&
		e.PowerMW == other.PowerMW &&
		e.TotalWH == other.TotalWH &&
		e.LastTimeOn.Equal(other.LastTimeOn) &&
		e.LastTimeOff.Equal(other.LastTimeOff)
}

// PresenceEvent is published on every presence edge.
type PresenceEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	DeviceID           string    `json:"device_id"`
	Name               string    `json:"name"`
	Kind               string    `json:"kind"`
	Present            bool      `json:"present"`
	LastTimePresent    time.Time `json:"last_time_present"`
	LastTimeNotPresent time.Time `json:"last_time_not_present"`
}

// CommandType represents supported device commands.
type CommandType string

const (
	// CommandTypeSetTarget requests a relay state.
	CommandTypeSetTarget CommandType = "set_target"
	// CommandTypeSetBrightness starts a brightness ramp.
	CommandTypeSetBrightness CommandType = "set_brightness"
	// CommandTypeRefresh asks a module to sync now.
	CommandTypeRefresh CommandType = "refresh"
)

// CommandEvent captures requested control actions for a device.
type CommandEvent struct {
	Timestamp   time.Time   `json:"timestamp"`
	Source      string      `json:"source"`
	DeviceID    string      `json:"device_id"`
	CommandType CommandType `json:"command_type"`
	On          *bool       `json:"on,omitempty"`
	Brightness  *int        `json:"brightness,omitempty"`
}

// SyncEvent reports one completed actor cycle.
type SyncEvent struct {
	Module   string
	Duration time.Duration
}

// ConnectionStatusEvent conveys component lifecycle information (web, HAP, MQTT, etc.).
type ConnectionStatusEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	Component  string           `json:"component"`
	Status     ConnectionStatus `json:"status"`
	Error      string           `json:"error"`
	Reconnects int              `json:"reconnects"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)
