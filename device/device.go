// Package device defines the capability interfaces automations and outer
// surfaces use to talk to switches and presence sources.
package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/kradalby/iotd/module"
)

// State is the observed or desired state of a switched device.
type State int

const (
	// Unchanged is only meaningful as a target: no pending change.
	Unchanged State = iota
	On
	Off
	Error
	Unknown
)

var stateNames = [...]string{"UNCHANGED", "ON", "OFF", "ERROR", "UNKNOWN"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState accepts the names printed by String as well as the lowercase
// forms used by the web handlers.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNCHANGED", "":
		return Unchanged, nil
	case "ON", "1", "TRUE":
		return On, nil
	case "OFF", "0", "FALSE":
		return Off, nil
	case "ERROR":
		return Error, nil
	case "UNKNOWN":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown state %q", s)
}

// Actor is the part of the module contract every device exposes.
type Actor interface {
	Name() string
	Enable()
	Disable()
	SyncNow()
	SyncWait()
	Listen(*module.Module)
	Unlisten(*module.Module)
}

// Switch is a relay that can be observed and driven.
type Switch interface {
	Actor
	Status() State
	Target() State
	SetTarget(State)
	// LastTimeOn returns now while the switch is on.
	LastTimeOn() time.Time
	// LastTimeOff returns now while the switch is off.
	LastTimeOff() time.Time
}

// Presence answers whether something is currently reachable.
type Presence interface {
	Actor
	Present() bool
	// LastTimePresent returns now while present.
	LastTimePresent() time.Time
	// LastTimeNotPresent returns now while not present.
	LastTimeNotPresent() time.Time
}
