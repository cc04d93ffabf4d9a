package kasa

import (
	"bytes"
	"fmt"

	"github.com/kradalby/iotd/device"
	"github.com/kradalby/iotd/relay"
)

const (
	emeterPrefix = `{"emeter":{"get_realtime":null},`
	querySystem  = `"system":{"get_sysinfo":null}}`
	setOnSystem  = `"system":{"set_relay_state":{"state":1},"get_sysinfo":null}}`
	setOffSystem = `"system":{"set_relay_state":{"state":0},"get_sysinfo":null}}`
)

// Command returns the request for a relay target. Unchanged (and any other
// state) produces a query without a set. With emeter the realtime meter is
// queried as well.
func Command(target device.State, emeter bool) []byte {
	body := querySystem
	switch target {
	case device.On:
		body = setOnSystem
	case device.Off:
		body = setOffSystem
	}
	if emeter {
		return []byte(emeterPrefix + body)
	}
	return []byte("{" + body)
}

// BrightnessCommand returns the dimmer request for level.
func BrightnessCommand(level int) []byte {
	return fmt.Appendf(nil, `{"smartlife.iot.dimmer":{"set_brightness":{"brightness":%d}}}`, level)
}

var (
	relayOn       = []byte(`"relay_state":1`)
	relayOff      = []byte(`"relay_state":0`)
	brightnessKey = []byte(`"brightness":`)
	powerKey      = []byte(`"power_mw":`)
	totalKey      = []byte(`"total_wh":`)
)

// ParseReply scans a decoded reply for the fields the driver uses. The reply
// is not parsed as JSON so partial or slightly malformed payloads still
// yield a state.
func ParseReply(reply []byte) relay.Reading {
	r := relay.Reading{State: device.Error, PowerMW: -1, TotalWH: -1}

	switch {
	case bytes.Contains(reply, relayOn):
		r.State = device.On
	case bytes.Contains(reply, relayOff):
		r.State = device.Off
	}
	if v, ok := scanInt(reply, brightnessKey); ok {
		r.Brightness = v
	}
	if v, ok := scanInt(reply, powerKey); ok {
		r.PowerMW = v
	}
	if v, ok := scanInt(reply, totalKey); ok {
		r.TotalWH = v
	}
	return r
}

// scanInt finds key and parses the integer following it the way atoi does:
// leading blanks and a sign are accepted and parsing stops at the first
// non-digit. A key followed by no digits yields 0.
func scanInt(data, key []byte) (int, bool) {
	i := bytes.Index(data, key)
	if i < 0 {
		return 0, false
	}
	rest := data[i+len(key):]

	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t') {
		j++
	}
	neg := false
	if j < len(rest) && (rest[j] == '-' || rest[j] == '+') {
		neg = rest[j] == '-'
		j++
	}
	n := 0
	for ; j < len(rest) && rest[j] >= '0' && rest[j] <= '9'; j++ {
		n = n*10 + int(rest[j]-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}
