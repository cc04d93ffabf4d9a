package iotd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
)

// HAPDebugInfo contains debug information about the HomeKit service
type HAPDebugInfo struct {
	Server      *ServerInfo     `json:"server,omitempty"`
	Pairings    []PairingInfo   `json:"pairings,omitempty"`
	Stats       StatsInfo       `json:"stats"`
	Accessories []AccessoryInfo `json:"accessories"`
}

// ServerInfo contains HAP server information
type ServerInfo struct {
	Address string `json:"address"`
	Paired  bool   `json:"paired"`
}

// PairingInfo contains information about a paired client
type PairingInfo struct {
	Name       string `json:"name"`
	Permission string `json:"permission"`
}

// StatsInfo contains traffic statistics
type StatsInfo struct {
	IncomingCommands uint64 `json:"incoming_commands"`
	OutgoingUpdates  uint64 `json:"outgoing_updates"`
	LastActivity     string `json:"last_activity"`
}

// AccessoryInfo contains information about a HomeKit accessory
type AccessoryInfo struct {
	ID           uint64        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Manufacturer string        `json:"manufacturer"`
	SerialNumber string        `json:"serial_number"`
	Firmware     string        `json:"firmware"`
	Services     []ServiceInfo `json:"services"`
}

// ServiceInfo lists the characteristic values of one service.
type ServiceInfo struct {
	Type            string   `json:"type"`
	Characteristics []string `json:"characteristics"`
}

// DebugInfo returns debug information about the HAP manager. server and
// store may be nil before the server is created.
func (hm *HAPManager) DebugInfo(server *hap.Server, store hap.Store) HAPDebugInfo {
	info := HAPDebugInfo{
		Accessories: []AccessoryInfo{},
	}

	if server != nil {
		info.Server = &ServerInfo{
			Address: server.Addr,
			Paired:  server.IsPaired(),
		}
	}

	if store != nil {
		type pairingStore interface {
			Pairings() ([]hap.Pairing, error)
		}
		if ps, ok := store.(pairingStore); ok {
			if pairings, err := ps.Pairings(); err == nil {
				for _, p := range pairings {
					permission := "User"
					if p.Permission == 0x01 {
						permission = "Admin"
					}
					info.Pairings = append(info.Pairings, PairingInfo{Name: p.Name, Permission: permission})
				}
			}
		}
	}

	lastActivity := "Never"
	if ts := hm.lastActivity.Load(); ts > 0 {
		lastActivity = time.Unix(ts, 0).Format(time.RFC3339)
	}
	info.Stats = StatsInfo{
		IncomingCommands: hm.incomingCommands.Load(),
		OutgoingUpdates:  hm.outgoingUpdates.Load(),
		LastActivity:     lastActivity,
	}

	for _, acc := range hm.GetAccessories() {
		accType := "Unknown"
		switch acc.Type {
		case accessory.TypeBridge:
			accType = "Bridge"
		case accessory.TypeOutlet:
			accType = "Outlet"
		case accessory.TypeSensor:
			accType = "Sensor"
		}

		var services []ServiceInfo
		for _, svc := range acc.Ss {
			si := ServiceInfo{Type: svc.Type}
			for _, c := range svc.Cs {
				val := c.Value()
				if val == nil {
					val = "nil"
				}
				si.Characteristics = append(si.Characteristics, fmt.Sprintf("%s: %v", c.Type, val))
			}
			services = append(services, si)
		}

		info.Accessories = append(info.Accessories, AccessoryInfo{
			ID:           acc.Id,
			Name:         acc.Info.Name.Value(),
			Type:         accType,
			Manufacturer: acc.Info.Manufacturer.Value(),
			SerialNumber: acc.Info.SerialNumber.Value(),
			Firmware:     acc.Info.FirmwareRevision.Value(),
			Services:     services,
		})
	}

	return info
}

// HAPDebugJSONHandler serves DebugInfo as JSON.
func HAPDebugJSONHandler(hm *HAPManager, server *hap.Server, store hap.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := json.MarshalIndent(hm.DebugInfo(server, store), "", "  ")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to marshal debug info: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}
