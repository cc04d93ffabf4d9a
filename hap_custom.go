package iotd

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

const (
	// Eve Energy Service
	// Source: https://github.com/simont77/fakegato-history
	// Source: https://gist.github.com/gomfunkel/b1a046d729757120907c
	TypeEveEnergyService = "E863F007-079E-48FF-8F27-9C2605A29F52"

	// Eve Characteristics
	TypeEveCurrentConsumption = "E863F10D-079E-48FF-8F27-9C2605A29F52" // Watts
	TypeEveTotalConsumption   = "E863F10C-079E-48FF-8F27-9C2605A29F52" // kWh
)

// EveEnergyService is a custom service for Eve Energy devices
type EveEnergyService struct {
	*service.S

	CurrentConsumption *characteristic.Float
	TotalConsumption   *characteristic.Float
}

// NewEveEnergyService creates a new Eve Energy service
func NewEveEnergyService() *EveEnergyService {
	s := EveEnergyService{}
	s.S = service.New(TypeEveEnergyService)

	s.CurrentConsumption = characteristic.NewFloat(TypeEveCurrentConsumption)
	s.CurrentConsumption.SetMinValue(0)
	s.CurrentConsumption.SetMaxValue(10000)
	s.CurrentConsumption.SetStepValue(0.1)
	s.CurrentConsumption.Permissions = []string{characteristic.PermissionRead, characteristic.PermissionEvents}
	s.AddC(s.CurrentConsumption.C)

	s.TotalConsumption = characteristic.NewFloat(TypeEveTotalConsumption)
	s.TotalConsumption.SetMinValue(0)
	s.TotalConsumption.SetMaxValue(1000000)
	s.TotalConsumption.SetStepValue(0.001)
	s.TotalConsumption.Permissions = []string{characteristic.PermissionRead, characteristic.PermissionEvents}
	s.AddC(s.TotalConsumption.C)

	return &s
}

// SetReading updates both characteristics from a meter reading. Negative
// values mean the device did not report them.
func (s *EveEnergyService) SetReading(powerMW, totalWH int) {
	if powerMW >= 0 {
		s.CurrentConsumption.SetValue(float64(powerMW) / 1000)
	}
	if totalWH >= 0 {
		s.TotalConsumption.SetValue(float64(totalWH) / 1000)
	}
}

// OccupancySensor is a sensor accessory exposing one presence source.
type OccupancySensor struct {
	*accessory.A
	Occupancy *service.OccupancySensor
}

// NewOccupancySensor returns a sensor accessory reporting not occupied.
func NewOccupancySensor(info accessory.Info) *OccupancySensor {
	a := OccupancySensor{}
	a.A = accessory.New(info, accessory.TypeSensor)
	a.Occupancy = service.NewOccupancySensor()
	a.AddS(a.Occupancy.S)
	return &a
}

// SetPresent updates the occupancy characteristic.
func (a *OccupancySensor) SetPresent(present bool) {
	v := characteristic.OccupancyDetectedOccupancyNotDetected
	if present {
		v = characteristic.OccupancyDetectedOccupancyDetected
	}
	a.Occupancy.OccupancyDetected.SetValue(v)
}

// Present reports the current characteristic value.
func (a *OccupancySensor) Present() bool {
	return a.Occupancy.OccupancyDetected.Value() == characteristic.OccupancyDetectedOccupancyDetected
}
