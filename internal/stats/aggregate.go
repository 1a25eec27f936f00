// Package stats computes the aggregate network statistics from the latest
// bridge info and device list.
package stats

import (
	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

// BatteryLowThreshold is the battery percentage below which a battery
// powered device counts as low.
const BatteryLowThreshold = 20

// Policy decides how availability and battery state are read from a device.
// The bus and the REST API expose different fields.
type Policy interface {
	Online(d model.Device) bool
	BatteryLow(d model.Device) bool
}

// PushPolicy reads the availability flag published on the bus. The bus
// device list carries no battery level, so no device is ever battery-low.
type PushPolicy struct{}

func (PushPolicy) Online(d model.Device) bool {
	if d.Supported != nil && !*d.Supported {
		return false
	}
	return d.Available != nil && *d.Available
}

func (PushPolicy) BatteryLow(model.Device) bool { return false }

// PollPolicy reads last_seen and battery from the REST device list.
type PollPolicy struct{}

func (PollPolicy) Online(d model.Device) bool {
	return d.LastSeen.Seen()
}

func (PollPolicy) BatteryLow(d model.Device) bool {
	return d.PowerSource == model.PowerSourceBattery &&
		d.Battery != nil && *d.Battery < BatteryLowThreshold
}

// Aggregate computes Stats over devices, excluding every coordinator entry.
// It returns model.ErrNoData when either input is missing or empty.
func Aggregate(devices []model.Device, info *model.BridgeInfo, policy Policy) (model.Stats, error) {
	if len(devices) == 0 || info == nil {
		return model.Stats{}, model.ErrNoData
	}

	var s model.Stats
	for _, d := range devices {
		if d.IsCoordinator() {
			continue
		}
		s.TotalDevices++

		if policy.Online(d) {
			s.OnlineDevices++
		} else {
			s.OfflineDevices++
		}
		if policy.BatteryLow(d) {
			s.BatteryLow++
		}

		switch d.Type {
		case model.DeviceTypeRouter:
			s.RouterDevices++
		case model.DeviceTypeEndDevice:
			s.EndDevices++
		}
	}

	s.CoordinatorVersion = info.CoordinatorVersion()
	s.PermitJoin = info.PermitJoinEnabled()
	return s, nil
}

// Coordinators returns how many coordinator entries the list holds. A
// healthy network reports exactly one.
func Coordinators(devices []model.Device) int {
	n := 0
	for _, d := range devices {
		if d.IsCoordinator() {
			n++
		}
	}
	return n
}
