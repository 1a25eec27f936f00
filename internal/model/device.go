package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DeviceType is the Zigbee role reported by the bridge.
type DeviceType string

const (
	DeviceTypeCoordinator DeviceType = "Coordinator"
	DeviceTypeRouter      DeviceType = "Router"
	DeviceTypeEndDevice   DeviceType = "EndDevice"
)

// PowerSourceBattery is the power_source value of battery powered devices.
const PowerSourceBattery = "Battery"

// lastSeenUnavailable is what the frontend API reports for devices it never heard from.
const lastSeenUnavailable = "N/A"

// Device is one entry of the bridge device list.
type Device struct {
	IEEEAddress  string      `json:"ieee_address,omitempty"`
	FriendlyName string      `json:"friendly_name,omitempty"`
	Type         DeviceType  `json:"type"`
	Supported    *bool       `json:"supported,omitempty"`
	Disabled     bool        `json:"disabled,omitempty"`
	Available    *bool       `json:"available,omitempty"`
	LastSeen     LastSeen    `json:"last_seen"`
	PowerSource  string      `json:"power_source,omitempty"`
	Battery      *float64    `json:"battery,omitempty"`
	Definition   *Definition `json:"definition,omitempty"`
}

// Definition is the converter definition attached to supported devices.
type Definition struct {
	Model   string   `json:"model,omitempty"`
	Vendor  string   `json:"vendor,omitempty"`
	Exposes []Expose `json:"exposes,omitempty"`
}

// Expose describes one capability a device exposes.
type Expose struct {
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Property string `json:"property,omitempty"`
}

// UnmarshalJSON accepts both the bus spelling (power_source, last_seen) and
// the frontend API spelling (powerSource, lastSeen).
func (d *Device) UnmarshalJSON(data []byte) error {
	type plain Device
	var aux struct {
		plain
		PowerSourceCamel string   `json:"powerSource"`
		LastSeenCamel    LastSeen `json:"lastSeen"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Device(aux.plain)
	if d.PowerSource == "" {
		d.PowerSource = aux.PowerSourceCamel
	}
	if !d.LastSeen.present {
		d.LastSeen = aux.LastSeenCamel
	}
	return nil
}

// IsCoordinator reports whether the device is the network coordinator.
func (d Device) IsCoordinator() bool {
	return d.Type == DeviceTypeCoordinator
}

// LastSeen is the last_seen field of a device. It may be absent, the
// "N/A" sentinel, an epoch timestamp (seconds or milliseconds) or an
// ISO 8601 string.
type LastSeen struct {
	present bool
	raw     string
	at      time.Time
}

// NewLastSeen returns a LastSeen that was observed at t.
func NewLastSeen(t time.Time) LastSeen {
	return LastSeen{present: true, raw: t.UTC().Format(time.RFC3339), at: t}
}

// LastSeenNotAvailable returns the "N/A" sentinel.
func LastSeenNotAvailable() LastSeen {
	return LastSeen{present: true, raw: lastSeenUnavailable}
}

// Seen reports whether the device has been seen at all.
func (l LastSeen) Seen() bool {
	return l.present && l.raw != lastSeenUnavailable
}

// Time returns the parsed timestamp, if the value carried one.
func (l LastSeen) Time() (time.Time, bool) {
	return l.at, !l.at.IsZero()
}

func (l *LastSeen) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = LastSeen{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = LastSeen{present: true, raw: s}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			l.at = t
		}
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("last_seen: unsupported value %s", data)
	}
	*l = LastSeen{present: true, raw: string(data), at: epochToTime(int64(n))}
	return nil
}

func (l LastSeen) MarshalJSON() ([]byte, error) {
	if !l.present {
		return []byte("null"), nil
	}
	return json.Marshal(l.raw)
}

// epochToTime treats values beyond 1e12 as milliseconds.
func epochToTime(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// ParseDeviceList decodes a device list payload. A null or empty list
// yields a nil slice, which callers treat as "no device list". Null
// entries inside the list are malformed.
func ParseDeviceList(payload []byte) ([]Device, error) {
	var entries []*Device
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, &MalformedPayloadError{Kind: "device list", Err: err}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	devices := make([]Device, len(entries))
	for i, d := range entries {
		if d == nil {
			return nil, &MalformedPayloadError{Kind: "device list", Err: fmt.Errorf("entry %d is null", i)}
		}
		devices[i] = *d
	}
	return devices, nil
}
