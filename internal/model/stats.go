package model

// Stats is the aggregate view of the Zigbee network served on /stats.
type Stats struct {
	TotalDevices       int    `json:"total_devices"`
	OnlineDevices      int    `json:"online_devices"`
	OfflineDevices     int    `json:"offline_devices"`
	BatteryLow         int    `json:"battery_low"`
	RouterDevices      int    `json:"router_devices"`
	EndDevices         int    `json:"end_devices"`
	CoordinatorVersion string `json:"coordinator_version"`
	PermitJoin         bool   `json:"permit_join"`
}
