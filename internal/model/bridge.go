package model

import (
	"bytes"
	"encoding/json"
)

// UnknownVersion is reported when the bridge did not publish a version.
const UnknownVersion = "unknown"

// BridgeInfo is the network-wide metadata published by the bridge.
type BridgeInfo struct {
	Version     string           `json:"version"`
	Commit      string           `json:"commit,omitempty"`
	Coordinator *CoordinatorInfo `json:"coordinator,omitempty"`
	PermitJoin  *bool            `json:"permit_join,omitempty"`

	// hasVersion is set by ParseBridgeInfo when the payload carried a
	// non-null version, so an explicit "" is reported as is.
	hasVersion bool
}

// CoordinatorInfo identifies the coordinator adapter.
type CoordinatorInfo struct {
	Type        string `json:"type,omitempty"`
	IEEEAddress string `json:"ieee_address,omitempty"`
}

// CoordinatorVersion returns the bridge version, or UnknownVersion when the
// bridge did not publish one.
func (b *BridgeInfo) CoordinatorVersion() string {
	if b == nil || (b.Version == "" && !b.hasVersion) {
		return UnknownVersion
	}
	return b.Version
}

// PermitJoinEnabled returns the permit_join flag, false when absent.
func (b *BridgeInfo) PermitJoinEnabled() bool {
	return b != nil && b.PermitJoin != nil && *b.PermitJoin
}

// ParseBridgeInfo decodes a bridge info payload. A null or empty object
// yields nil, which callers treat as "no bridge info".
func ParseBridgeInfo(payload []byte) (*BridgeInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, &MalformedPayloadError{Kind: "bridge info", Err: err}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	info := &BridgeInfo{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(info); err != nil {
		return nil, &MalformedPayloadError{Kind: "bridge info", Err: err}
	}
	if v, ok := fields["version"]; ok && string(v) != "null" {
		info.hasVersion = true
	}
	return info, nil
}
