package model

import (
	"errors"
	"fmt"
)

// ErrNoData is returned when the bridge info or the device list has not
// been received yet.
var ErrNoData = errors.New("no data available from Zigbee2MQTT")

// NotConnectedError reports that the bus connection is down.
type NotConnectedError struct {
	Transport string
}

func (e *NotConnectedError) Error() string {
	return e.Transport + " not connected"
}

// FetchError reports a failed call against the bridge REST API.
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("fetch %s (%s): %v", e.Op, e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s (%s): unexpected status %d", e.Op, e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s (%s) failed", e.Op, e.URL)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedPayloadError reports a payload that could not be decoded.
type MalformedPayloadError struct {
	Kind  string
	Topic string
	Err   error
}

func (e *MalformedPayloadError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("malformed %s payload on %s: %v", e.Kind, e.Topic, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %v", e.Kind, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }
