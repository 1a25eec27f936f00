// Package ingest routes bridge payloads received from a message bus into
// the snapshot store and tracks the lifecycle of bus listeners.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

// Sink receives decoded payloads and connection events. It is implemented
// by *store.Store.
type Sink interface {
	SetConnected(connected bool)
	SetBridgeInfo(info *model.BridgeInfo)
	SetDevices(devices []model.Device)
}

// Listener is a long-running bus subscriber. Run blocks until ctx is
// cancelled or the initial connection fails.
type Listener interface {
	Run(ctx context.Context) error
	State() State
}

// State is the lifecycle state of a Listener.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Lifecycle is embedded by listeners to track their State.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Start moves an idle listener to running. It fails if the listener was
// already started.
func (l *Lifecycle) Start() error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("listener already %s", l.State())
	}
	return nil
}

// Terminate marks the listener as terminated.
func (l *Lifecycle) Terminate() {
	l.state.Store(int32(StateTerminated))
}
