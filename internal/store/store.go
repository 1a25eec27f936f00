// Package store holds the latest bridge info and device list received from
// the message bus, together with the bus connection state.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
	"github.com/pobradovic08/zigbee-beacon/internal/stats"
)

// State is an immutable view of the store. A new State is built for every
// update and published atomically, so readers never see a half-applied one.
type State struct {
	BridgeInfo  *model.BridgeInfo
	Devices     []model.Device
	Connected   bool
	ConnectedAt time.Time
	LastUpdate  time.Time
}

// Store is written by the ingestion adapter and read by HTTP handlers.
type Store struct {
	transport string
	metrics   *metrics.Collector
	now       func() time.Time

	mu    sync.Mutex // serialises writers
	state atomic.Pointer[State]

	readyOnce sync.Once
	ready     chan struct{}
}

// Deps holds the dependencies of a Store.
type Deps struct {
	// Transport names the bus in NotConnectedError messages, e.g. "MQTT".
	Transport string
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// New creates an empty, disconnected Store.
func New(deps Deps) *Store {
	s := &Store{
		transport: deps.Transport,
		metrics:   deps.Metrics,
		now:       deps.Now,
		ready:     make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.state.Store(&State{})
	return s
}

// Snapshot returns the current state. The returned value must not be modified.
func (s *Store) Snapshot() *State {
	return s.state.Load()
}

// Connected reports whether the bus connection is up.
func (s *Store) Connected() bool {
	return s.Snapshot().Connected
}

// Ready is closed the first time the bus connection comes up.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// update applies fn to a copy of the current state and publishes the copy.
func (s *Store) update(fn func(next *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.state.Load()
	fn(&next)
	s.state.Store(&next)
}

// SetConnected records a connect or disconnect event. Stored data is kept
// across disconnects.
func (s *Store) SetConnected(connected bool) {
	s.update(func(next *State) {
		if connected && !next.Connected {
			next.ConnectedAt = s.now()
		}
		next.Connected = connected
	})
	s.metrics.SetBusConnected(connected)
	if connected {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

// SetBridgeInfo replaces the bridge info wholesale.
func (s *Store) SetBridgeInfo(info *model.BridgeInfo) {
	s.update(func(next *State) {
		next.BridgeInfo = info
		next.LastUpdate = s.now()
	})
}

// SetDevices replaces the device list wholesale.
func (s *Store) SetDevices(devices []model.Device) {
	s.update(func(next *State) {
		next.Devices = devices
		next.LastUpdate = s.now()
	})
}

// Health returns a NotConnectedError while the bus is down.
func (s *Store) Health() error {
	if !s.Connected() {
		return &model.NotConnectedError{Transport: s.transport}
	}
	return nil
}

// Stats aggregates the current contents. It fails with NotConnectedError
// while the bus is down and with model.ErrNoData until both topics have
// delivered a message.
func (s *Store) Stats(_ context.Context) (model.Stats, error) {
	st := s.Snapshot()
	if !st.Connected {
		return model.Stats{}, &model.NotConnectedError{Transport: s.transport}
	}

	result, err := stats.Aggregate(st.Devices, st.BridgeInfo, stats.PushPolicy{})
	if err != nil {
		return model.Stats{}, err
	}
	s.metrics.ObserveStats(result)
	return result, nil
}
