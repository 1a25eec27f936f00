package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

func TestObserveStats(t *testing.T) {
	m := NewCollector()
	m.ObserveStats(model.Stats{
		TotalDevices:       5,
		OnlineDevices:      4,
		OfflineDevices:     1,
		BatteryLow:         2,
		RouterDevices:      3,
		EndDevices:         2,
		CoordinatorVersion: "1.2.0",
		PermitJoin:         true,
	})

	assert.InDelta(t, 5, testutil.ToFloat64(m.Devices.WithLabelValues("total")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.Devices.WithLabelValues("online")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Devices.WithLabelValues("battery_low")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PermitJoin), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BridgeInfo.WithLabelValues("1.2.0")), 0)

	m.ObserveStats(model.Stats{CoordinatorVersion: "1.3.0"})
	assert.Equal(t, 1, testutil.CollectAndCount(m.BridgeInfo), "old version label is dropped")
	assert.InDelta(t, 0, testutil.ToFloat64(m.PermitJoin), 0)
}

func TestCounters(t *testing.T) {
	m := NewCollector()

	m.SetBusConnected(true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BusConnected), 0)
	m.SetBusConnected(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.BusConnected), 0)

	m.IncIngestMessage("zigbee2mqtt/bridge/info", IngestOK)
	m.IncIngestMessage("zigbee2mqtt/bridge/info", IngestOK)
	m.IncIngestMessage("zigbee2mqtt/bridge/devices", IngestMalformed)
	assert.InDelta(t, 2, testutil.ToFloat64(m.IngestMessagesTotal.WithLabelValues("zigbee2mqtt/bridge/info", IngestOK)), 0)

	m.IncCacheLookup(CacheHit)
	m.IncCacheLookup(CacheMiss)
	m.IncCacheLookup(CacheHit)
	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues(CacheHit)), 0)

	m.ObserveFetch("bridge_info", 0.2, nil)
	m.ObserveFetch("devices", 0.1, errors.New("boom"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.FetchDuration))

	m.IncRateLimitRejections()
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimitRejections), 0)
}

func TestNilCollector(t *testing.T) {
	var m *Collector
	assert.NotPanics(t, func() {
		m.ObserveStats(model.Stats{})
		m.SetBusConnected(true)
		m.IncIngestMessage("t", IngestOK)
		m.IncCacheLookup(CacheHit)
		m.ObserveFetch("devices", 1, nil)
		m.IncRateLimitRejections()
	})
}

func TestHandler(t *testing.T) {
	m := NewCollector()
	m.ObserveStats(model.Stats{TotalDevices: 7, CoordinatorVersion: "2.0.0"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zigbee_devices{state="total"} 7`)
	assert.Contains(t, rec.Body.String(), `zigbee_bridge_info{version="2.0.0"} 1`)
}
