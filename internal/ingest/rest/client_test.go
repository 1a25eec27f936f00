package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

const devicesJSON = `[
	{"ieeeAddr":"0x00124b0001","type":"Coordinator","lastSeen":"N/A"},
	{"ieeeAddr":"0x00158d0002","type":"Router","powerSource":"Mains (single phase)","lastSeen":1700000000000},
	{"ieeeAddr":"0x00158d0003","type":"EndDevice","powerSource":"Battery","battery":15,"lastSeen":"N/A"}
]`

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string, m *metrics.Collector) *Client {
	return New(Deps{BaseURL: baseURL, Timeout: time.Second, Metrics: m, Logger: zerolog.Nop()})
}

func TestClient_FetchBridgeInfo(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, infoPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"1.35.0","permit_join":true,"coordinator":{"type":"zStack3x0"}}`))
	})

	info, err := newClient(srv.URL+"/", nil).FetchBridgeInfo(context.Background())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "1.35.0", info.CoordinatorVersion())
	assert.True(t, info.PermitJoinEnabled())
}

func TestClient_FetchBridgeInfoEmptyObject(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	info, err := newClient(srv.URL, nil).FetchBridgeInfo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestClient_FetchDevices(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, devicesPath, r.URL.Path)
		_, _ = w.Write([]byte(devicesJSON))
	})

	devices, err := newClient(srv.URL, nil).FetchDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.True(t, devices[0].IsCoordinator())
	assert.True(t, devices[1].LastSeen.Seen())
	assert.False(t, devices[2].LastSeen.Seen())
	assert.Equal(t, model.PowerSourceBattery, devices[2].PowerSource)
	require.NotNil(t, devices[2].Battery)
	assert.InDelta(t, 15.0, *devices[2].Battery, 0)
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.NotFound(w, nil)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.handler)
			m := metrics.NewCollector()

			_, err := newClient(srv.URL, m).FetchDevices(context.Background())
			var fe *model.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, OpDevices, fe.Op)
			assert.Equal(t, srv.URL+devicesPath, fe.URL)
			assert.Equal(t, tt.wantStatus, fe.StatusCode)
			assert.Equal(t, 1, testutil.CollectAndCount(m.FetchDuration))
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url, nil).FetchBridgeInfo(context.Background())
	var fe *model.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, OpBridgeInfo, fe.Op)
	assert.Zero(t, fe.StatusCode)
	assert.Error(t, fe.Unwrap())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := New(Deps{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: zerolog.Nop()})
	start := time.Now()
	_, err := c.FetchDevices(context.Background())
	var fe *model.FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
