package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
	"github.com/pobradovic08/zigbee-beacon/internal/ratelimit"
)

type fakeSource struct {
	stats  model.Stats
	err    error
	health error
	panic  bool
}

func (f *fakeSource) Stats(context.Context) (model.Stats, error) {
	if f.panic {
		panic("aggregation exploded")
	}
	return f.stats, f.err
}

func (f *fakeSource) Health() error { return f.health }

var sampleStats = model.Stats{
	TotalDevices:       3,
	OnlineDevices:      2,
	OfflineDevices:     1,
	BatteryLow:         0,
	RouterDevices:      1,
	EndDevices:         2,
	CoordinatorVersion: "1.35.0",
	PermitJoin:         false,
}

func newTestServer(t *testing.T, src Source, limiter *ratelimit.Limiter) (*Server, *openapi3.T) {
	t.Helper()
	doc, err := LoadContract(context.Background())
	require.NoError(t, err)
	s := NewServer(ServerDeps{
		Source:      src,
		Metrics:     metrics.NewCollector(),
		MetricsPath: "/metrics",
		RateLimiter: limiter,
		Contract:    doc,
		Logger:      zerolog.Nop(),
		ListenAddr:  "127.0.0.1:0",
	})
	return s, doc
}

func do(t *testing.T, s *Server, method, path string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return req, rec
}

// validateResponse checks the recorded response against the API contract.
func validateResponse(t *testing.T, doc *openapi3.T, req *http.Request, rec *httptest.ResponseRecorder) {
	t.Helper()
	router, err := gorillamux.NewRouter(doc)
	require.NoError(t, err)
	route, params, err := router.FindRoute(req)
	require.NoError(t, err)

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: params,
			Route:      route,
		},
		Status: rec.Code,
		Header: rec.Header(),
		Body:   io.NopCloser(bytes.NewReader(rec.Body.Bytes())),
	})
	require.NoError(t, err, "response does not match the contract: %s", rec.Body.String())
}

func TestLoadContract(t *testing.T) {
	doc, err := LoadContract(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/health"))
	assert.NotNil(t, doc.Paths.Find("/stats"))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     error
		wantStatus int
		wantBody   string
	}{
		{"connected", nil, http.StatusOK, "OK"},
		{"mqtt down", &model.NotConnectedError{Transport: "MQTT"}, http.StatusServiceUnavailable, "MQTT not connected"},
		{"nats down", &model.NotConnectedError{Transport: "NATS"}, http.StatusServiceUnavailable, "NATS not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, doc := newTestServer(t, &fakeSource{health: tt.health}, nil)
			req, rec := do(t, s, http.MethodGet, "/health")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
			validateResponse(t, doc, req, rec)
		})
	}
}

func TestStats(t *testing.T) {
	s, doc := newTestServer(t, &fakeSource{stats: sampleStats}, nil)
	req, rec := do(t, s, http.MethodGet, "/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"total_devices": 3,
		"online_devices": 2,
		"offline_devices": 1,
		"battery_low": 0,
		"router_devices": 1,
		"end_devices": 2,
		"coordinator_version": "1.35.0",
		"permit_join": false
	}`, rec.Body.String())
	validateResponse(t, doc, req, rec)
}

func TestStats_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"no data", model.ErrNoData, http.StatusServiceUnavailable, "no data available from Zigbee2MQTT"},
		{"wrapped no data", fmt.Errorf("store: %w", model.ErrNoData), http.StatusServiceUnavailable, "store: no data available from Zigbee2MQTT"},
		{"not connected", &model.NotConnectedError{Transport: "MQTT"}, http.StatusServiceUnavailable, "MQTT not connected"},
		{"fetch", &model.FetchError{Op: "devices", URL: "http://z2m/api/devices", StatusCode: 502}, http.StatusServiceUnavailable, "fetch devices (http://z2m/api/devices): unexpected status 502"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "disk on fire"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, doc := newTestServer(t, &fakeSource{err: tt.err}, nil)
			req, rec := do(t, s, http.MethodGet, "/stats")

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body model.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			validateResponse(t, doc, req, rec)
		})
	}
}

func TestStats_PanicRecovered(t *testing.T) {
	s, doc := newTestServer(t, &fakeSource{panic: true}, nil)
	req, rec := do(t, s, http.MethodGet, "/stats")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	validateResponse(t, doc, req, rec)
}

func TestStats_RateLimited(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerInterval: 1,
		Interval:            time.Minute,
		CleanupInterval:     time.Hour,
		StaleAfter:          time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	s, doc := newTestServer(t, &fakeSource{stats: sampleStats}, limiter)

	_, rec := do(t, s, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)

	req, rec := do(t, s, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	validateResponse(t, doc, req, rec)

	for range 3 {
		_, rec = do(t, s, http.MethodGet, "/health")
		assert.Equal(t, http.StatusOK, rec.Code, "/health is not rate limited")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)
	_, rec := do(t, s, http.MethodOptions, "/stats")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)

	_, rec := do(t, s, http.MethodGet, "/health")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)

	_, rec := do(t, s, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())

	_, rec = do(t, s, http.MethodPost, "/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)
	_, rec := do(t, s, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOpenAPIEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)
	_, rec := do(t, s, http.MethodGet, "/openapi.json")

	require.Equal(t, http.StatusOK, rec.Code)
	doc, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "zigbee-beacon", doc.Info.Title)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s, _ := newTestServer(t, &fakeSource{}, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		return s.Shutdown(ctx) == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, <-errCh)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(model.ErrNoData))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("poll: %w", &model.FetchError{Op: "bridge_info"})))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&model.MalformedPayloadError{Kind: "device list"}))
}
