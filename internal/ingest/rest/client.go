// Package rest fetches bridge info and the device list from the
// Zigbee2MQTT frontend API.
package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

const (
	infoPath    = "/api/info"
	devicesPath = "/api/devices"

	// maxBodySize caps response bodies; large networks stay well below it.
	maxBodySize = 16 << 20
)

// Fetch operation names used in errors and metrics.
const (
	OpBridgeInfo = "bridge_info"
	OpDevices    = "devices"
)

// Client talks to the frontend API over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Collector
	log     zerolog.Logger
}

// Deps holds the dependencies of a Client. HTTPClient defaults to a client
// with an OpenTelemetry instrumented transport.
type Deps struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Collector
	Logger     zerolog.Logger
}

func New(deps Deps) *Client {
	c := &Client{
		baseURL: strings.TrimRight(deps.BaseURL, "/"),
		timeout: deps.Timeout,
		http:    deps.HTTPClient,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c
}

// FetchBridgeInfo returns the bridge info, or nil when the API answered
// with an empty object.
func (c *Client) FetchBridgeInfo(ctx context.Context) (*model.BridgeInfo, error) {
	body, err := c.get(ctx, OpBridgeInfo, infoPath)
	if err != nil {
		return nil, err
	}
	info, err := model.ParseBridgeInfo(body)
	if err != nil {
		return nil, c.fail(OpBridgeInfo, infoPath, 0, err)
	}
	return info, nil
}

// FetchDevices returns the device list, or nil when the API answered with
// an empty list.
func (c *Client) FetchDevices(ctx context.Context) ([]model.Device, error) {
	body, err := c.get(ctx, OpDevices, devicesPath)
	if err != nil {
		return nil, err
	}
	devices, err := model.ParseDeviceList(body)
	if err != nil {
		return nil, c.fail(OpDevices, devicesPath, 0, err)
	}
	return devices, nil
}

func (c *Client) get(ctx context.Context, op, path string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveFetch(op, time.Since(start).Seconds(), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, c.fail(op, path, 0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(op, path, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, c.fail(op, path, resp.StatusCode, nil)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, c.fail(op, path, resp.StatusCode, err)
	}
	if len(body) > maxBodySize {
		return nil, c.fail(op, path, resp.StatusCode, errors.New("response body too large"))
	}
	return body, nil
}

func (c *Client) fail(op, path string, status int, err error) error {
	fe := &model.FetchError{Op: op, URL: c.baseURL + path, StatusCode: status, Err: err}
	c.log.Warn().Err(fe).Str("op", op).Msg("frontend API request failed")
	return fe
}
