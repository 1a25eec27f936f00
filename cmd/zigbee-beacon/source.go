package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/api"
	"github.com/pobradovic08/zigbee-beacon/internal/cache"
	"github.com/pobradovic08/zigbee-beacon/internal/config"
	"github.com/pobradovic08/zigbee-beacon/internal/ingest"
	"github.com/pobradovic08/zigbee-beacon/internal/ingest/mqttbus"
	"github.com/pobradovic08/zigbee-beacon/internal/ingest/natsbus"
	"github.com/pobradovic08/zigbee-beacon/internal/ingest/rest"
	"github.com/pobradovic08/zigbee-beacon/internal/logger"
	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/store"
	"github.com/pobradovic08/zigbee-beacon/internal/tlsutil"
)

// source bundles the statistics provider with the background listener
// feeding it, if any.
type source struct {
	api.Source
	listener ingest.Listener
	ready    <-chan struct{}
	closers  []func() error
}

func (s *source) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// newSource builds the statistics source for the configured mode.
func newSource(cfg *config.Config, m *metrics.Collector) (*source, error) {
	switch cfg.Source.Mode {
	case config.ModeMQTT:
		return newMQTTSource(cfg, m)
	case config.ModeNATS:
		return newNATSSource(cfg, m)
	case config.ModeREST:
		return newRESTSource(cfg, m), nil
	default:
		return nil, fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}
}

func newPushStore(transport string, m *metrics.Collector) *store.Store {
	return store.New(store.Deps{
		Transport: transport,
		Metrics:   m,
	})
}

func newDispatcher(st *store.Store, info, devices string, m *metrics.Collector) *ingest.Dispatcher {
	return ingest.NewDispatcher(ingest.DispatcherDeps{
		Sink:         st,
		InfoTopic:    info,
		DevicesTopic: devices,
		Metrics:      m,
		Logger:       logger.WithComponent("dispatcher"),
	})
}

// busTLS builds the client TLS configuration when enabled.
func busTLS(cfg tlsutil.Config, log zerolog.Logger) (*tls.Config, []func() error, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	tlsCfg, loader, err := tlsutil.NewClientTLSConfig(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("bus TLS: %w", err)
	}
	if loader == nil {
		return tlsCfg, nil, nil
	}
	return tlsCfg, []func() error{loader.Close}, nil
}

func newMQTTSource(cfg *config.Config, m *metrics.Collector) (*source, error) {
	log := logger.WithComponent("mqtt")
	tlsCfg, closers, err := busTLS(cfg.MQTT.TLS, log)
	if err != nil {
		return nil, err
	}

	st := newPushStore("MQTT", m)
	info, devices := mqttbus.Topics(cfg.MQTT.BaseTopic)
	listener := mqttbus.New(mqttbus.Deps{
		Config: mqttbus.Config{
			Server:    cfg.MQTT.Server,
			Port:      cfg.MQTT.Port,
			User:      cfg.MQTT.User,
			Password:  cfg.MQTT.Password,
			ClientID:  cfg.MQTT.ClientID,
			KeepAlive: cfg.MQTT.KeepAlive,
			TLS:       tlsCfg,
		},
		Sink:       st,
		Dispatcher: newDispatcher(st, info, devices, m),
		Logger:     log,
	})
	return &source{Source: st, listener: listener, ready: st.Ready(), closers: closers}, nil
}

func newNATSSource(cfg *config.Config, m *metrics.Collector) (*source, error) {
	log := logger.WithComponent("nats")
	tlsCfg, closers, err := busTLS(cfg.NATS.TLS, log)
	if err != nil {
		return nil, err
	}

	st := newPushStore("NATS", m)
	info, devices := natsbus.Subjects(cfg.NATS.SubjectPrefix)
	listener := natsbus.New(natsbus.Deps{
		Config: natsbus.Config{
			URL:      cfg.NATS.URL,
			User:     cfg.NATS.User,
			Password: cfg.NATS.Password,
			TLS:      tlsCfg,
		},
		Sink:       st,
		Dispatcher: newDispatcher(st, info, devices, m),
		Logger:     log,
	})
	return &source{Source: st, listener: listener, ready: st.Ready(), closers: closers}, nil
}

func newRESTSource(cfg *config.Config, m *metrics.Collector) *source {
	client := rest.New(rest.Deps{
		BaseURL: cfg.REST.BaseURL,
		Timeout: cfg.REST.RequestTimeout,
		Metrics: m,
		Logger:  logger.WithComponent("rest"),
	})
	c := cache.New(cache.Deps{
		Fetcher: client,
		Timeout: cfg.Cache.Timeout,
		Metrics: m,
		Logger:  logger.WithComponent("cache"),
	})
	return &source{Source: c}
}

// waitReady blocks until the bus connection is up or wait has elapsed.
// Serving starts either way; /health reports the connection state.
func waitReady(ctx context.Context, ready <-chan struct{}, wait time.Duration, log zerolog.Logger) {
	if ready == nil || wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ready:
		log.Info().Msg("message bus connected")
	case <-timer.C:
		log.Warn().Dur("waited", wait).Msg("message bus not connected yet, serving anyway")
	case <-ctx.Done():
	}
}
