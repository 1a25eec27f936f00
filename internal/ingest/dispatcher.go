package ingest

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
	"github.com/pobradovic08/zigbee-beacon/internal/stats"
)

// ErrUnknownTopic is returned for messages on topics the dispatcher does not route.
var ErrUnknownTopic = errors.New("unknown topic")

// Dispatcher decodes payloads and routes them to the Sink by topic.
type Dispatcher struct {
	sink         Sink
	infoTopic    string
	devicesTopic string
	metrics      *metrics.Collector
	log          zerolog.Logger
}

// DispatcherDeps holds the dependencies of a Dispatcher.
type DispatcherDeps struct {
	Sink         Sink
	InfoTopic    string
	DevicesTopic string
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		sink:         deps.Sink,
		infoTopic:    deps.InfoTopic,
		devicesTopic: deps.DevicesTopic,
		metrics:      deps.Metrics,
		log:          deps.Logger,
	}
}

// Topics returns the two topics the dispatcher routes.
func (d *Dispatcher) Topics() []string {
	return []string{d.infoTopic, d.devicesTopic}
}

// Handle decodes payload and stores it. The previous value is kept when
// the payload is malformed.
func (d *Dispatcher) Handle(topic string, payload []byte) error {
	switch topic {
	case d.infoTopic:
		info, err := model.ParseBridgeInfo(payload)
		if err != nil {
			return withTopic(err, topic)
		}
		d.sink.SetBridgeInfo(info)
		d.log.Info().Str("version", info.CoordinatorVersion()).Msg("updated bridge info")
	case d.devicesTopic:
		devices, err := model.ParseDeviceList(payload)
		if err != nil {
			return withTopic(err, topic)
		}
		d.sink.SetDevices(devices)
		d.log.Info().Int("devices", len(devices)).Msg("updated device list")
		if n := stats.Coordinators(devices); n != 1 {
			d.log.Warn().Int("coordinators", n).Msg("device list does not contain exactly one coordinator")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return nil
}

// Dispatch is Handle for bus callbacks: errors and panics are logged and
// never propagate to the bus client.
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncIngestMessage(topic, metrics.IngestMalformed)
			d.log.Error().Str("topic", topic).Interface("panic", r).Msg("panic while processing message")
		}
	}()

	err := d.Handle(topic, payload)
	switch {
	case err == nil:
		d.metrics.IncIngestMessage(topic, metrics.IngestOK)
	case errors.Is(err, ErrUnknownTopic):
		d.metrics.IncIngestMessage(topic, metrics.IngestIgnored)
		d.log.Debug().Str("topic", topic).Msg("ignoring message on unrouted topic")
	default:
		d.metrics.IncIngestMessage(topic, metrics.IngestMalformed)
		d.log.Error().Err(err).Str("topic", topic).Msg("error processing message")
	}
}

func withTopic(err error, topic string) error {
	var malformed *model.MalformedPayloadError
	if errors.As(err, &malformed) {
		malformed.Topic = topic
	}
	return err
}
