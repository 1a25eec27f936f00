// Package natsbus subscribes to the Zigbee2MQTT bridge subjects on a NATS
// server, as exposed by the NATS MQTT gateway.
package natsbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/ingest"
)

const (
	connectionName = "zigbee-beacon"
	reconnectWait  = 2 * time.Second
)

// Subjects returns the bridge info and device list subjects below prefix.
func Subjects(prefix string) (info, devices string) {
	return prefix + ".bridge.info", prefix + ".bridge.devices"
}

// Config holds the NATS connection settings.
type Config struct {
	URL      string
	User     string
	Password string
	TLS      *tls.Config
}

// Listener keeps a NATS connection open and forwards bridge messages.
type Listener struct {
	ingest.Lifecycle

	cfg        Config
	sink       ingest.Sink
	dispatcher *ingest.Dispatcher
	log        zerolog.Logger
}

// Deps holds the dependencies of a Listener.
type Deps struct {
	Config     Config
	Sink       ingest.Sink
	Dispatcher *ingest.Dispatcher
	Logger     zerolog.Logger
}

var _ ingest.Listener = (*Listener)(nil)

func New(deps Deps) *Listener {
	return &Listener{
		cfg:        deps.Config,
		sink:       deps.Sink,
		dispatcher: deps.Dispatcher,
		log:        deps.Logger,
	}
}

func (l *Listener) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(connectionName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := l.log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.log.Warn().Err(err).Msg("disconnected from NATS")
			l.sink.SetConnected(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
			l.sink.SetConnected(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			l.sink.SetConnected(false)
		}),
	}
	if l.cfg.User != "" {
		opts = append(opts, nats.UserInfo(l.cfg.User, l.cfg.Password))
	}
	if l.cfg.TLS != nil {
		opts = append(opts, nats.Secure(l.cfg.TLS))
	}
	return opts
}

// Run connects, subscribes to both subjects and blocks until ctx is
// cancelled. Subscriptions are restored by the client after a reconnect.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Terminate()

	l.log.Info().Str("url", l.cfg.URL).Msg("connecting to NATS")
	nc, err := nats.Connect(l.cfg.URL, l.options()...)
	if err != nil {
		l.log.Error().Err(err).Str("url", l.cfg.URL).Msg("failed to connect to NATS")
		return fmt.Errorf("connect to %s: %w", l.cfg.URL, err)
	}
	defer nc.Close()

	for _, subject := range l.dispatcher.Topics() {
		if _, err := nc.Subscribe(subject, l.onMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		l.log.Debug().Str("subject", subject).Msg("subscribed")
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	l.log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	l.sink.SetConnected(true)

	<-ctx.Done()
	l.log.Info().Msg("disconnecting from NATS")
	if err := nc.Drain(); err != nil {
		l.log.Warn().Err(err).Msg("failed to drain NATS connection")
	}
	l.sink.SetConnected(false)
	return nil
}

func (l *Listener) onMessage(msg *nats.Msg) {
	l.dispatcher.Dispatch(msg.Subject, msg.Data)
}
