// Package mqttbus subscribes to the Zigbee2MQTT bridge topics on an MQTT
// broker and feeds them into an ingest.Dispatcher.
package mqttbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/ingest"
)

const (
	subscribeTimeout  = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Topics returns the bridge info and device list topics below baseTopic.
func Topics(baseTopic string) (info, devices string) {
	return baseTopic + "/bridge/info", baseTopic + "/bridge/devices"
}

// Config holds the broker connection settings.
type Config struct {
	Server    string
	Port      int
	User      string
	Password  string
	ClientID  string
	KeepAlive time.Duration
	// TLS switches the broker URL to ssl:// when set.
	TLS *tls.Config
}

// Broker returns the broker URL for cfg.
func (c Config) Broker() string {
	scheme := "tcp"
	if c.TLS != nil {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// Listener keeps an MQTT session open and forwards bridge messages.
type Listener struct {
	ingest.Lifecycle

	cfg        Config
	sink       ingest.Sink
	dispatcher *ingest.Dispatcher
	log        zerolog.Logger
	newClient  func(*mqtt.ClientOptions) mqtt.Client
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
		newClient:  mqtt.NewClient,
	}
}

func (l *Listener) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.Broker()).
		SetClientID(l.cfg.ClientID).
		SetUsername(l.cfg.User).
		SetPassword(l.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(l.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			l.log.Info().Msg("reconnecting to MQTT broker")
		})
	if l.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(l.cfg.KeepAlive)
	}
	if l.cfg.TLS != nil {
		opts.SetTLSConfig(l.cfg.TLS)
	}
	return opts
}

// Run connects to the broker and blocks until ctx is cancelled. A failed
// initial connection terminates the listener; later connection losses are
// retried by the client.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Terminate()

	broker := l.cfg.Broker()
	client := l.newClient(l.options())

	l.log.Info().Str("broker", broker).Msg("connecting to MQTT broker")
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(disconnectQuiesce)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		l.log.Error().Err(err).Str("broker", broker).Msg("failed to connect to MQTT broker")
		return fmt.Errorf("connect to %s: %w", broker, err)
	}

	<-ctx.Done()
	l.log.Info().Msg("disconnecting from MQTT broker")
	client.Disconnect(disconnectQuiesce)
	l.sink.SetConnected(false)
	return nil
}

// onConnect runs after every successful (re)connect. Subscriptions are
// renewed here because the session is clean.
func (l *Listener) onConnect(client mqtt.Client) {
	l.log.Info().Str("broker", l.cfg.Broker()).Msg("connected to MQTT broker")
	l.sink.SetConnected(true)

	for _, topic := range l.dispatcher.Topics() {
		token := client.Subscribe(topic, 0, l.onMessage)
		if !token.WaitTimeout(subscribeTimeout) {
			l.log.Error().Str("topic", topic).Msg("timed out subscribing")
			continue
		}
		if err := token.Error(); err != nil {
			l.log.Error().Err(err).Str("topic", topic).Msg("failed to subscribe")
			continue
		}
		l.log.Debug().Str("topic", topic).Msg("subscribed")
	}
}

func (l *Listener) onConnectionLost(_ mqtt.Client, err error) {
	l.log.Warn().Err(err).Msg("lost connection to MQTT broker")
	l.sink.SetConnected(false)
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	l.dispatcher.Dispatch(msg.Topic(), msg.Payload())
}
