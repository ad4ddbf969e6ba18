// Package mqtt is the MQTT-facing gateway front: it publishes telemetry
// readings and bridge availability, announces the device to Home Assistant
// via MQTT discovery, and accepts alias commands over command topics.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/monitor"
)

// Submitter executes an alias command and returns the device response.
// *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, alias string) (string, error)
}

// Config holds the MQTT front settings.
type Config struct {
	// Broker is the MQTT broker host.
	Broker string
	// Port is the MQTT broker port.
	Port int
	// Username and Password authenticate against the broker. Both empty
	// disables authentication.
	Username string
	Password string
	// ClientID identifies this bridge to the broker.
	ClientID string
	// BaseTopic is the root of all bridge topics, e.g. "nano_pk".
	BaseTopic string
	// QoS is the quality of service for all publishes (0 or 1).
	QoS byte
	// Retain controls whether telemetry publishes are retained.
	Retain bool
	// DiscoveryPrefix is the Home Assistant discovery topic prefix.
	// Empty disables discovery. Typically "homeassistant".
	DiscoveryPrefix string
	// DeviceName is the device display name used in discovery payloads.
	DeviceName string
	// ConnectTimeout bounds the initial broker connection.
	ConnectTimeout time.Duration
	// CommandTimeout bounds one command round trip initiated over MQTT.
	CommandTimeout time.Duration
}

// Client is the MQTT gateway front.
type Client struct {
	cfg        Config
	client     paho.Client
	dispatcher Submitter
	channels   alias.ChannelMap
	logger     logger.Logger

	// availCh carries the latest availability state to its worker; keeping
	// the publish off the caller matters because the session invokes the
	// availability hook from its state-change path.
	availCh  chan bool
	done     chan struct{}
	stopOnce sync.Once
}

var _ monitor.Publisher = (*Client)(nil)

// NewClient creates the MQTT front. Call Start to connect.
func NewClient(cfg Config, dispatcher Submitter, channels alias.ChannelMap, l logger.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "nanogate"
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "nanogate"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "nanogate device"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		dispatcher: dispatcher,
		channels:   channels,
		logger:     l,
		availCh:    make(chan bool, 1),
		done:       make(chan struct{}),
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWill(c.statusTopic(), payloadOffline, cfg.QoS, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("broker connection lost", "error", err)
		})

	if cfg.Username != "" || cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = paho.NewClient(opts)

	return c
}

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Start connects to the broker. Subscriptions and the birth message are
// (re-)established by the on-connect handler, so they survive broker
// reconnects.
func (c *Client) Start() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return errors.New("mqtt: broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: broker connect: %w", err)
	}

	c.logger.Info("connected to broker", "broker", c.cfg.Broker, "port", c.cfg.Port)

	go c.availabilityLoop()

	return nil
}

// Stop publishes the offline status and disconnects from the broker.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })

	if c.client.IsConnected() {
		c.publish(c.statusTopic(), payloadOffline, true)
		c.client.Disconnect(250)
	}
}

// onConnect runs on every (re-)connection to the broker.
func (c *Client) onConnect(_ paho.Client) {
	c.publish(c.statusTopic(), payloadOnline, true)

	if err := c.subscribeCommands(); err != nil {
		c.logger.Error("failed to subscribe command topic", "error", err)
	}

	if c.cfg.DiscoveryPrefix != "" {
		c.publishDiscovery()
	}
}

// PublishReading publishes one changed telemetry reading to its channel
// topic. It satisfies monitor.Publisher.
func (c *Client) PublishReading(r monitor.Reading) error {
	topic := c.cfg.BaseTopic + "/" + r.Channel.TopicName()

	return c.publish(topic, fmt.Sprint(r.Value), c.cfg.Retain)
}

// PublishAvailability records the bridge availability for the worker to
// publish. The run loop calls it from the session state handler so consumers
// see the device go offline while the gateway reconnects; it never blocks,
// and a rapid flap collapses to the latest state.
func (c *Client) PublishAvailability(online bool) {
	for {
		select {
		case c.availCh <- online:
			return
		default:
		}

		// replace the stale pending state with the current one
		select {
		case <-c.availCh:
		default:
		}
	}
}

// availabilityLoop publishes availability states off the caller's goroutine.
func (c *Client) availabilityLoop() {
	for {
		select {
		case <-c.done:
			return

		case online := <-c.availCh:
			payload := payloadOffline
			if online {
				payload = payloadOnline
			}

			if err := c.publish(c.statusTopic(), payload, true); err != nil {
				c.logger.Warn("failed to publish availability", "error", err)
			}
		}
	}
}

func (c *Client) statusTopic() string {
	return c.cfg.BaseTopic + "/status"
}

func (c *Client) publish(topic string, payload string, retain bool) error {
	token := c.client.Publish(topic, c.cfg.QoS, retain, payload)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt: publish timeout on %s", topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish on %s: %w", topic, err)
	}

	return nil
}
