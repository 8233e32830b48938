// Package mqttclient mirrors bus events to an MQTT broker and accepts
// simple commands on <prefix>/cmd/<name>.
package mqttclient

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/avatar-engine/internal/events"
)

// CommandHandler receives a command name ("say", "stop") and its payload.
type CommandHandler func(cmd string, payload []byte)

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
	handler   atomic.Pointer[CommandHandler]
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// SetCommandHandler installs the handler for <prefix>/cmd/# messages.
func (c *Client) SetCommandHandler(h CommandHandler) {
	c.handler.Store(&h)
}

// Mirror publishes every event from bus to <prefix>/<type>.
func (c *Client) Mirror(bus *events.Bus) {
	bus.OnPublish(c.PublishEvent)
}

// PublishEvent sends e as JSON. It never blocks the caller; events are
// dropped while disconnected.
func (c *Client) PublishEvent(e events.Event) {
	if !c.connected.Load() {
		c.log.Debug().Str("type", e.Type).Msg("mqtt disconnected, event not mirrored")
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	topic := c.prefix + "/" + e.Type
	token := c.conn.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (c *Client) commandFilter() string {
	return c.prefix + "/cmd/#"
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected, subscribing to commands")

	token := client.Subscribe(c.commandFilter(), 0, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.dispatch(msg.Topic(), msg.Payload())
}

func (c *Client) dispatch(topic string, payload []byte) {
	cmd, ok := parseCommand(c.prefix, topic)
	if !ok {
		c.log.Debug().
			Str("topic", topic).
			Int("payload_size", len(payload)).
			Msg("mqtt message ignored")
		return
	}
	if h := c.handler.Load(); h != nil {
		(*h)(cmd, payload)
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// parseCommand extracts the command name from <prefix>/cmd/<name>.
func parseCommand(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/cmd/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func normalizePrefix(raw string) string {
	p := strings.Trim(strings.TrimSpace(raw), "/")
	if p == "" {
		return "avatar"
	}
	return p
}
