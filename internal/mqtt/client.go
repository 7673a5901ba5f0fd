// Package mqtt maintains the broker subscription feeding the ingest
// pipeline. Reconnects are delegated to the paho client; this layer keeps
// exactly one logical subscription alive across them and reports liveness.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/config"
	"github.com/buoy-tracker/mesh-ingester/internal/metrics"
)

// Liveness states reported by Status.
const (
	StatusReceivingPackets  = "receiving_packets"
	StatusStaleData         = "stale_data"
	StatusConnectedToServer = "connected_to_server"
	StatusConnecting        = "connecting"
	StatusDisconnected      = "disconnected"
)

// Staleness thresholds: an all-nodes subscription sees constant chatter, a
// special-only one may be quiet for most of an hour.
const (
	staleAllNodes    = 5 * time.Minute
	staleSpecialOnly = 60 * time.Minute
)

// Sink receives raw messages and reports decode progress for liveness.
type Sink interface {
	Enqueue(topic string, payload []byte)
	PacketsReceived() uint64
	LastPacketTime() time.Time
}

type Client struct {
	cfg      config.MQTTConfig
	sink     Sink
	logger   *zap.Logger
	allNodes bool

	mu     sync.Mutex
	client paho.Client
	topic  string
}

func NewClient(cfg config.MQTTConfig, allNodes bool, sink Sink, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, sink: sink, logger: logger, allNodes: allNodes, topic: cfg.Topic()}
}

// Connect dials the broker and installs the subscription. The paho client
// reconnects on its own afterwards; OnConnect re-subscribes every time.
func (c *Client) Connect() error {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port))
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(cl paho.Client) {
		metrics.MQTTConnected.Set(1)
		c.mu.Lock()
		topic := c.topic
		c.mu.Unlock()
		c.logger.Info("broker connected, subscribing", zap.String("topic", topic))
		if token := cl.Subscribe(topic, 0, c.onMessage); token.Wait() && token.Error() != nil {
			c.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		metrics.MQTTConnected.Set(0)
		c.logger.Warn("broker connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("mqtt: connect to %s:%d timed out", c.cfg.Broker, c.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s:%d: %w", c.cfg.Broker, c.cfg.Port, err)
	}
	return nil
}

// onMessage runs on the paho network loop; it must only hand off.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.sink.Enqueue(msg.Topic(), msg.Payload())
}

// Resubscribe swaps the live subscription to a new channel without tearing
// down the connection.
func (c *Client) Resubscribe(channelName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return fmt.Errorf("mqtt: not connected")
	}
	newCfg := c.cfg
	newCfg.ChannelName = channelName
	newTopic := newCfg.Topic()
	if newTopic == c.topic {
		return nil
	}
	if token := c.client.Unsubscribe(c.topic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: unsubscribe %s: %w", c.topic, token.Error())
	}
	if token := c.client.Subscribe(newTopic, 0, c.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", newTopic, token.Error())
	}
	c.logger.Info("subscription moved", zap.String("from", c.topic), zap.String("to", newTopic))
	c.cfg.ChannelName = channelName
	c.topic = newTopic
	return nil
}

// Status classifies connection liveness for the status endpoint.
func (c *Client) Status() string {
	return c.statusAt(time.Now())
}

func (c *Client) statusAt(now time.Time) string {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return StatusDisconnected
	}
	if !client.IsConnectionOpen() {
		return StatusConnecting
	}
	if c.sink.PacketsReceived() == 0 {
		return StatusConnectedToServer
	}
	threshold := staleSpecialOnly
	if c.allNodes {
		threshold = staleAllNodes
	}
	if now.Sub(c.sink.LastPacketTime()) < threshold {
		return StatusReceivingPackets
	}
	return StatusStaleData
}

// Close disconnects from the broker, allowing a short flush window.
func (c *Client) Close() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	metrics.MQTTConnected.Set(0)
}
