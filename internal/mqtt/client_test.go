package mqtt

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/buoy-tracker/mesh-ingester/internal/config"
)

type fakeSink struct {
	packets uint64
	last    time.Time
	topics  []string
}

func (f *fakeSink) Enqueue(topic string, _ []byte) { f.topics = append(f.topics, topic) }
func (f *fakeSink) PacketsReceived() uint64        { return f.packets }
func (f *fakeSink) LastPacketTime() time.Time      { return f.last }

// fakePahoClient satisfies just enough of paho.Client for status checks.
type fakePahoClient struct {
	paho.Client
	open bool
}

func (f *fakePahoClient) IsConnectionOpen() bool { return f.open }
func (f *fakePahoClient) IsConnected() bool      { return f.open }

func newStatusClient(sink Sink, allNodes bool) *Client {
	cfg := config.MQTTConfig{Broker: "b", Port: 1883, RootTopic: "msh/US", ChannelName: "LongFast"}
	return NewClient(cfg, allNodes, sink, zap.NewNop())
}

func TestStatusDisconnected(t *testing.T) {
	c := newStatusClient(&fakeSink{}, true)
	if got := c.Status(); got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected before Connect", got)
	}
}

func TestStatusConnecting(t *testing.T) {
	c := newStatusClient(&fakeSink{}, true)
	c.client = &fakePahoClient{open: false}
	if got := c.Status(); got != StatusConnecting {
		t.Errorf("status = %q, want connecting", got)
	}
}

func TestStatusConnectedNoPayload(t *testing.T) {
	c := newStatusClient(&fakeSink{}, true)
	c.client = &fakePahoClient{open: true}
	if got := c.Status(); got != StatusConnectedToServer {
		t.Errorf("status = %q, want connected_to_server", got)
	}
}

func TestStatusStalenessThresholds(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		allNodes bool
		age      time.Duration
		want     string
	}{
		{"all nodes fresh", true, time.Minute, StatusReceivingPackets},
		{"all nodes stale after 5m", true, 10 * time.Minute, StatusStaleData},
		{"special-only tolerates 10m", false, 10 * time.Minute, StatusReceivingPackets},
		{"special-only stale after 1h", false, 90 * time.Minute, StatusStaleData},
	}
	for _, tc := range cases {
		sink := &fakeSink{packets: 5, last: now.Add(-tc.age)}
		c := newStatusClient(sink, tc.allNodes)
		c.client = &fakePahoClient{open: true}
		if got := c.statusAt(now); got != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestResubscribe(t *testing.T) {
	c := newStatusClient(&fakeSink{}, true)
	if err := c.Resubscribe("MediumFast"); err == nil {
		t.Errorf("resubscribe before Connect must fail")
	}

	// same channel: no broker round trip, no error
	c.client = &fakePahoClient{open: true}
	if err := c.Resubscribe("LongFast"); err != nil {
		t.Errorf("no-op resubscribe: %v", err)
	}
}

func TestSubscriptionTopic(t *testing.T) {
	cfg := config.MQTTConfig{RootTopic: "msh/US/", ChannelName: "MediumFast"}
	if got := cfg.Topic(); got != "msh/US/MediumFast/#" {
		t.Errorf("topic = %q", got)
	}
}
