// Package bus connects to the intersection's MQTT broker, subscribes to the
// telemetry topics and delivers every received message as a typed Message on
// a single channel. It knows nothing about what the messages mean.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/redlight/internal/monitoring"
	"github.com/banshee-data/redlight/internal/traffic"
)

// Topics.
const (
	TopicPhase     = "traffic/phase"
	TopicViolation = "traffic/violation"
	TopicDensity   = "traffic/density"
	TopicDistance  = "traffic/distance"
	TopicCrosswalk = "traffic/crosswalk"
	TopicOverride  = "traffic/override"
)

// Kind identifies which telemetry topic a Message arrived on.
type Kind int

const (
	KindPhase Kind = iota + 1
	KindViolation
	KindDensity
	KindDistance
	KindCrosswalk
)

var kindNames = map[Kind]string{
	KindPhase:     "phase",
	KindViolation: "violation",
	KindDensity:   "density",
	KindDistance:  "distance",
	KindCrosswalk: "crosswalk",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var topicKinds = map[string]Kind{
	TopicPhase:     KindPhase,
	TopicViolation: KindViolation,
	TopicDensity:   KindDensity,
	TopicDistance:  KindDistance,
	TopicCrosswalk: KindCrosswalk,
}

// KindForTopic maps a subscribed topic to its Kind.
func KindForTopic(topic string) (Kind, bool) {
	k, ok := topicKinds[topic]
	return k, ok
}

// Message is one telemetry message.
type Message struct {
	Kind       Kind
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// ConnState is the broker connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("bus client closed")

const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultBuffer         = 64
	DefaultDeliverTimeout = time.Second
	disconnectQuiesceMs   = 250
	subscribeTimeout      = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string

	KeepAlive time.Duration
	QoS       byte
	// Buffer is the capacity of the Messages channel.
	Buffer int
	// DeliverTimeout bounds how long a received message waits for room in a
	// full Messages channel before it is dropped. Handlers run on paho's
	// router goroutine, which also processes acks and pings.
	DeliverTimeout time.Duration
}

// ClientFactory builds the underlying paho client.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Client is the MQTT subscriber.
type Client struct {
	opts   Options
	client mqtt.Client

	state    atomic.Int32
	messages chan Message
	done     chan struct{}
	closing  sync.Once
	now      func() time.Time
}

// New builds a Client. It does not connect.
func New(opts Options) *Client {
	return NewWithFactory(opts, mqtt.NewClient)
}

// NewWithFactory builds a Client on top of the paho client returned by
// factory.
func NewWithFactory(opts Options, factory ClientFactory) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = DefaultDeliverTimeout
	}
	c := &Client{
		opts:     opts,
		messages: make(chan Message, opts.Buffer),
		done:     make(chan struct{}),
		now:      time.Now,
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetKeepAlive(opts.KeepAlive)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetCleanSession(true)
	// Phase updates must be applied in arrival order.
	po.SetOrderMatters(true)
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(c.onConnectionLost)
	po.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.state.Store(int32(Connecting))
		monitoring.Logf("mqtt: reconnecting to %s", opts.Broker)
	})

	c.client = factory(po)
	return c
}

// Messages returns the channel on which received messages are delivered.
// It is never closed; stop reading when the consumer's context is done.
func (c *Client) Messages() <-chan Message { return c.messages }

// State returns the current connection state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool { return c.State() == Connected }

// Connect starts the connection and waits for the first successful connect.
// The client retries in the background until ctx is done, in which case the
// attempt is abandoned and an error returned.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.state.Store(int32(Connecting))
	monitoring.Logf("mqtt: connecting to %s as %q", c.opts.Broker, c.opts.ClientID)
	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		c.state.Store(int32(Disconnected))
		return fmt.Errorf("connect to %s: %w", c.opts.Broker, err)
	}
	return nil
}

// onConnect runs on every (re)connect. Subscribing again to the same
// filters is harmless.
func (c *Client) onConnect(cl mqtt.Client) {
	c.state.Store(int32(Connected))
	monitoring.Logf("mqtt: connected to %s", c.opts.Broker)

	filters := make(map[string]byte, len(topicKinds))
	for topic := range topicKinds {
		filters[topic] = c.opts.QoS
	}
	token := cl.SubscribeMultiple(filters, c.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		monitoring.Logf("mqtt: subscribe timed out after %v", subscribeTimeout)
		return
	}
	if err := token.Error(); err != nil {
		monitoring.Logf("mqtt: subscribe failed: %v", err)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.state.Store(int32(Disconnected))
	monitoring.Logf("mqtt: connection lost: %v", err)
}

// onMessage waits up to DeliverTimeout for room in the Messages channel and
// drops the message after that, or as soon as the Client is closed.
func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	kind, ok := KindForTopic(m.Topic())
	if !ok {
		monitoring.Logf("mqtt: ignoring message on unexpected topic %q", m.Topic())
		return
	}
	payload := append([]byte(nil), m.Payload()...)
	msg := Message{Kind: kind, Topic: m.Topic(), Payload: payload, ReceivedAt: c.now()}
	select {
	case c.messages <- msg:
		return
	default:
	}
	timer := time.NewTimer(c.opts.DeliverTimeout)
	defer timer.Stop()
	select {
	case c.messages <- msg:
	case <-c.done:
	case <-timer.C:
		monitoring.Logf("mqtt: dropped %s message %q: consumer stalled for %v", kind, payload, c.opts.DeliverTimeout)
	}
}

// Publish sends payload on topic and waits for the broker to accept it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := wait(ctx, c.client.Publish(topic, c.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishOverride asks the phase controller to switch to phase.
func (c *Client) PublishOverride(ctx context.Context, phase traffic.Phase) error {
	if _, ok := traffic.ParsePhase(string(phase)); !ok {
		return fmt.Errorf("invalid override phase %q", phase)
	}
	return c.Publish(ctx, TopicOverride, []byte(phase))
}

// Close disconnects from the broker and releases any blocked delivery.
func (c *Client) Close() {
	c.closing.Do(func() {
		close(c.done)
		c.client.Disconnect(disconnectQuiesceMs)
		c.state.Store(int32(Disconnected))
		monitoring.Logf("mqtt: disconnected")
	})
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
