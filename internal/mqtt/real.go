package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/water-sensor/internal/relay"
)

// BufferCapacity is the number of messages held while disconnected.
const BufferCapacity = 256

const publishTimeout = 5 * time.Second

// client is the part of paho.Client the publisher uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Messages published
// while the connection is down are queued and flushed on reconnect.
type RealPublisher struct {
	client client

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool // at least one successful connect
	now       func() time.Time
}

// NewRealPublisher creates a publisher connected to broker.
// The broker keeps a retained SHUTDOWN will on TopicSystem.
func NewRealPublisher(broker, clientID string) (*RealPublisher, error) {
	p := newPublisher(nil)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	c := paho.NewClient(opts)
	p.client = c

	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(c client) *RealPublisher {
	return &RealPublisher{
		client: c,
		buf:    newRingBuffer(BufferCapacity),
		now:    time.Now,
	}
}

// PublishRelay sends an applied relay write (QoS 1).
func (p *RealPublisher) PublishRelay(event relay.Event) error {
	payload, err := FormatRelayPayload(event)
	if err != nil {
		return fmt.Errorf("format relay payload: %w", err)
	}
	return p.publish(outbound{topic: TopicRelays, payload: payload, qos: 1})
}

// PublishQuality sends an evaluated reading (QoS 0).
func (p *RealPublisher) PublishQuality(event QualityEvent) error {
	payload, err := FormatQualityPayload(event)
	if err != nil {
		return fmt.Errorf("format quality payload: %w", err)
	}
	return p.publish(outbound{topic: TopicQuality, payload: payload})
}

// PublishSystem sends a lifecycle event (QoS 1).
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(outbound{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// publish sends msg, or queues it when the connection is down.
func (p *RealPublisher) publish(msg outbound) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	return p.send(msg)
}

func (p *RealPublisher) send(msg outbound) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// onConnect flushes queued messages. After the first connect it also
// announces RECONNECTED.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	queued, dropped := p.buf.drain()
	reconnect := p.connected
	p.connected = true
	p.mu.Unlock()

	if reconnect {
		log.Printf("mqtt: reconnected, flushing %d buffered messages (%d dropped)", len(queued), dropped)
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err := p.send(outbound{topic: TopicSystem, payload: payload, qos: 1}); err != nil {
			log.Printf("mqtt: %v", err)
		}
	}
	for _, msg := range queued {
		if err := p.send(msg); err != nil {
			log.Printf("mqtt: flush: %v", err)
		}
	}
}

// Buffered returns the number of queued messages.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
