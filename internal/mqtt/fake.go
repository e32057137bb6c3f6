package mqtt

import (
	"sync"

	"github.com/sweeney/water-sensor/internal/relay"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	RelayEvents   []relay.Event
	QualityEvents []QualityEvent
	SystemEvents  []SystemEvent

	// Payloads holds every formatted payload keyed by topic.
	Payloads map[string][][]byte

	// PublishError, if set, is returned by every Publish method.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Payloads: make(map[string][][]byte)}
}

// PublishRelay records the relay event.
func (f *FakePublisher) PublishRelay(event relay.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatRelayPayload(event)
	if err != nil {
		return err
	}
	f.RelayEvents = append(f.RelayEvents, event)
	f.Payloads[TopicRelays] = append(f.Payloads[TopicRelays], payload)
	return nil
}

// PublishQuality records the quality event.
func (f *FakePublisher) PublishQuality(event QualityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatQualityPayload(event)
	if err != nil {
		return err
	}
	f.QualityEvents = append(f.QualityEvents, event)
	f.Payloads[TopicQuality] = append(f.Payloads[TopicQuality], payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.Payloads[TopicSystem] = append(f.Payloads[TopicSystem], payload)
	return nil
}

// Counts returns the number of recorded relay, quality and system events.
func (f *FakePublisher) Counts() (relays, qualities, systems int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.RelayEvents), len(f.QualityEvents), len(f.SystemEvents)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}
