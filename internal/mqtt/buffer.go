package mqtt

import "log"

// outbound is a serialized message held for replay after reconnection.
type outbound struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO of messages queued while the broker
// is unreachable. When full, the oldest message is overwritten.
// Not safe for concurrent use.
type ringBuffer struct {
	slots   []outbound
	next    int // next write position
	count   int
	dropped int // overwritten since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{slots: make([]outbound, capacity)}
}

func (r *ringBuffer) push(msg outbound) {
	r.slots[r.next] = msg
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
		return
	}
	if r.dropped == 0 {
		log.Printf("mqtt: buffer full (%d messages), dropping oldest", len(r.slots))
	}
	r.dropped++
}

// drain returns the queued messages oldest first and the number dropped
// since the previous drain, then empties the buffer.
func (r *ringBuffer) drain() ([]outbound, int) {
	dropped := r.dropped
	r.dropped = 0
	if r.count == 0 {
		return nil, dropped
	}

	out := make([]outbound, 0, r.count)
	start := (r.next - r.count + len(r.slots)) % len(r.slots)
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(start+i)%len(r.slots)])
	}
	r.count = 0
	r.next = 0
	return out, dropped
}

func (r *ringBuffer) len() int {
	return r.count
}
