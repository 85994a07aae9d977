package mqttd

import (
	"sync"
	"time"
)

// Message is an application message routed by the broker.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type msgState int

const (
	msgQueued      msgState = iota // waiting for an in-flight slot
	msgPublish                     // ready to be written
	msgWaitPuback                  // qos 1 sent
	msgWaitPubrec                  // qos 2 sent
	msgWaitPubcomp                 // PUBREL sent
	msgWaitPubrel                  // inbound qos 2, PUBREC sent
)

type clientMessage struct {
	mid       uint16
	msg       *Message
	qos       byte
	state     msgState
	dup       bool
	timestamp time.Time
}

// messageQueue holds the in-flight and queued messages of one direction.
// Producers outside the event loop append through push, so every access
// goes through mu.
type messageQueue struct {
	mu       sync.Mutex
	inflight []*clientMessage
	queued   []*clientMessage

	inflightMaximum uint16
	inflightQuota   uint16
	maxQueued       int // 0 means unbounded
	dropped         int
}

func newMessageQueue(maximum uint16) *messageQueue {
	return &messageQueue{inflightMaximum: maximum, inflightQuota: maximum}
}

// reset frees every message and restores the in-flight window.
func (q *messageQueue) reset(maximum uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupAllLocked()
	q.inflightMaximum, q.inflightQuota = maximum, maximum
	q.dropped = 0
}

// setLimits applies the broker's window and queue bounds to an empty queue.
func (q *messageQueue) setLimits(maximum uint16, maxQueued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflightMaximum, q.inflightQuota = maximum, maximum
	q.maxQueued = maxQueued
}

func (q *messageQueue) cleanupAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanupAllLocked()
}

func (q *messageQueue) cleanupAllLocked() {
	clear(q.inflight)
	clear(q.queued)
	q.inflight, q.queued = nil, nil
	q.inflightQuota = q.inflightMaximum
}

// push queues an outbound message. QoS 0 messages and messages that fit in
// the in-flight window become ready immediately; the rest wait in queued.
// It reports false when the message was dropped.
func (q *messageQueue) push(m *clientMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m.qos == 0 || q.inflightQuota > 0 {
		if m.qos > 0 {
			q.inflightQuota--
		}
		m.state = msgPublish
		q.inflight = append(q.inflight, m)
		return true
	}
	if q.maxQueued > 0 && len(q.queued) >= q.maxQueued {
		q.dropped++
		return false
	}
	m.state = msgQueued
	q.queued = append(q.queued, m)
	return true
}

// hold keeps an inbound qos 2 message until its PUBREL arrives. A
// retransmitted PUBLISH with the same mid replaces the stored one.
func (q *messageQueue) hold(m *clientMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m.state = msgWaitPubrel
	for i, old := range q.inflight {
		if old.mid == m.mid {
			q.inflight[i] = m
			return
		}
	}
	if q.inflightQuota > 0 {
		q.inflightQuota--
	}
	q.inflight = append(q.inflight, m)
}

// ready returns the in-flight messages waiting to be written.
func (q *messageQueue) ready() []*clientMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*clientMessage
	for _, m := range q.inflight {
		if m.state == msgPublish {
			out = append(out, m)
		}
	}
	return out
}

// sent advances m after it was written and drops finished qos 0 entries.
func (q *messageQueue) sent(m *clientMessage, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m.timestamp = now
	switch m.qos {
	case 0:
		q.removeLocked(m.mid, m)
	case 1:
		m.state = msgWaitPuback
	case 2:
		m.state = msgWaitPubrec
	}
}

func (q *messageQueue) setState(m *clientMessage, s msgState, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m.state, m.timestamp = s, now
}

func (q *messageQueue) find(mid uint16) (*clientMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.inflight {
		if m.qos > 0 && m.mid == mid {
			return m, true
		}
	}
	return nil, false
}

// remove completes the flow for mid, returns its slot to the window and
// promotes queued messages into it.
func (q *messageQueue) remove(mid uint16) (*clientMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.inflight {
		if m.qos > 0 && m.mid == mid {
			q.removeLocked(mid, m)
			return m, true
		}
	}
	return nil, false
}

func (q *messageQueue) removeLocked(mid uint16, target *clientMessage) {
	for i, m := range q.inflight {
		if m == target {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			break
		}
	}
	if target.qos > 0 && q.inflightQuota < q.inflightMaximum {
		q.inflightQuota++
	}
	for len(q.queued) > 0 && q.inflightQuota > 0 {
		next := q.queued[0]
		q.queued = q.queued[1:]
		if next.qos > 0 {
			q.inflightQuota--
		}
		next.state = msgPublish
		q.inflight = append(q.inflight, next)
	}
}

// expired returns messages whose acknowledgement is overdue.
func (q *messageQueue) expired(now time.Time, retry time.Duration) []*clientMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*clientMessage
	for _, m := range q.inflight {
		switch m.state {
		case msgWaitPuback, msgWaitPubrec, msgWaitPubcomp:
			if now.Sub(m.timestamp) >= retry {
				out = append(out, m)
			}
		}
	}
	return out
}

// requeue marks every unacknowledged message for resend, used when a
// persistent session gets a new socket.
func (q *messageQueue) requeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.inflight {
		switch m.state {
		case msgWaitPuback, msgWaitPubrec:
			m.state, m.dup = msgPublish, true
		case msgWaitPubcomp:
			m.timestamp = time.Time{} // PUBREL goes out on the next retry pass
		}
	}
}

func (q *messageQueue) len() (inflight, queued int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight), len(q.queued)
}

func (q *messageQueue) quota() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflightQuota
}

// messages returns every stored message in send order.
func (q *messageQueue) messages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, 0, len(q.inflight)+len(q.queued))
	for _, m := range q.inflight {
		out = append(out, m.msg)
	}
	for _, m := range q.queued {
		out = append(out, m.msg)
	}
	return out
}
