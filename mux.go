package mqttd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"golang.org/x/sync/errgroup"
)

type eventKind int

const (
	evAccept  eventKind = iota // new socket on a listener
	evPacket                   // decoded control packet
	evClosed                   // read side of a socket failed
	evWakeup                   // Enqueue from outside the loop
	evPublish                  // Broker.Publish and log topic lines
)

type event struct {
	kind   eventKind
	conn   net.Conn
	ls     ListenerSocket
	pkt    packets.ControlPacket
	err    error
	handle uint64
	msg    *Message
}

// mux turns the listening sockets, client sockets and wakeup channels
// into one stream of events consumed by the broker loop. Its goroutines
// only forward; they never touch a Client.
type mux struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	events chan event

	mu       sync.Mutex
	watching map[*wakeup]struct{}
}

const eventBacklog = 1024

func newMux(socks []ListenerSocket) (*mux, error) {
	if len(socks) == 0 {
		return nil, fmt.Errorf("%w: no listening sockets to watch", ErrInvalid)
	}
	for _, ls := range socks {
		if ls.Sock == nil {
			return nil, fmt.Errorf("%w: listener %s has no socket", ErrInvalid, ls.Listener)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &mux{
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, eventBacklog),
		watching: make(map[*wakeup]struct{}),
	}
	for _, ls := range socks {
		m.group.Go(func() error {
			m.accept(ls)
			return nil
		})
	}
	return m, nil
}

func (m *mux) send(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// trySend never blocks; it drops ev when the loop is behind.
func (m *mux) trySend(ev event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		return false
	}
}

func (m *mux) accept(ls ListenerSocket) {
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := ls.Sock.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.ctx.Err() != nil {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			log.Printf("accept error: listener=%s, err=%v; retrying in %v", ls.Listener, err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-m.ctx.Done():
				return
			}
			continue
		}
		tempDelay = 0
		if !m.send(event{kind: evAccept, conn: conn, ls: ls}) {
			_ = conn.Close()
			return
		}
	}
}

// read decodes packets from conn until it fails. The last event for a
// socket is always evClosed unless the mux is closing.
func (m *mux) read(conn net.Conn) {
	m.group.Go(func() error {
		r := bufio.NewReader(conn)
		for {
			pkt, err := packets.ReadPacket(r)
			if err != nil {
				m.send(event{kind: evClosed, conn: conn, err: err})
				return nil
			}
			stat.PacketReceived.Inc()
			if !m.send(event{kind: evPacket, conn: conn, pkt: pkt}) {
				return nil
			}
		}
	})
}

// watch forwards wakeups of w as evWakeup for handle. A wakeup is
// watched at most once; the goroutine ends when w is closed.
func (m *mux) watch(w *wakeup, handle uint64) {
	r := w.reader()
	if r == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.watching[w]; ok {
		m.mu.Unlock()
		return
	}
	m.watching[w] = struct{}{}
	m.mu.Unlock()

	m.group.Go(func() error {
		defer m.forget(w)
		buf := make([]byte, 64)
		for {
			if _, err := r.Read(buf); err != nil {
				return nil
			}
			if !m.send(event{kind: evWakeup, handle: handle}) {
				return nil
			}
		}
	})
}

func (m *mux) forget(w *wakeup) {
	m.mu.Lock()
	delete(m.watching, w)
	m.mu.Unlock()
}

func (m *mux) watched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watching)
}

// close stops forwarding and waits for every goroutine. Listening sockets,
// client sockets and wakeups must already be closed. Sockets accepted but
// never handled are closed here.
func (m *mux) close() {
	m.cancel()
	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()
	for {
		select {
		case ev := <-m.events:
			ev.discard()
		case <-done:
			for {
				select {
				case ev := <-m.events:
					ev.discard()
				default:
					return
				}
			}
		}
	}
}

func (ev event) discard() {
	if ev.kind == evAccept && ev.conn != nil {
		_ = ev.conn.Close()
	}
}
