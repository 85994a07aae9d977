package mqttd

import (
	"net"
	"sync"
	"time"
)

// socketPair opens the two connected endpoints of a wakeup channel.
// Tests swap it to account for opened endpoints.
var socketPair = openSocketPair

// wakeup lets goroutines outside the event loop poke a client: a byte
// written to w makes r readable.
type wakeup struct {
	mu   sync.Mutex
	r, w net.Conn
}

func newWakeup() (*wakeup, error) {
	r, w, err := socketPair()
	if err != nil {
		return nil, err
	}
	return &wakeup{r: r, w: w}, nil
}

// reader returns the read end, nil once closed.
func (p *wakeup) reader() net.Conn {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r
}

// signal never blocks for long; a full buffer already means a wakeup is
// pending.
func (p *wakeup) signal() {
	if p == nil {
		return
	}
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return
	}
	_ = w.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	_, _ = w.Write([]byte{0})
}

func (p *wakeup) close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	r, w := p.r, p.w
	p.r, p.w = nil, nil
	p.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
	if w != nil {
		_ = w.Close()
	}
}
