package mqttd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-io/mqttd/persist"
	"github.com/golang-io/mqttd/topic"
)

// A Broker accepts MQTT clients on its listeners and routes messages
// between them. All client state is owned by the goroutine running Run.
type Broker struct {
	config  *Config
	options Options

	state   atomic.Int32
	started atomic.Bool

	store    persist.Store
	security Security
	log      *Logger
	registry *Registry
	mux      *mux

	mu         sync.RWMutex
	clients    map[uint64]*Client // owning collection
	byID       map[string]uint64
	bySock     map[net.Conn]uint64
	handlers   map[uint64]func(*Message)
	nextHandle uint64
	disused    []*Client

	subs     *topic.Trie[uint64]
	retained map[string]*Message
	delayed  []*delayedWill

	reload atomic.Bool
	backup atomic.Bool
	tree   atomic.Bool

	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	lastPeriodic time.Time

	pidWritten     bool
	storeOpen      bool
	securityInited bool
}

type delayedWill struct {
	clientID string
	will     *Will
	at       time.Time
}

func NewBroker(cfg *Config, opts ...Option) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	options := newOptions(opts...)
	return &Broker{
		config:   cfg,
		options:  options,
		store:    options.Store,
		security: options.Security,
		registry: NewRegistry(options.Listen),
		clients:  make(map[uint64]*Client),
		byID:     make(map[string]uint64),
		bySock:   make(map[net.Conn]uint64),
		handlers: make(map[uint64]func(*Message)),
		subs:     topic.NewTrie[uint64](),
		retained: make(map[string]*Message),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (b *Broker) State() BrokerState {
	return BrokerState(b.state.Load())
}

// Ready is closed once the broker is running.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Done is closed when the broker stops accepting work.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Listeners returns a copy of the open listening sockets. It is empty
// before Ready is closed and again once shutdown has stopped the
// listeners; it is safe to call from any goroutine.
func (b *Broker) Listeners() []ListenerSocket {
	return b.registry.Sockets()
}

// Stop cancels a running broker. Run returns after shutdown completes.
func (b *Broker) Stop() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// notifyContext installs the interrupt handling of Run. Tests swap it.
var notifyContext = signal.NotifyContext

// Run starts the broker and blocks until ctx is cancelled or Stop is
// called. A failed startup stage returns a *StartupError after the stages
// already completed are undone. Run may be called once.
func (b *Broker) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrBrokerClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.start(ctx); err != nil {
		b.state.Store(int32(BrokerStopped))
		close(b.done)
		return err
	}

	// signals keep their default action until every stage is up
	if b.options.Signals {
		var stop context.CancelFunc
		ctx, stop = notifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		defer b.notifySignals(ctx)()
	}
	b.state.Store(int32(BrokerRunning))
	b.log.Printf(LogNotice, "mqttd version %s running", Version())
	close(b.ready)

	b.loop(ctx)

	b.shutdown()
	return nil
}

func (b *Broker) start(ctx context.Context) error {
	b.state.Store(int32(BrokerInit))
	if err := writePidFile(b.config.PidFile); err != nil {
		return b.fail(StagePidFile, err)
	}
	b.pidWritten = b.config.PidFile != ""

	if err := b.openPersistence(ctx); err != nil {
		return b.fail(StagePersistence, err)
	}

	logger, err := NewLogger(b.config.Log)
	if err != nil {
		return b.fail(StageLogging, err)
	}
	b.log = logger
	b.log.setTopicSink(b.publishLog)
	for _, c := range b.clients {
		c.log = b.log
	}
	b.log.Printf(LogNotice, "mqttd version %s starting", Version())

	if err := b.initSecurity(ctx); err != nil {
		return b.fail(StageSecurity, err)
	}

	b.state.Store(int32(BrokerListening))
	if err := b.startListeners(); err != nil {
		return b.fail(StageListeners, err)
	}
	stat.ListenerSockets.Set(float64(b.registry.Len()))

	m, err := newMux(b.registry.Sockets())
	if err != nil {
		return b.fail(StageMux, err)
	}
	b.mux = m
	for _, c := range b.snapshot() {
		m.watch(c.wake.Load(), c.handle)
	}
	return nil
}

// fail logs the failed stage and undoes every stage that completed before
// it, most recent first.
func (b *Broker) fail(stage Stage, err error) error {
	b.log.Printf(LogErr, "Error: startup failed at %s: %v", stage, err)
	if stage > StageListeners {
		_ = b.registry.Stop()
		stat.ListenerSockets.Set(0)
	}
	if stage > StageSecurity && b.securityInited {
		if cerr := b.security.Cleanup(); cerr != nil {
			b.log.Printf(LogWarning, "Warning: security cleanup: %v", cerr)
		}
		b.securityInited = false
	}
	for _, c := range b.snapshot() {
		c.Destroy()
	}
	b.mu.Lock()
	clear(b.clients)
	clear(b.byID)
	clear(b.bySock)
	b.mu.Unlock()
	b.closePersistence()
	b.removePid()
	if b.log != nil {
		_ = b.log.Close()
	}
	return &StartupError{Stage: stage, Err: err}
}

// openPersistence opens the session store and restores every stored
// session as a disconnected context.
func (b *Broker) openPersistence(ctx context.Context) error {
	if b.store == nil {
		if !b.config.Persistence.Enabled {
			return nil
		}
		b.store = persist.NewBadger(persist.BadgerOptions{
			Dir:      b.config.Persistence.Location,
			InMemory: b.config.Persistence.InMemory,
		})
	}
	if err := b.store.Open(ctx); err != nil {
		return err
	}
	b.storeOpen = true
	for s, err := range b.store.Sessions(ctx) {
		if err != nil {
			return fmt.Errorf("restore sessions: %w", err)
		}
		b.restoreSession(s)
	}
	return nil
}

func (b *Broker) restoreSession(s *persist.Session) {
	c, err := NewClient(&s.ID, false, nil)
	if err != nil {
		b.log.Printf(LogWarning, "Warning: skipping stored session: clientId=%q, err=%v", s.ID, err)
		return
	}
	c.log = b.log
	c.username = s.Username
	c.sessionExpiry = time.Duration(s.ExpiryInterval) * time.Second
	c.disconnectedAt = s.SavedAt
	if s.Will != nil {
		c.will = &Will{
			Topic:   s.Will.Topic,
			Payload: s.Will.Payload,
			QoS:     s.Will.QoS,
			Retain:  s.Will.Retain,
			Delay:   time.Duration(s.Will.Delay) * time.Second,
		}
	}
	c.msgsOut.setLimits(b.config.inflightMaximum(), b.config.MaxQueuedMessages)
	for _, m := range s.Messages {
		cm := &clientMessage{
			msg: &Message{Topic: m.Topic, Payload: m.Payload, QoS: m.QoS, Retain: m.Retain},
			qos: m.QoS,
		}
		if cm.qos > 0 {
			cm.mid = c.nextMid()
		}
		c.msgsOut.push(cm)
	}
	c.setState(StateDisconnected)
	b.track(c)
	b.mu.Lock()
	b.byID[c.id] = c.handle
	b.mu.Unlock()
	for _, sub := range s.Subscriptions {
		if err := b.subs.Subscribe(sub.Filter, c.handle, sub.QoS); err != nil {
			b.log.Printf(LogWarning, "Warning: stored subscription dropped: clientId=%s, filter=%q, err=%v", c.id, sub.Filter, err)
		}
	}
}

// initSecurity runs the security module's init and associates ACLs with
// every restored session that has a username. Association failures are
// warnings; the session simply has no rules until it reconnects.
func (b *Broker) initSecurity(ctx context.Context) error {
	if b.security == nil {
		b.security = &PasswordSecurity{
			Users:        b.config.Auth,
			PasswordFile: b.config.PasswordFile,
			ACL:          b.config.ACL,
		}
	}
	if err := b.security.Init(ctx); err != nil {
		return err
	}
	b.securityInited = true
	b.associateACLs()
	return nil
}

func (b *Broker) associateACLs() {
	for _, c := range b.snapshot() {
		if c.username == "" {
			continue
		}
		if err := b.security.FindACLs(c); err != nil {
			b.log.Printf(LogWarning, "Warning: failed to associate ACLs: clientId=%s, username=%s, err=%v", c.id, c.username, err)
		}
	}
}

func (b *Broker) closePersistence() {
	if !b.storeOpen {
		return
	}
	b.storeOpen = false
	if err := b.store.Close(); err != nil {
		b.log.Printf(LogWarning, "Warning: close persistence: %v", err)
	}
}

func (b *Broker) removePid() {
	if !b.pidWritten {
		return
	}
	b.pidWritten = false
	if err := removePidFile(b.config.PidFile); err != nil {
		b.log.Printf(LogWarning, "Warning: remove pid file: %v", err)
	}
}

func (b *Broker) loop(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.mux.events:
			b.handle(ev)
		case <-tick.C:
		}
		if now := time.Now(); now.Sub(b.lastPeriodic) >= time.Second {
			b.periodic(now)
			b.lastPeriodic = now
		}
		b.freeDisused()
	}
}

func (b *Broker) handle(ev event) {
	switch ev.kind {
	case evAccept:
		b.accept(ev.conn, ev.ls)
	case evPacket:
		if c := b.clientBySock(ev.conn); c != nil {
			b.handlePacket(c, ev.pkt)
		}
	case evClosed:
		if c := b.clientBySock(ev.conn); c != nil {
			if c.State() == StateConnected {
				c.logf(LogNotice, "Client %s closed its connection: err=%v", c.id, ev.err)
			}
			b.disconnect(c, false)
		}
	case evWakeup:
		b.mu.RLock()
		c := b.clients[ev.handle]
		b.mu.RUnlock()
		if c != nil {
			b.flush(c)
		}
	case evPublish:
		b.publish(ev.msg)
	}
}

// periodic runs the time driven work: keepalive, retransmission, delayed
// wills, session expiry and the signal flags.
func (b *Broker) periodic(now time.Time) {
	retry := b.config.retryInterval()
	for _, c := range b.snapshot() {
		switch c.State() {
		case StateConnecting, StateConnected:
			if c.keepalive > 0 && now.Sub(c.lastMsgIn) > c.keepalive*3/2 {
				c.logf(LogNotice, "Client %s has exceeded timeout, disconnecting.", c.id)
				b.disconnect(c, false)
				continue
			}
			if c.State() == StateConnected {
				b.retry(c, now, retry)
				b.flush(c)
			}
		case StateDisconnected:
			if c.sessionExpiry > 0 && now.Sub(c.disconnectedAt) >= c.sessionExpiry {
				b.expireSession(c)
			}
		}
	}
	b.sendDelayedWills(now, false)

	if b.reload.Swap(false) {
		b.log.Printf(LogNotice, "Reloading security configuration.")
		if err := b.security.Reload(context.Background()); err != nil {
			b.log.Printf(LogErr, "Error: security reload: %v", err)
		} else {
			b.associateACLs()
		}
	}
	if b.backup.Swap(false) {
		b.backupSessions()
	}
	if b.tree.Swap(false) {
		var sb strings.Builder
		b.subs.Print(&sb)
		b.log.Printf(LogNotice, "Subscription tree:\n%s", sb.String())
	}
}

// shutdown releases everything in a fixed order. Failures are logged and
// never stop the remaining steps.
func (b *Broker) shutdown() {
	b.state.Store(int32(BrokerStopping))
	close(b.done)
	b.log.Printf(LogNotice, "mqttd version %s terminating", Version())

	// wills go out while every subscriber socket is still open
	for _, c := range b.indexed(true, false) {
		if c.will != nil {
			w := c.will
			c.will = nil
			b.sendWill(c.id, w)
		}
	}
	b.sendDelayedWills(time.Now(), true)
	b.releaseSessions(time.Now())

	if err := b.registry.Stop(); err != nil {
		b.log.Printf(LogWarning, "Warning: stop listeners: %v", err)
	}
	stat.ListenerSockets.Set(0)

	for _, c := range b.indexed(true, true) {
		if c.sock != nil {
			stat.ActiveConnections.Dec()
		}
		c.Destroy()
	}
	b.mu.Lock()
	clear(b.clients)
	clear(b.byID)
	clear(b.bySock)
	b.mu.Unlock()
	b.freeDisused()
	b.mux.close()
	stat.Sessions.Set(0)

	b.closePersistence()
	if b.securityInited {
		if err := b.security.Cleanup(); err != nil {
			b.log.Printf(LogWarning, "Warning: security cleanup: %v", err)
		}
		b.securityInited = false
	}
	b.removePid()
	_ = b.log.Close()
	b.state.Store(int32(BrokerStopped))
}

// releaseSessions expires the disconnected sessions that are due and
// writes every other persistent session back to the store before it is
// freed.
func (b *Broker) releaseSessions(now time.Time) {
	for _, c := range b.snapshot() {
		switch c.State() {
		case StateDisconnected:
			if c.sessionExpiry > 0 && now.Sub(c.disconnectedAt) >= c.sessionExpiry {
				b.expireSession(c)
				continue
			}
			b.saveSession(c)
		case StateConnected:
			b.saveSession(c)
		}
	}
	if b.storeOpen {
		if err := b.store.Sync(); err != nil {
			b.log.Printf(LogWarning, "Warning: sync persistence: %v", err)
		}
	}
}

// Publish routes msg from outside the broker. It is safe from any
// goroutine and returns before delivery.
func (b *Broker) Publish(msg *Message) error {
	if msg == nil || !topic.ValidName(msg.Topic) || msg.QoS > 2 {
		return ErrInvalid
	}
	if b.State() != BrokerRunning {
		return ErrBrokerClosed
	}
	m := *msg
	m.Payload = append([]byte(nil), msg.Payload...)
	select {
	case b.mux.events <- event{kind: evPublish, msg: &m}:
		return nil
	case <-b.done:
		return ErrBrokerClosed
	}
}

// publishLog is the sink of the "topic" log destination.
func (b *Broker) publishLog(name string, payload []byte) {
	if b.State() != BrokerRunning || b.mux == nil {
		return
	}
	b.mux.trySend(event{kind: evPublish, msg: &Message{Topic: name, Payload: payload}})
}

// Subscribe delivers messages matching filter to fn until the returned
// function is called. fn runs on the broker loop and must not block.
func (b *Broker) Subscribe(filter string, qos byte, fn func(*Message)) (unsubscribe func(), err error) {
	if fn == nil || qos > 2 {
		return nil, ErrInvalid
	}
	b.mu.Lock()
	b.nextHandle++
	h := b.nextHandle
	b.handlers[h] = fn
	b.mu.Unlock()
	if err := b.subs.Subscribe(filter, h, qos); err != nil {
		b.mu.Lock()
		delete(b.handlers, h)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			b.subs.Unsubscribe(filter, h)
			b.mu.Lock()
			delete(b.handlers, h)
			b.mu.Unlock()
		})
	}, nil
}

func (b *Broker) publish(msg *Message) {
	for _, c := range b.route(msg) {
		b.flush(c)
	}
}

// route stores retained messages and queues msg on every matching
// session. It returns the contexts that got something to write.
func (b *Broker) route(msg *Message) []*Client {
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			m := *msg
			b.retained[msg.Topic] = &m
		}
	}
	if !strings.HasPrefix(msg.Topic, "$SYS/broker/log/") {
		b.log.Printf(LogDebug, "routing message: topic=%s, qos=%d, retain=%t, len=%d", msg.Topic, msg.QoS, msg.Retain, len(msg.Payload))
	}

	matched := b.subs.Match(msg.Topic)
	var targets []*Client
	for _, h := range slices.Sorted(maps.Keys(matched)) {
		granted := matched[h]
		b.mu.RLock()
		fn, local := b.handlers[h]
		c := b.clients[h]
		b.mu.RUnlock()
		if local {
			m := *msg
			m.QoS = min(msg.QoS, granted)
			fn(&m)
			continue
		}
		if c == nil || !b.security.Allow(c, msg.Topic, AccessRead) {
			continue
		}
		out := &Message{Topic: msg.Topic, Payload: msg.Payload, QoS: min(msg.QoS, granted)}
		if c.sock == nil && out.QoS == 0 {
			continue
		}
		if _, err := c.Enqueue(out); err != nil {
			c.logf(LogWarning, "Warning: outgoing message dropped: clientId=%s, topic=%s, err=%v", c.id, out.Topic, err)
			continue
		}
		targets = append(targets, c)
	}
	return targets
}

// sendWill publishes w and writes it to every subscriber before
// returning.
func (b *Broker) sendWill(clientID string, w *Will) {
	if hook := b.options.WillHook; hook != nil {
		hook(clientID, w)
	}
	stat.WillsSent.Inc()
	b.log.Printf(LogDebug, "sending will: clientId=%s, topic=%s", clientID, w.Topic)
	b.publish(&Message{Topic: w.Topic, Payload: w.Payload, QoS: w.QoS, Retain: w.Retain})
}

// queueWill takes the will of c and sends it now or after its delay.
func (b *Broker) queueWill(c *Client) {
	w := c.will
	if w == nil {
		return
	}
	c.will = nil
	if w.Delay > 0 {
		b.delayed = append(b.delayed, &delayedWill{clientID: c.id, will: w, at: time.Now().Add(w.Delay)})
		return
	}
	b.sendWill(c.id, w)
}

// sendDelayedWills publishes the delayed wills that are due, or all of
// them when force is set.
func (b *Broker) sendDelayedWills(now time.Time, force bool) {
	pending := b.delayed[:0]
	var due []*delayedWill
	for _, d := range b.delayed {
		if force || !now.Before(d.at) {
			due = append(due, d)
		} else {
			pending = append(pending, d)
		}
	}
	b.delayed = pending
	for _, d := range due {
		b.sendWill(d.clientID, d.will)
	}
}

// cancelDelayedWill drops a pending will of a session that reconnected.
func (b *Broker) cancelDelayedWill(clientID string) {
	b.delayed = slices.DeleteFunc(b.delayed, func(d *delayedWill) bool {
		return d.clientID == clientID
	})
}

func (b *Broker) expireSession(c *Client) {
	c.logf(LogNotice, "Expiring client %s due to timeout.", c.id)
	c.setState(StateExpired)
	if b.storeOpen {
		if err := b.store.DeleteSession(context.Background(), c.id); err != nil && !errors.Is(err, persist.ErrNotFound) {
			b.log.Printf(LogWarning, "Warning: delete expired session: clientId=%s, err=%v", c.id, err)
		}
	}
	stat.SessionsExpired.Inc()
	b.removeClient(c)
}

func (b *Broker) saveSession(c *Client) {
	if !b.storeOpen || c.cleanStart {
		return
	}
	s := &persist.Session{
		ID:             c.id,
		Username:       c.username,
		ExpiryInterval: uint32(c.sessionExpiry / time.Second),
		SavedAt:        time.Now(),
	}
	if c.will != nil {
		s.Will = &persist.Will{
			Topic:   c.will.Topic,
			Payload: c.will.Payload,
			QoS:     c.will.QoS,
			Retain:  c.will.Retain,
			Delay:   uint32(c.will.Delay / time.Second),
		}
	}
	filters := b.subs.Filters(c.handle)
	for _, f := range slices.Sorted(maps.Keys(filters)) {
		s.Subscriptions = append(s.Subscriptions, persist.Subscription{Filter: f, QoS: filters[f]})
	}
	for _, m := range c.msgsOut.messages() {
		s.Messages = append(s.Messages, persist.Message{Topic: m.Topic, Payload: m.Payload, QoS: m.QoS, Retain: m.Retain})
	}
	if err := b.store.SaveSession(context.Background(), s); err != nil {
		b.log.Printf(LogWarning, "Warning: save session: clientId=%s, err=%v", c.id, err)
	}
}

func (b *Broker) deleteSession(id string) {
	if !b.storeOpen {
		return
	}
	if err := b.store.DeleteSession(context.Background(), id); err != nil && !errors.Is(err, persist.ErrNotFound) {
		b.log.Printf(LogWarning, "Warning: delete session: clientId=%s, err=%v", id, err)
	}
}

func (b *Broker) backupSessions() {
	if !b.storeOpen {
		return
	}
	b.log.Printf(LogNotice, "Saving in-memory sessions to persistence.")
	for _, c := range b.snapshot() {
		if c.id != "" && (c.State() == StateConnected || c.State() == StateDisconnected) {
			b.saveSession(c)
		}
	}
	if err := b.store.Sync(); err != nil {
		b.log.Printf(LogErr, "Error: sync persistence: %v", err)
	}
}

// track gives c a handle and adds it to the owning collection.
func (b *Broker) track(c *Client) {
	b.mu.Lock()
	b.nextHandle++
	c.handle = b.nextHandle
	b.clients[c.handle] = c
	n := len(b.clients)
	b.mu.Unlock()
	stat.Sessions.Set(float64(n))
	if b.mux != nil {
		b.mux.watch(c.wake.Load(), c.handle)
	}
}

// removeClient drops c from every index and marks it disused. It is
// destroyed on the next loop iteration.
func (b *Broker) removeClient(c *Client) {
	b.subs.UnsubscribeAll(c.handle)
	b.mu.Lock()
	delete(b.clients, c.handle)
	if h, ok := b.byID[c.id]; ok && h == c.handle {
		delete(b.byID, c.id)
	}
	if c.sock != nil {
		if h, ok := b.bySock[c.sock]; ok && h == c.handle {
			delete(b.bySock, c.sock)
		}
	}
	n := len(b.clients)
	b.mu.Unlock()
	b.disused = append(b.disused, c)
	stat.Sessions.Set(float64(n))
}

func (b *Broker) freeDisused() {
	for _, c := range b.disused {
		if c.sock != nil {
			stat.ActiveConnections.Dec()
		}
		c.Destroy()
	}
	clear(b.disused)
	b.disused = b.disused[:0]
}

func (b *Broker) clientBySock(conn net.Conn) *Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.bySock[conn]
	if !ok {
		return nil
	}
	return b.clients[h]
}

// snapshot returns every tracked context in handle order.
func (b *Broker) snapshot() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Client, 0, len(b.clients))
	for _, h := range slices.Sorted(maps.Keys(b.clients)) {
		out = append(out, b.clients[h])
	}
	return out
}

// indexed returns the contexts reachable from the chosen indexes, each
// once, in handle order.
func (b *Broker) indexed(byID, bySock bool) []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[uint64]struct{})
	if byID {
		for _, h := range b.byID {
			seen[h] = struct{}{}
		}
	}
	if bySock {
		for _, h := range b.bySock {
			seen[h] = struct{}{}
		}
	}
	out := make([]*Client, 0, len(seen))
	for _, h := range slices.Sorted(maps.Keys(seen)) {
		if c, ok := b.clients[h]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Client returns the session stored under id. The context must only be
// read from OnConnect and the other callbacks.
func (b *Broker) Client(id string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	c, ok := b.clients[h]
	return c, ok
}
