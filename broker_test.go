package mqttd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/golang-io/mqttd/persist"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Log.Dest = []string{"none"}
	l := &ListenerConfig{Host: "127.0.0.1"}
	l.SetDefaults()
	cfg.Listeners = []*ListenerConfig{l}
	return cfg
}

// startBroker runs a broker until the test ends. stop is idempotent and
// returns what Run returned.
func startBroker(t *testing.T, cfg *Config, opts ...Option) (b *Broker, addr string, stop func() error) {
	t.Helper()
	b = NewBroker(cfg, opts...)
	errc := make(chan error, 1)
	go func() { errc <- b.Run(context.Background()) }()
	select {
	case <-b.Ready():
	case err := <-errc:
		t.Fatalf("Run() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker not ready")
	}
	addr = b.Listeners()[0].Sock.Addr().String()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			b.Stop()
			select {
			case runErr = <-errc:
			case <-time.After(5 * time.Second):
				runErr = errors.New("broker did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	return b, addr, stop
}

type testConn struct {
	net.Conn
	t *testing.T
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{Conn: conn, t: t, r: bufio.NewReader(conn)}
}

func (c *testConn) send(p packets.ControlPacket) {
	c.t.Helper()
	if err := p.Write(c.Conn); err != nil {
		c.t.Fatalf("write %T: %v", p, err)
	}
}

func (c *testConn) recv() packets.ControlPacket {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	p, err := packets.ReadPacket(c.r)
	if err != nil {
		c.t.Fatalf("read packet: %v", err)
	}
	return p
}

// waitClosed reads until the broker closes the connection.
func (c *testConn) waitClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, err := packets.ReadPacket(c.r)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open")
		}
		return
	}
}

// ping makes sure every packet the broker wrote before the PINGRESP has
// been read: nothing may arrive in between.
func (c *testConn) ping() {
	c.t.Helper()
	c.send(packets.NewControlPacket(packets.Pingreq))
	expect[*packets.PingrespPacket](c.t, c)
}

func expect[T packets.ControlPacket](t *testing.T, c *testConn) T {
	t.Helper()
	p := c.recv()
	v, ok := p.(T)
	if !ok {
		var zero T
		t.Fatalf("got %s, want %T", p, zero)
	}
	return v
}

func newConnect(id string, clean bool) *packets.ConnectPacket {
	p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	p.ProtocolName = "MQTT"
	p.ProtocolVersion = VERSION311
	p.ClientIdentifier = id
	p.CleanSession = clean
	p.Keepalive = 30
	return p
}

func withWill(p *packets.ConnectPacket, name, payload string) *packets.ConnectPacket {
	p.WillFlag = true
	p.WillTopic = name
	p.WillMessage = []byte(payload)
	return p
}

func connectWith(t *testing.T, addr string, p *packets.ConnectPacket) (*testConn, *packets.ConnackPacket) {
	t.Helper()
	c := dial(t, addr)
	c.send(p)
	return c, expect[*packets.ConnackPacket](t, c)
}

func connect(t *testing.T, addr, id string, clean bool) *testConn {
	t.Helper()
	c, ack := connectWith(t, addr, newConnect(id, clean))
	if ack.ReturnCode != packets.Accepted {
		t.Fatalf("CONNACK rc = %d", ack.ReturnCode)
	}
	return c
}

func (c *testConn) subscribe(filter string, qos byte) byte {
	c.t.Helper()
	p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	p.MessageID = 1
	p.Topics = []string{filter}
	p.Qoss = []byte{qos}
	c.send(p)
	ack := expect[*packets.SubackPacket](c.t, c)
	return ack.ReturnCodes[0]
}

func (c *testConn) publish(name, payload string, qos byte, retain bool) {
	c.t.Helper()
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = name
	p.Payload = []byte(payload)
	p.Qos = qos
	p.Retain = retain
	if qos > 0 {
		p.MessageID = 7
	}
	c.send(p)
	switch qos {
	case 1:
		if ack := expect[*packets.PubackPacket](c.t, c); ack.MessageID != 7 {
			c.t.Fatalf("PUBACK mid = %d", ack.MessageID)
		}
	case 2:
		expect[*packets.PubrecPacket](c.t, c)
		rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		rel.MessageID = 7
		c.send(rel)
		expect[*packets.PubcompPacket](c.t, c)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type failingStore struct {
	*persist.Memory
	err error
}

func (s *failingStore) Open(ctx context.Context) error {
	return s.err
}

type recordingSecurity struct {
	PasswordSecurity
	initErr  error
	cleanups atomic.Int32
	order    *orderLog
}

func (s *recordingSecurity) Init(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.PasswordSecurity.Init(ctx)
}

func (s *recordingSecurity) Cleanup() error {
	s.cleanups.Add(1)
	s.order.add("security-cleanup")
	return s.PasswordSecurity.Cleanup()
}

type orderLog struct {
	mu     sync.Mutex
	events []string
}

func (o *orderLog) add(ev string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *orderLog) index(ev string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Index(o.events, ev)
}

type recordingListener struct {
	net.Listener
	order *orderLog
}

func (l *recordingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: conn, order: l.order}, nil
}

func (l *recordingListener) Close() error {
	l.order.add("listener-close")
	return l.Listener.Close()
}

type recordingConn struct {
	net.Conn
	order *orderLog
	once  sync.Once
}

func (c *recordingConn) Close() error {
	c.once.Do(func() { c.order.add("close:" + c.RemoteAddr().String()) })
	return c.Conn.Close()
}

func TestBrokerStartStop(t *testing.T) {
	b, _, stop := startBroker(t, testConfig())
	if b.State() != BrokerRunning {
		t.Fatalf("State() = %s, want running", b.State())
	}
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if b.State() != BrokerStopped {
		t.Errorf("State() = %s, want stopped", b.State())
	}
	select {
	case <-b.Done():
	default:
		t.Error("Done() not closed after shutdown")
	}
	b.Stop()
	if err := b.Run(context.Background()); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("second Run() error = %v, want ErrBrokerClosed", err)
	}
}

func TestBrokerStartupFailures(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		setup func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option
		// cleanups is how many times Security.Cleanup must run
		cleanups int32
	}{
		{
			name:  "pid file",
			stage: StagePidFile,
			setup: func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option {
				cfg.PidFile = filepath.Join(t.TempDir(), "missing", "mqttd.pid")
				return nil
			},
		},
		{
			name:  "persistence",
			stage: StagePersistence,
			setup: func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option {
				return []Option{WithStore(&failingStore{Memory: persist.NewMemory(), err: errors.New("disk on fire")})}
			},
		},
		{
			name:  "logging",
			stage: StageLogging,
			setup: func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option {
				cfg.Log.Dest = []string{"syslog"}
				return nil
			},
		},
		{
			name:  "security",
			stage: StageSecurity,
			setup: func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option {
				sec.initErr = errors.New("no password file")
				return nil
			},
		},
		{
			name:  "listeners",
			stage: StageListeners,
			setup: func(t *testing.T, cfg *Config, sec *recordingSecurity) []Option {
				return []Option{WithListenFunc(func(network, address string) (net.Listener, error) {
					return nil, errors.New("bind: address already in use")
				})}
			},
			cleanups: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PidFile = filepath.Join(t.TempDir(), "mqttd.pid")
			store := persist.NewMemory()
			sec := &recordingSecurity{}
			opts := append([]Option{WithStore(store), WithSecurity(sec)}, tt.setup(t, cfg, sec)...)
			b := NewBroker(cfg, opts...)

			err := b.Run(context.Background())
			var se *StartupError
			if !errors.As(err, &se) {
				t.Fatalf("Run() error = %v, want *StartupError", err)
			}
			if se.Stage != tt.stage {
				t.Errorf("Stage = %s, want %s", se.Stage, tt.stage)
			}
			if se.ExitCode() != int(tt.stage)+1 || se.ExitCode() == 0 {
				t.Errorf("ExitCode() = %d", se.ExitCode())
			}
			if b.State() != BrokerStopped {
				t.Errorf("State() = %s, want stopped", b.State())
			}
			select {
			case <-b.Done():
			default:
				t.Error("Done() not closed")
			}
			if store.IsOpen() {
				t.Error("persistence left open")
			}
			if _, err := os.Stat(cfg.PidFile); !os.IsNotExist(err) {
				t.Errorf("pid file left behind, stat err = %v", err)
			}
			if b.registry.Len() != 0 {
				t.Errorf("registry has %d sockets", b.registry.Len())
			}
			if got := sec.cleanups.Load(); got != tt.cleanups {
				t.Errorf("security cleanups = %d, want %d", got, tt.cleanups)
			}
		})
	}
}

func TestBrokerExitCodesDistinct(t *testing.T) {
	seen := make(map[int]Stage)
	for s := StagePidFile; s <= StageMux; s++ {
		code := (&StartupError{Stage: s}).ExitCode()
		if code == 0 {
			t.Errorf("%s exit code is 0", s)
		}
		if prev, ok := seen[code]; ok {
			t.Errorf("%s and %s share exit code %d", prev, s, code)
		}
		seen[code] = s
	}
}

func TestBrokerSignalsAfterStartup(t *testing.T) {
	var (
		b     *Broker
		calls int
		state BrokerState
		mux   bool
	)
	orig := notifyContext
	notifyContext = func(ctx context.Context, sig ...os.Signal) (context.Context, context.CancelFunc) {
		calls++
		state, mux = b.State(), b.mux != nil
		return context.WithCancel(ctx)
	}
	t.Cleanup(func() { notifyContext = orig })

	b = NewBroker(testConfig(), WithSignals(true),
		WithStore(&failingStore{Memory: persist.NewMemory(), err: errors.New("disk on fire")}))
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("Run() with a failing store should fail")
	}
	if calls != 0 {
		t.Fatalf("signal handling installed %d times during a failed startup", calls)
	}

	b = NewBroker(testConfig(), WithSignals(true))
	errc := make(chan error, 1)
	go func() { errc <- b.Run(context.Background()) }()
	select {
	case <-b.Ready():
	case err := <-errc:
		t.Fatalf("Run() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker not ready")
	}
	b.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("signal handling installed %d times, want 1", calls)
	}
	if state != BrokerListening || !mux {
		t.Errorf("signal handling installed in state %s with mux=%t, want listening with a mux", state, mux)
	}
}

func TestBrokerListenersDuringShutdown(t *testing.T) {
	b, _, stop := startBroker(t, testConfig())

	done := make(chan struct{})
	read := make(chan int, 1)
	go func() {
		n := 0
		for {
			select {
			case <-done:
				read <- n
				return
			default:
			}
			n += len(b.Listeners())
		}
	}()
	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	close(done)
	<-read
	if got := b.Listeners(); len(got) != 0 {
		t.Errorf("Listeners() after shutdown = %d sockets, want 0", len(got))
	}
}

func TestNewMuxInvalid(t *testing.T) {
	if _, err := newMux(nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("newMux(nil) error = %v, want ErrInvalid", err)
	}
	l := &ListenerConfig{}
	l.SetDefaults()
	if _, err := newMux([]ListenerSocket{{Listener: l}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("newMux(no socket) error = %v, want ErrInvalid", err)
	}
}

func TestBrokerShutdownOrder(t *testing.T) {
	order := &orderLog{}
	sec := &recordingSecurity{order: order}
	listen := func(network, address string) (net.Listener, error) {
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		return &recordingListener{Listener: ln, order: order}, nil
	}
	hook := func(clientID string, w *Will) { order.add("will:" + clientID) }
	_, addr, stop := startBroker(t, testConfig(), WithListenFunc(listen), WithWillHook(hook), WithSecurity(sec))

	sub := connect(t, addr, "sub", true)
	if rc := sub.subscribe("w/#", 0); rc != 0 {
		t.Fatalf("SUBACK rc = %d", rc)
	}
	a, ack := connectWith(t, addr, withWill(newConnect("a", true), "w/a", "gone"))
	if ack.ReturnCode != packets.Accepted {
		t.Fatalf("CONNACK rc = %d", ack.ReturnCode)
	}
	a.ping()

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	p := expect[*packets.PublishPacket](t, sub)
	if p.TopicName != "w/a" || string(p.Payload) != "gone" {
		t.Errorf("will = %s %q", p.TopicName, p.Payload)
	}
	sub.waitClosed(time.Second)
	a.waitClosed(time.Second)

	will := order.index("will:a")
	listeners := order.index("listener-close")
	closeA := order.index("close:" + a.LocalAddr().String())
	cleanup := order.index("security-cleanup")
	if will < 0 || listeners < 0 || closeA < 0 || cleanup < 0 {
		t.Fatalf("missing shutdown steps: %v", order.events)
	}
	if !(will < listeners && listeners < closeA && closeA < cleanup) {
		t.Errorf("shutdown order = %v", order.events)
	}
}

func TestBrokerWillOnAbruptClose(t *testing.T) {
	var wills atomic.Int32
	_, addr, _ := startBroker(t, testConfig(), WithWillHook(func(string, *Will) { wills.Add(1) }))

	sub := connect(t, addr, "sub", true)
	sub.subscribe("status/#", 1)

	a, _ := connectWith(t, addr, withWill(newConnect("a", true), "status/a", "offline"))
	a.Close()

	p := expect[*packets.PublishPacket](t, sub)
	if p.TopicName != "status/a" || string(p.Payload) != "offline" {
		t.Errorf("will = %s %q", p.TopicName, p.Payload)
	}

	clean, _ := connectWith(t, addr, withWill(newConnect("clean", true), "status/clean", "offline"))
	clean.send(packets.NewControlPacket(packets.Disconnect))
	clean.waitClosed(3 * time.Second)
	sub.ping()
	if got := wills.Load(); got != 1 {
		t.Errorf("wills sent = %d, want 1", got)
	}
}

func TestBrokerRouting(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())

	sub := connect(t, addr, "sub", true)
	if rc := sub.subscribe("a/+", 1); rc != 1 {
		t.Fatalf("SUBACK rc = %d, want 1", rc)
	}
	if rc := sub.subscribe("bad/#/x", 0); rc != 0x80 {
		t.Errorf("SUBACK for invalid filter = %#x, want 0x80", rc)
	}
	pub := connect(t, addr, "pub", true)

	pub.publish("a/b", "one", 1, false)
	p := expect[*packets.PublishPacket](t, sub)
	if p.TopicName != "a/b" || string(p.Payload) != "one" || p.Qos != 1 || p.MessageID == 0 {
		t.Fatalf("PUBLISH = %s", p)
	}
	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = p.MessageID
	sub.send(ack)

	pub.publish("a/c", "two", 2, false)
	p = expect[*packets.PublishPacket](t, sub)
	if p.Qos != 1 || string(p.Payload) != "two" {
		t.Errorf("qos should be downgraded to the granted 1: %s", p)
	}

	pub.publish("other", "three", 0, false)
	sub.ping()
}

func TestBrokerRetained(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())
	pub := connect(t, addr, "pub", true)
	pub.publish("r/x", "hot", 1, true)

	sub := connect(t, addr, "sub", true)
	sub.subscribe("r/#", 0)
	p := expect[*packets.PublishPacket](t, sub)
	if !p.Retain || p.TopicName != "r/x" || string(p.Payload) != "hot" {
		t.Errorf("retained = %s", p)
	}

	pub.publish("r/x", "", 1, true)
	// the empty retained publish is still delivered to live subscribers
	expect[*packets.PublishPacket](t, sub)

	late := connect(t, addr, "late", true)
	late.subscribe("r/#", 0)
	late.ping()
}

func TestBrokerTakeover(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())
	sub := connect(t, addr, "sub", true)
	sub.subscribe("w/#", 0)

	first, _ := connectWith(t, addr, withWill(newConnect("dup", true), "w/dup", "replaced"))
	second, ack := connectWith(t, addr, newConnect("dup", true))
	if ack.ReturnCode != packets.Accepted || ack.SessionPresent {
		t.Fatalf("CONNACK = %s", ack)
	}
	first.waitClosed(3 * time.Second)
	p := expect[*packets.PublishPacket](t, sub)
	if p.TopicName != "w/dup" {
		t.Errorf("will = %s", p)
	}
	second.ping()
}

func TestBrokerPersistentSession(t *testing.T) {
	b, addr, _ := startBroker(t, testConfig())

	s := connect(t, addr, "keeper", false)
	s.subscribe("q/1", 1)
	s.Close()
	eventually(t, "session to disconnect", func() bool {
		c, ok := b.Client("keeper")
		return ok && c.State() == StateDisconnected
	})

	pub := connect(t, addr, "pub", true)
	pub.publish("q/1", "while away", 1, false)
	pub.publish("q/1", "dropped", 0, false)

	s2, ack := connectWith(t, addr, newConnect("keeper", false))
	if ack.ReturnCode != packets.Accepted || !ack.SessionPresent {
		t.Fatalf("CONNACK = %s, want session present", ack)
	}
	p := expect[*packets.PublishPacket](t, s2)
	if string(p.Payload) != "while away" || p.Qos != 1 {
		t.Errorf("queued = %s", p)
	}
	s2.ping()
}

func TestBrokerRestoresStoredSessions(t *testing.T) {
	store := persist.NewMemory()
	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		t.Fatal(err)
	}
	err := store.SaveSession(ctx, &persist.Session{
		ID:            "stored",
		Subscriptions: []persist.Subscription{{Filter: "s/#", QoS: 1}},
		Messages:      []persist.Message{{Topic: "s/1", Payload: []byte("queued"), QoS: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	b, addr, stop := startBroker(t, testConfig(), WithStore(store))
	c, ok := b.Client("stored")
	if !ok || c.State() != StateDisconnected {
		t.Fatalf("Client(stored) = %v, %t", c, ok)
	}

	conn, ack := connectWith(t, addr, newConnect("stored", false))
	if !ack.SessionPresent {
		t.Fatal("restored session not present")
	}
	p := expect[*packets.PublishPacket](t, conn)
	if p.TopicName != "s/1" || string(p.Payload) != "queued" {
		t.Errorf("queued = %s", p)
	}
	puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	puback.MessageID = p.MessageID
	conn.send(puback)

	pub := connect(t, addr, "pub", true)
	pub.publish("s/2", "live", 0, false)
	if p := expect[*packets.PublishPacket](t, conn); p.TopicName != "s/2" {
		t.Errorf("stored subscription did not match: %s", p)
	}
	conn.ping()

	if err := stop(); err != nil {
		t.Fatal(err)
	}
	if store.IsOpen() {
		t.Fatal("store open after shutdown")
	}
	_ = store.Open(ctx)
	s, err := store.LoadSession(ctx, "stored")
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if len(s.Subscriptions) != 1 || s.Subscriptions[0].Filter != "s/#" {
		t.Errorf("saved subscriptions = %+v", s.Subscriptions)
	}
}

func TestBrokerAuthentication(t *testing.T) {
	cfg := testConfig()
	cfg.AllowAnonymous = false
	cfg.Auth = map[string]string{"alice": "secret"}
	_, addr, _ := startBroker(t, cfg)

	tests := []struct {
		name     string
		username string
		password string
		rc       byte
	}{
		{"anonymous", "", "", packets.ErrRefusedNotAuthorised},
		{"wrong password", "alice", "guess", packets.ErrRefusedBadUsernameOrPassword},
		{"unknown user", "mallory", "secret", packets.ErrRefusedBadUsernameOrPassword},
		{"valid", "alice", "secret", packets.Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newConnect("auth-"+tt.username, true)
			if tt.username != "" {
				p.UsernameFlag, p.Username = true, tt.username
				p.PasswordFlag, p.Password = true, []byte(tt.password)
			}
			conn, ack := connectWith(t, addr, p)
			if ack.ReturnCode != tt.rc {
				t.Fatalf("CONNACK rc = %d, want %d", ack.ReturnCode, tt.rc)
			}
			if tt.rc != packets.Accepted {
				conn.waitClosed(3 * time.Second)
			}
		})
	}
}

func TestBrokerRejectsPersistentEmptyID(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())
	conn, ack := connectWith(t, addr, newConnect("", false))
	if ack.ReturnCode != packets.ErrRefusedIDRejected {
		t.Errorf("CONNACK rc = %d, want identifier rejected", ack.ReturnCode)
	}
	conn.waitClosed(3 * time.Second)

	conn = connect(t, addr, "", true)
	conn.ping()
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b, addr, stop := startBroker(t, testConfig())

	got := make(chan *Message, 4)
	unsubscribe, err := b.Subscribe("local/#", 1, func(m *Message) { got <- m })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := b.Publish(&Message{Topic: "local/x", Payload: []byte("hi"), QoS: 2}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case m := <-got:
		if m.Topic != "local/x" || string(m.Payload) != "hi" || m.QoS != 1 {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("local subscriber got nothing")
	}

	sub := connect(t, addr, "sub", true)
	sub.subscribe("local/#", 0)
	if err := b.Publish(&Message{Topic: "local/y", Payload: []byte("both")}); err != nil {
		t.Fatal(err)
	}
	if p := expect[*packets.PublishPacket](t, sub); p.TopicName != "local/y" {
		t.Errorf("PUBLISH = %s", p)
	}
	<-got

	unsubscribe()
	unsubscribe()
	if _, err := b.Subscribe("a/#/b", 0, func(*Message) {}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Subscribe(invalid) error = %v, want ErrInvalid", err)
	}
	if err := b.Publish(&Message{Topic: "a/+"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Publish(wildcard) error = %v, want ErrInvalid", err)
	}

	if err := stop(); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(&Message{Topic: "local/x"}); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("Publish() after stop error = %v, want ErrBrokerClosed", err)
	}
}

func TestBrokerKeepaliveTimeout(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())
	p := newConnect("sleepy", true)
	p.Keepalive = 1
	conn, _ := connectWith(t, addr, p)
	conn.waitClosed(5 * time.Second)
}

func TestBrokerPacketBeforeConnect(t *testing.T) {
	_, addr, _ := startBroker(t, testConfig())
	conn := dial(t, addr)
	conn.send(packets.NewControlPacket(packets.Pingreq))
	conn.waitClosed(3 * time.Second)
}

func TestBrokerClientHook(t *testing.T) {
	type callback struct {
		name string
		rc   int
	}
	calls := make(chan callback, 16)
	hook := func(c *Client) {
		c.OnConnect(func(c *Client, _ any, rc int) { calls <- callback{"connect:" + c.ID(), rc} })
		c.OnSubscribe(func(c *Client, _ any, mid uint16, granted []byte) {
			calls <- callback{fmt.Sprintf("subscribe:%d", granted[0]), 0}
		})
		c.OnMessage(func(c *Client, _ any, m *Message) { calls <- callback{"message:" + m.Topic, 0} })
		c.OnDisconnect(func(c *Client, _ any, rc int) { calls <- callback{"disconnect:" + c.ID(), rc} })
	}
	_, addr, _ := startBroker(t, testConfig(), WithClientHook(hook))

	conn := connect(t, addr, "hooked", true)
	conn.subscribe("h", 0)
	conn.publish("h", "x", 0, false)
	expect[*packets.PublishPacket](t, conn)
	conn.send(packets.NewControlPacket(packets.Disconnect))
	conn.waitClosed(3 * time.Second)

	want := []callback{{"connect:hooked", 0}, {"subscribe:0", 0}, {"message:h", 0}, {"disconnect:hooked", 0}}
	for _, w := range want {
		select {
		case got := <-calls:
			if got != w {
				t.Errorf("callback = %+v, want %+v", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing callback %+v", w)
		}
	}
}

func TestBrokerDelayedWill(t *testing.T) {
	var sent []string
	b := NewBroker(testConfig(), WithWillHook(func(id string, w *Will) { sent = append(sent, id) }))
	var delivered []*Message
	if _, err := b.Subscribe("w/#", 0, func(m *Message) { delivered = append(delivered, m) }); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"late", "cancelled"} {
		c, err := NewClient(clientID(id), true, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.SetWill(&Will{Topic: "w/" + id, Payload: []byte(id), Delay: time.Minute}); err != nil {
			t.Fatal(err)
		}
		b.queueWill(c)
		if c.Will() != nil {
			t.Error("queueWill() should take the will")
		}
		c.Destroy()
	}
	if len(b.delayed) != 2 || len(sent) != 0 {
		t.Fatalf("delayed = %d, sent = %v", len(b.delayed), sent)
	}

	b.cancelDelayedWill("cancelled")
	b.sendDelayedWills(time.Now(), false)
	if len(sent) != 0 {
		t.Fatalf("will sent before its delay: %v", sent)
	}
	b.sendDelayedWills(time.Now().Add(2*time.Minute), false)
	if !slices.Equal(sent, []string{"late"}) || len(delivered) != 1 || delivered[0].Topic != "w/late" {
		t.Errorf("sent = %v, delivered = %v", sent, delivered)
	}
	if len(b.delayed) != 0 {
		t.Errorf("delayed = %d after sending", len(b.delayed))
	}
}

func TestBrokerSessionExpiry(t *testing.T) {
	store := persist.NewMemory()
	ctx := context.Background()
	_ = store.Open(ctx)
	_ = store.SaveSession(ctx, &persist.Session{ID: "old", ExpiryInterval: 60, SavedAt: time.Now().Add(-time.Hour)})
	_ = store.SaveSession(ctx, &persist.Session{ID: "forever", SavedAt: time.Now().Add(-time.Hour)})
	_ = store.SaveSession(ctx, &persist.Session{ID: "fresh", ExpiryInterval: 3600, SavedAt: time.Now()})
	_ = store.Close()

	b := NewBroker(testConfig(), WithStore(store))
	if err := b.openPersistence(ctx); err != nil {
		t.Fatalf("openPersistence() error = %v", err)
	}
	defer b.closePersistence()
	if len(b.snapshot()) != 3 {
		t.Fatalf("restored %d sessions, want 3", len(b.snapshot()))
	}

	b.periodic(time.Now())
	if _, ok := b.Client("old"); ok {
		t.Error("expired session still indexed")
	}
	if _, err := store.LoadSession(ctx, "old"); !errors.Is(err, persist.ErrNotFound) {
		t.Errorf("expired session still stored: %v", err)
	}
	for _, id := range []string{"forever", "fresh"} {
		if _, ok := b.Client(id); !ok {
			t.Errorf("session %s expired early", id)
		}
	}
	b.freeDisused()
	for _, c := range b.snapshot() {
		c.Destroy()
	}
}

func TestBrokerInitSecurityACLWarnings(t *testing.T) {
	store := persist.NewMemory()
	ctx := context.Background()
	_ = store.Open(ctx)
	_ = store.SaveSession(ctx, &persist.Session{ID: "a", Username: "alice"})
	_ = store.SaveSession(ctx, &persist.Session{ID: "b", Username: "bob"})
	_ = store.Close()

	cfg := testConfig()
	cfg.ACL = map[string]ACLRule{"alice": {Read: []string{"#"}}}
	b := NewBroker(cfg, WithStore(store))
	if err := b.openPersistence(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.closePersistence()
	if err := b.initSecurity(ctx); err != nil {
		t.Fatalf("initSecurity() error = %v, ACL association failures are warnings", err)
	}
	a, _ := b.Client("a")
	bob, _ := b.Client("b")
	if a.acl == nil {
		t.Error("alice should have rules")
	}
	if bob.acl != nil {
		t.Error("bob has no rules")
	}
	for _, c := range b.snapshot() {
		c.Destroy()
	}
}
