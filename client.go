package mqttd

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/golang-io/mqttd/topic"
	"github.com/golang-io/requests"
)

const (
	defaultInflightMaximum = 20
	defaultKeepalive       = 60 * time.Second
	defaultReconnectDelay  = time.Second
	defaultPort            = 1883
)

// Will is the message published on behalf of a client whose connection
// ends without a DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Delay   time.Duration // will delay interval, 0 sends immediately
}

// TLSOptions is the TLS material configured on a context.
type TLSOptions struct {
	CAFile   string
	CAPath   string
	CertFile string
	KeyFile  string
	Version  string
	Ciphers  string
	ALPN     string
	Insecure bool
}

type tlsState struct {
	opts        TLSOptions
	psk         string
	pskIdentity string
	conn        *tls.ConnectionState // nil means the socket is not TLS
}

// A Client holds the state of one MQTT session. Contexts accepted by a
// Broker are mutated only on the broker's event loop; Enqueue is the one
// entry point that is safe from other goroutines.
type Client struct {
	handle uint64 // key in the broker's owning collection, 0 when untracked

	id          string
	username    string
	password    string
	host        string
	port        int
	bindAddress string
	address     string // remote address of the socket
	cleanStart  bool
	protocol    byte
	userdata    any

	state atomic.Int32

	sock     net.Conn
	listener *ListenerConfig

	msgsIn  *messageQueue
	msgsOut *messageQueue
	lastMid atomic.Uint32

	will *Will
	tls  *tlsState
	acl  *aclSet

	keepalive                   time.Duration
	lastMsgIn                   time.Time
	nextMsgOut                  time.Time
	maxQoS                      byte
	reconnectDelay              time.Duration
	reconnectDelayMax           time.Duration
	reconnectExponentialBackoff bool
	sessionExpiry               time.Duration
	disconnectedAt              time.Time

	wake atomic.Pointer[wakeup]
	log  *Logger

	onConnect     func(c *Client, userdata any, rc int)
	onDisconnect  func(c *Client, userdata any, rc int)
	onPublish     func(c *Client, userdata any, mid uint16)
	onMessage     func(c *Client, userdata any, msg *Message)
	onSubscribe   func(c *Client, userdata any, mid uint16, granted []byte)
	onUnsubscribe func(c *Client, userdata any, mid uint16)
	onLog         func(c *Client, userdata any, level LogLevel, msg string)
}

// NewClient creates a context. A nil id asks for a generated one, which
// is only allowed for a clean start; an empty id is ErrInvalid.
func NewClient(id *string, cleanStart bool, userdata any) (*Client, error) {
	if !cleanStart && id == nil {
		return nil, ErrInvalid
	}
	c := &Client{
		msgsIn:  newMessageQueue(defaultInflightMaximum),
		msgsOut: newMessageQueue(defaultInflightMaximum),
	}
	if err := c.Reinitialise(id, cleanStart, userdata); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// Reinitialise releases everything the context holds and resets it to a
// freshly created state for the given identity. The id follows the rules
// of NewClient; a rejected id leaves the context untouched.
func (c *Client) Reinitialise(id *string, cleanStart bool, userdata any) error {
	if !cleanStart && id == nil {
		return ErrInvalid
	}
	if id != nil && *id == "" {
		return ErrInvalid
	}
	c.destroy()

	if c.msgsIn == nil {
		c.msgsIn = newMessageQueue(defaultInflightMaximum)
	}
	if c.msgsOut == nil {
		c.msgsOut = newMessageQueue(defaultInflightMaximum)
	}
	c.msgsIn.reset(defaultInflightMaximum)
	c.msgsOut.reset(defaultInflightMaximum)

	c.userdata = userdata
	if userdata == nil {
		c.userdata = c
	}
	c.cleanStart = cleanStart
	c.protocol = VERSION311
	c.state.Store(int32(StateNew))
	c.maxQoS = 2
	c.keepalive = defaultKeepalive
	c.reconnectDelay = defaultReconnectDelay
	c.reconnectDelayMax = defaultReconnectDelay
	c.reconnectExponentialBackoff = false
	c.port = defaultPort
	c.sessionExpiry = 0
	c.disconnectedAt = time.Time{}
	c.lastMid.Store(0)
	now := time.Now()
	c.lastMsgIn, c.nextMsgOut = now, now.Add(c.keepalive)
	c.onConnect, c.onDisconnect, c.onPublish, c.onMessage = nil, nil, nil, nil
	c.onSubscribe, c.onUnsubscribe, c.onLog = nil, nil, nil

	if id == nil {
		c.id = "mqttd-" + requests.GenId()
	} else if err := validateClientID(*id); err != nil {
		return err
	} else {
		c.id = *id
	}

	wake, err := newWakeup()
	if err != nil {
		// The loop still drains queued messages on its periodic pass.
		c.logf(LogWarning, "client wakeup pair unavailable: clientId=%s, err=%v", c.id, err)
		return nil
	}
	c.wake.Store(wake)
	return nil
}

func validateClientID(id string) error {
	if !utf8.ValidString(id) || strings.ContainsRune(id, 0) {
		return ErrMalformedID
	}
	return nil
}

// Destroy releases every resource held by the context. It is safe on a
// partially initialised context and on one that was already destroyed.
func (c *Client) Destroy() {
	c.destroy()
}

func (c *Client) destroy() {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	if c.msgsIn != nil {
		c.msgsIn.cleanupAll()
	}
	if c.msgsOut != nil {
		c.msgsOut.cleanupAll()
	}
	c.will = nil
	c.tls = nil
	c.acl = nil
	c.id, c.username, c.password = "", "", ""
	c.host, c.bindAddress, c.address = "", "", ""
	if w := c.wake.Swap(nil); w != nil {
		w.close()
	}
}

// adopt moves the connection of from into c, a stored session resuming
// on a new socket. c keeps its id, subscriptions and queued messages;
// from is left without a socket.
func (c *Client) adopt(from *Client) {
	c.sock, from.sock = from.sock, nil
	c.listener = from.listener
	c.address = from.address
	c.protocol = from.protocol
	c.username, c.password = from.username, from.password
	c.acl, from.acl = from.acl, nil
	c.will, from.will = from.will, nil
	c.tls, from.tls = from.tls, nil
	c.keepalive = from.keepalive
	c.maxQoS = from.maxQoS
	c.lastMsgIn = from.lastMsgIn
	c.cleanStart = from.cleanStart
	c.sessionExpiry = from.sessionExpiry
	c.disconnectedAt = time.Time{}
	if c.log == nil {
		c.log = from.log
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Username() string { return c.username }
func (c *Client) CleanStart() bool { return c.cleanStart }
func (c *Client) Address() string  { return c.address }
func (c *Client) Userdata() any    { return c.userdata }

// Socket returns the live socket, nil when there is none.
func (c *Client) Socket() net.Conn { return c.sock }

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

func (c *Client) Keepalive() time.Duration { return c.keepalive }

func (c *Client) InflightMaximum() uint16 {
	if c.msgsOut == nil {
		return 0
	}
	c.msgsOut.mu.Lock()
	defer c.msgsOut.mu.Unlock()
	return c.msgsOut.inflightMaximum
}

func (c *Client) InflightQuota() uint16 {
	if c.msgsOut == nil {
		return 0
	}
	return c.msgsOut.quota()
}

// WantWrite reports whether outbound messages are waiting for the socket.
func (c *Client) WantWrite() bool {
	return c.msgsOut != nil && len(c.msgsOut.ready()) > 0
}

// Will returns a copy of the configured will, nil when none.
func (c *Client) Will() *Will {
	if c.will == nil {
		return nil
	}
	w := *c.will
	return &w
}

func (c *Client) SetWill(w *Will) error {
	if w == nil || !topic.ValidName(w.Topic) || w.QoS > 2 {
		return ErrInvalid
	}
	will := *w
	will.Payload = append([]byte(nil), w.Payload...)
	c.will = &will
	return nil
}

func (c *Client) ClearWill() {
	c.will = nil
}

func (c *Client) SetCredentials(username, password string) error {
	if username == "" && password != "" {
		return ErrInvalid
	}
	if !utf8.ValidString(username) {
		return ErrMalformedID
	}
	c.username, c.password = username, password
	return nil
}

// SetTLS records the TLS material for the context. A CA file or path is
// required; certificate and key go together.
func (c *Client) SetTLS(opts TLSOptions) error {
	if opts.CAFile == "" && opts.CAPath == "" {
		return ErrInvalid
	}
	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return ErrInvalid
	}
	for _, f := range []string{opts.CAFile, opts.CAPath, opts.CertFile, opts.KeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	if c.tls == nil {
		c.tls = new(tlsState)
	}
	c.tls.opts = opts
	return nil
}

// SetTLSPSK configures a hex encoded pre-shared key.
func (c *Client) SetTLSPSK(psk, identity string) error {
	if identity == "" {
		return ErrInvalid
	}
	if _, err := hex.DecodeString(psk); err != nil || psk == "" {
		return ErrInvalid
	}
	if c.tls == nil {
		c.tls = new(tlsState)
	}
	c.tls.psk, c.tls.pskIdentity = psk, identity
	return nil
}

// TLSOptions returns the configured TLS material and whether any is set.
func (c *Client) TLSOptions() (TLSOptions, bool) {
	if c.tls == nil {
		return TLSOptions{}, false
	}
	return c.tls.opts, true
}

// TLSConnectionState is the handshake state of a TLS socket, nil otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if c.tls == nil {
		return nil
	}
	return c.tls.conn
}

func (c *Client) OnConnect(fn func(c *Client, userdata any, rc int))    { c.onConnect = fn }
func (c *Client) OnDisconnect(fn func(c *Client, userdata any, rc int)) { c.onDisconnect = fn }
func (c *Client) OnPublish(fn func(c *Client, userdata any, mid uint16)) {
	c.onPublish = fn
}
func (c *Client) OnMessage(fn func(c *Client, userdata any, msg *Message)) { c.onMessage = fn }
func (c *Client) OnSubscribe(fn func(c *Client, userdata any, mid uint16, granted []byte)) {
	c.onSubscribe = fn
}
func (c *Client) OnUnsubscribe(fn func(c *Client, userdata any, mid uint16)) { c.onUnsubscribe = fn }
func (c *Client) OnLog(fn func(c *Client, userdata any, level LogLevel, msg string)) {
	c.onLog = fn
}

// nextMid returns the next packet identifier, skipping 0.
func (c *Client) nextMid() uint16 {
	for {
		if mid := uint16(c.lastMid.Add(1)); mid != 0 {
			return mid
		}
	}
}

// Enqueue adds msg to the outbound queue and wakes the event loop. It may
// be called from any goroutine. ErrNoMem means the queue is full and the
// message was dropped.
func (c *Client) Enqueue(msg *Message) (uint16, error) {
	if msg == nil || !topic.ValidName(msg.Topic) || msg.QoS > 2 {
		return 0, ErrInvalid
	}
	if c.msgsOut == nil {
		return 0, ErrInvalid
	}
	cm := &clientMessage{msg: msg, qos: msg.QoS}
	if cm.qos > 0 {
		cm.mid = c.nextMid()
	}
	if !c.msgsOut.push(cm) {
		stat.MessagesDropped.Inc()
		return 0, ErrNoMem
	}
	c.wake.Load().signal()
	return cm.mid, nil
}

func (c *Client) logf(level LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.onLog != nil {
		c.onLog(c, c.userdata, level, msg)
	}
	c.log.Printf(level, "%s", msg)
}
