package mqttd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/netutil"
	"gopkg.in/yaml.v3"
)

type Protocol string

const (
	ProtocolMQTT       Protocol = "mqtt"
	ProtocolWebsockets Protocol = "websockets"
)

// ListenerSecurity is the per-listener security posture.
type ListenerSecurity struct {
	// AllowAnonymous is -1 to inherit Config.AllowAnonymous, 0 to deny and
	// 1 to allow.
	AllowAnonymous          int8 `json:"allowAnonymous" yaml:"allowAnonymous"`
	AllowZeroLengthClientID bool `json:"allowZeroLengthClientId" yaml:"allowZeroLengthClientId"`
}

// ListenerConfig describes one configured endpoint. Starting it may open
// several sockets, one per resolved address.
type ListenerConfig struct {
	Host           string           `json:"host" yaml:"host"`
	Port           uint16           `json:"port" yaml:"port"`
	Protocol       Protocol         `json:"protocol" yaml:"protocol"`
	MaxConnections int              `json:"maxConnections" yaml:"maxConnections"`
	MaxQoS         byte             `json:"maxQos" yaml:"maxQos"`
	MaxTopicAlias  uint16           `json:"maxTopicAlias" yaml:"maxTopicAlias"`
	CertFile       string           `json:"certFile" yaml:"certFile"`
	KeyFile        string           `json:"keyFile" yaml:"keyFile"`
	Security       ListenerSecurity `json:"security" yaml:"security"`
}

// SetDefaults resets the listener options, leaving host and port alone.
func (l *ListenerConfig) SetDefaults() {
	l.Security.AllowAnonymous = -1
	l.Security.AllowZeroLengthClientID = true
	l.Protocol = ProtocolMQTT
	l.MaxConnections = -1
	l.MaxQoS = 2
	l.MaxTopicAlias = 10
}

func (l *ListenerConfig) UnmarshalJSON(b []byte) error {
	type plain ListenerConfig
	l.SetDefaults()
	return json.Unmarshal(b, (*plain)(l))
}

func (l *ListenerConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain ListenerConfig
	l.SetDefaults()
	return n.Decode((*plain)(l))
}

func (l *ListenerConfig) String() string {
	return fmt.Sprintf("%s://%s", l.Protocol, net.JoinHostPort(l.Host, strconv.Itoa(int(l.Port))))
}

// ListenFunc opens one listening socket. It matches net.Listen.
type ListenFunc func(network, address string) (net.Listener, error)

// ListenerSocket is one open socket and the listener config it serves.
type ListenerSocket struct {
	Sock     net.Listener
	Listener *ListenerConfig
}

// Registry is the ordered set of open listening sockets. Its methods
// are safe for concurrent use.
type Registry struct {
	Listen ListenFunc
	// Resolve maps a host name to addresses; nil uses net.DefaultResolver.
	Resolve func(ctx context.Context, host string) ([]net.IPAddr, error)

	mu    sync.RWMutex
	socks []ListenerSocket
}

func NewRegistry(listen ListenFunc) *Registry {
	if listen == nil {
		listen = net.Listen
	}
	return &Registry{Listen: listen}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.socks)
}

// Sockets returns a copy of the registered sockets in start order.
func (r *Registry) Sockets() []ListenerSocket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ListenerSocket(nil), r.socks...)
}

// addresses lists the listen addresses for l: one dual-stack wildcard
// when Host is empty, otherwise one per resolved address.
func (r *Registry) addresses(l *ListenerConfig) ([][2]string, error) {
	port := strconv.Itoa(int(l.Port))
	if l.Host == "" {
		return [][2]string{{"tcp", net.JoinHostPort("", port)}}, nil
	}
	if ip := net.ParseIP(l.Host); ip != nil {
		return [][2]string{{network(ip), net.JoinHostPort(l.Host, port)}}, nil
	}
	resolve := r.Resolve
	if resolve == nil {
		resolve = net.DefaultResolver.LookupIPAddr
	}
	ips, err := resolve(context.Background(), l.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for host=%s", l.Host)
	}
	out := make([][2]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, [2]string{network(ip.IP), net.JoinHostPort(ip.String(), port)})
	}
	return out, nil
}

func network(ip net.IP) string {
	if ip.To4() != nil {
		return "tcp4"
	}
	return "tcp6"
}

// StartSingle opens every socket of l and appends them to the registry.
// Either all sockets are registered or none: on failure every socket
// opened for l is closed and ErrUnknown is returned.
func (r *Registry) StartSingle(l *ListenerConfig) (err error) {
	addrs, err := r.addresses(l)
	if err != nil {
		return fmt.Errorf("%w: resolve listener %s: %v", ErrUnknown, l, err)
	}

	var tlsConfig *tls.Config
	if l.CertFile != "" || l.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
		if err != nil {
			return fmt.Errorf("%w: load key pair for %s: %v", ErrUnknown, l, err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	opened := make([]ListenerSocket, 0, len(addrs))
	defer func() {
		if err != nil {
			for _, ls := range opened {
				_ = ls.Sock.Close()
			}
		}
	}()
	for _, a := range addrs {
		ln, err := r.Listen(a[0], a[1])
		if err != nil {
			return fmt.Errorf("%w: listen %s %s: %v", ErrUnknown, a[0], a[1], err)
		}
		if ln == nil {
			return fmt.Errorf("%w: listen %s %s returned no socket", ErrUnknown, a[0], a[1])
		}
		if l.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, l.MaxConnections)
		}
		if l.Protocol == ProtocolWebsockets {
			ln = newWSListener(ln, tlsConfig)
		} else if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		opened = append(opened, ListenerSocket{Sock: ln, Listener: l})
	}
	r.mu.Lock()
	r.socks = append(r.socks, opened...)
	r.mu.Unlock()
	return nil
}

// Stop closes every registered socket. Calling it again is a no-op.
func (r *Registry) Stop() error {
	r.mu.Lock()
	socks := r.socks
	r.socks = nil
	r.mu.Unlock()

	var errs []error
	for _, ls := range socks {
		if err := ls.Sock.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	clear(socks)
	return errors.Join(errs...)
}

// startListeners opens the broker's sockets. In local-only mode it
// binds 127.0.0.1 and ::1 on every command port (1883 by default). On
// failure everything opened is closed, persistence is closed and the pid
// file removed before the error is returned.
func (b *Broker) startListeners() (err error) {
	defer func() {
		if err == nil && b.registry.Len() == 0 {
			err = fmt.Errorf("%w: unable to start any listening sockets", ErrUnknown)
		}
		if err != nil {
			b.log.Printf(LogErr, "Error: %v", err)
			_ = b.registry.Stop()
			b.closePersistence()
			b.removePid()
		}
	}()

	if b.config.LocalOnly {
		return b.startLocalOnly()
	}
	for _, l := range b.config.Listeners {
		if err := b.registry.StartSingle(l); err != nil {
			return err
		}
		b.log.Printf(LogNotice, "Opening %s listen socket on %s.", l.Protocol, l)
	}
	return nil
}

func (b *Broker) startLocalOnly() error {
	b.log.Printf(LogWarning, "Starting in local only mode. Connections will only be possible from clients running on this machine.")
	b.log.Printf(LogWarning, "Create a configuration file which defines a listener to allow remote access.")

	ports := b.config.Ports
	if len(ports) == 0 {
		ports = []uint16{defaultPort}
	}
	b.config.Listeners = nil
	for _, port := range ports {
		for _, host := range []string{"127.0.0.1", "::1"} {
			l, err := b.config.AddLocalListener(host, port)
			if err != nil {
				return err
			}
			if err := b.registry.StartSingle(l); err != nil {
				return err
			}
			b.log.Printf(LogNotice, "Opening local listen socket on %s.", l)
		}
	}
	return nil
}
