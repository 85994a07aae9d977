package mqttd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-io/mqttd/persist"
	"gopkg.in/yaml.v3"
)

type Listen struct {
	URL      string `json:"url" yaml:"url"`
	CertFile string `json:"certFile" yaml:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
}

type PersistenceConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Location string `json:"location" yaml:"location"`
	InMemory bool   `json:"inMemory" yaml:"inMemory"`
}

// Config is the broker configuration, loaded from JSON or YAML.
type Config struct {
	Listeners []*ListenerConfig `json:"listeners" yaml:"listeners"`
	// LocalOnly binds loopback listeners on Ports and ignores Listeners.
	LocalOnly bool     `json:"localOnly" yaml:"localOnly"`
	Ports     []uint16 `json:"ports" yaml:"ports"`
	// MaxListeners bounds the listener table, 0 means DefaultMaxListeners.
	MaxListeners int `json:"maxListeners" yaml:"maxListeners"`

	PidFile     string            `json:"pidFile" yaml:"pidFile"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Log         LogConfig         `json:"log" yaml:"log"`

	Auth           map[string]string  `json:"Auth" yaml:"auth"`
	PasswordFile   string             `json:"passwordFile" yaml:"passwordFile"`
	ACL            map[string]ACLRule `json:"acl" yaml:"acl"`
	AllowAnonymous bool               `json:"allowAnonymous" yaml:"allowAnonymous"`

	// PersistentClientExpiration is in seconds, 0 keeps sessions forever.
	PersistentClientExpiration int    `json:"persistentClientExpiration" yaml:"persistentClientExpiration"`
	MaxInflightMessages        uint16 `json:"maxInflightMessages" yaml:"maxInflightMessages"`
	MaxQueuedMessages          int    `json:"maxQueuedMessages" yaml:"maxQueuedMessages"`
	RetryInterval              int    `json:"retryInterval" yaml:"retryInterval"`

	HTTP Listen `json:"HTTP" yaml:"http"`
}

const DefaultMaxListeners = 1024

func DefaultConfig() *Config {
	return &Config{
		MaxInflightMessages: defaultInflightMaximum,
		MaxQueuedMessages:   1000,
		RetryInterval:       20,
		AllowAnonymous:      true,
		Log:                 LogConfig{Dest: []string{"stderr"}},
	}
}

// LoadConfig reads path on top of DefaultConfig. ".yaml" and ".yml" files
// are decoded as YAML, everything else as JSON.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, c)
	default:
		err = json.Unmarshal(b, c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: path=%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) retryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.RetryInterval) * time.Second
}

func (c *Config) inflightMaximum() uint16 {
	if c.MaxInflightMessages == 0 {
		return defaultInflightMaximum
	}
	return c.MaxInflightMessages
}

func (c *Config) sessionExpiry() time.Duration {
	return time.Duration(c.PersistentClientExpiration) * time.Second
}

// AddLocalListener appends a listener for host:port with the default
// security posture plus anonymous access. ErrNoMem reports that the
// listener table is full.
func (c *Config) AddLocalListener(host string, port uint16) (*ListenerConfig, error) {
	limit := c.MaxListeners
	if limit <= 0 {
		limit = DefaultMaxListeners
	}
	if len(c.Listeners) >= limit {
		return nil, ErrNoMem
	}
	l := &ListenerConfig{Host: host, Port: port}
	l.SetDefaults()
	l.Security.AllowAnonymous = 1
	c.Listeners = append(c.Listeners, l)
	return l, nil
}

// Options are the collaborators of a Broker.
type Options struct {
	Store    persist.Store
	Security Security
	Listen   ListenFunc
	// WillHook observes every will as it is published.
	WillHook func(clientID string, w *Will)
	// ClientHook runs on the loop for every accepted CONNECT, before the
	// context's OnConnect callback. It is where callbacks get installed.
	ClientHook func(c *Client)
	// Signals installs OS signal handling in Run.
	Signals bool
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func WithStore(s persist.Store) Option {
	return func(o *Options) {
		o.Store = s
	}
}

func WithSecurity(s Security) Option {
	return func(o *Options) {
		o.Security = s
	}
}

func WithListenFunc(fn ListenFunc) Option {
	return func(o *Options) {
		o.Listen = fn
	}
}

func WithWillHook(fn func(clientID string, w *Will)) Option {
	return func(o *Options) {
		o.WillHook = fn
	}
}

func WithClientHook(fn func(c *Client)) Option {
	return func(o *Options) {
		o.ClientHook = fn
	}
}

func WithSignals(on bool) Option {
	return func(o *Options) {
		o.Signals = on
	}
}
