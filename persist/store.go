// Package persist stores broker sessions across restarts.
package persist

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound = errors.New("persist: session not found")
	ErrClosed   = errors.New("persist: store not open")
)

// Store is the persistence backend used by the broker. Open is called
// once during startup before any other method; Close is idempotent.
type Store interface {
	Open(ctx context.Context) error
	Close() error

	Sessions(ctx context.Context) iter.Seq2[*Session, error]
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error

	// Sync flushes pending writes to durable storage.
	Sync() error
}

// Session is the persisted state of a client that did not request a clean
// start.
type Session struct {
	ID             string         `msgpack:"id"`
	Username       string         `msgpack:"username,omitempty"`
	ExpiryInterval uint32         `msgpack:"expiry,omitempty"` // seconds, 0 never expires
	Will           *Will          `msgpack:"will,omitempty"`
	Subscriptions  []Subscription `msgpack:"subs,omitempty"`
	Messages       []Message      `msgpack:"msgs,omitempty"` // queued outbound
	SavedAt        time.Time      `msgpack:"saved_at"`
}

type Will struct {
	Topic   string `msgpack:"topic"`
	Payload []byte `msgpack:"payload"`
	QoS     byte   `msgpack:"qos"`
	Retain  bool   `msgpack:"retain"`
	Delay   uint32 `msgpack:"delay,omitempty"`
}

type Subscription struct {
	Filter string `msgpack:"filter"`
	QoS    byte   `msgpack:"qos"`
}

type Message struct {
	Topic   string `msgpack:"topic"`
	Payload []byte `msgpack:"payload"`
	QoS     byte   `msgpack:"qos"`
	Retain  bool   `msgpack:"retain"`
}

const sessionPrefix = "session/"

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func encodeSession(s *Session) ([]byte, error) {
	return msgpack.Marshal(s)
}

func decodeSession(b []byte) (*Session, error) {
	s := new(Session)
	if err := msgpack.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}
