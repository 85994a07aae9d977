// Package mqttd implements the session and lifecycle core of an MQTT broker:
// per-client contexts, the listener socket registry, startup and shutdown
// ordering, and the event loop that ties them together.
package mqttd

import "fmt"

const (
	VERSION31  byte = 3
	VERSION311 byte = 4
)

// LibVersion returns the library version as major, minor, revision.
func LibVersion() (major, minor, revision int) {
	return 2, 0, 18
}

// Version is LibVersion formatted as "major.minor.revision".
func Version() string {
	major, minor, revision := LibVersion()
	return fmt.Sprintf("%d.%d.%d", major, minor, revision)
}

// A ClientState represents the state of a client session.
type ClientState int32

const (
	// StateNew is a freshly created or reinitialised context that has not
	// seen a CONNECT yet.
	StateNew ClientState = iota

	// StateConnecting is an accepted socket whose CONNECT is being handled.
	StateConnecting

	// StateConnected has a live socket and an accepted CONNECT.
	StateConnected

	// StateDisconnecting is set while the socket is being torn down.
	StateDisconnecting

	// StateDisconnected is a persistent session without a live socket.
	StateDisconnected

	// StateExpired marks a session whose expiry interval elapsed. This is
	// a terminal state.
	StateExpired
)

var clientStateName = map[ClientState]string{
	StateNew:           "new",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateDisconnected:  "disconnected",
	StateExpired:       "expired",
}

func (s ClientState) String() string {
	return clientStateName[s]
}

// A BrokerState represents the lifecycle phase of a Broker.
type BrokerState int32

const (
	BrokerInit BrokerState = iota
	BrokerListening
	BrokerRunning
	BrokerStopping
	BrokerStopped
)

var brokerStateName = map[BrokerState]string{
	BrokerInit:      "init",
	BrokerListening: "listening",
	BrokerRunning:   "running",
	BrokerStopping:  "stopping",
	BrokerStopped:   "stopped",
}

func (s BrokerState) String() string {
	return brokerStateName[s]
}
