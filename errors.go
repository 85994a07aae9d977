package mqttd

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid reports a missing or contradictory argument.
	ErrInvalid = errors.New("mqttd: invalid argument")
	// ErrNoMem reports that a bounded resource could not grow.
	ErrNoMem = errors.New("mqttd: out of memory")
	// ErrMalformedID reports a client id that is not valid UTF-8.
	ErrMalformedID = errors.New("mqttd: malformed client id")
	// ErrUnknown wraps OS level failures such as bind errors.
	ErrUnknown = errors.New("mqttd: unknown error")

	// ErrBrokerClosed is returned by Run after the broker has stopped.
	ErrBrokerClosed = errors.New("mqttd: Broker closed")
)

// Code is the result classification exposed to callers that need a value
// rather than an error.
type Code int

const (
	Success Code = iota
	Invalid
	NoMem
	MalformedID
	Unknown
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case Invalid:
		return "INVALID"
	case NoMem:
		return "NOMEM"
	case MalformedID:
		return "MALFORMED_ID"
	default:
		return "UNKNOWN"
	}
}

// CodeOf classifies err. nil is Success; errors outside the taxonomy are
// Unknown.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalid):
		return Invalid
	case errors.Is(err, ErrNoMem):
		return NoMem
	case errors.Is(err, ErrMalformedID):
		return MalformedID
	default:
		return Unknown
	}
}

// Stage names a startup step of the broker.
type Stage int

const (
	StagePidFile Stage = iota + 1
	StagePersistence
	StageLogging
	StageSecurity
	StageListeners
	StageMux
)

var stageNames = map[Stage]string{
	StagePidFile:     "pid file",
	StagePersistence: "persistence",
	StageLogging:     "logging",
	StageSecurity:    "security",
	StageListeners:   "listeners",
	StageMux:         "multiplexer",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StartupError is returned by Broker.Run when a startup stage fails.
type StartupError struct {
	Stage Stage
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("mqttd: startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ExitCode is the process exit status for this failure. Every stage maps
// to its own non-zero value.
func (e *StartupError) ExitCode() int {
	return int(e.Stage) + 1
}
