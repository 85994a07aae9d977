package mqttd

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel is a bit set of log message classes.
type LogLevel uint32

const (
	LogInfo LogLevel = 1 << iota
	LogNotice
	LogWarning
	LogErr
	LogDebug
	LogSubscribe
	LogUnsubscribe
	LogWebsockets

	LogNone LogLevel = 0
	LogAll  LogLevel = 0xFF
)

var logLevelNames = map[string]LogLevel{
	"information": LogInfo,
	"notice":      LogNotice,
	"warning":     LogWarning,
	"error":       LogErr,
	"debug":       LogDebug,
	"subscribe":   LogSubscribe,
	"unsubscribe": LogUnsubscribe,
	"websockets":  LogWebsockets,
	"all":         LogAll,
	"none":        LogNone,
}

// topicSuffix is the level part of $SYS/broker/log/<suffix>.
func (l LogLevel) topicSuffix() string {
	switch l {
	case LogInfo:
		return "I"
	case LogNotice:
		return "N"
	case LogWarning:
		return "W"
	case LogErr:
		return "E"
	case LogDebug:
		return "D"
	case LogSubscribe:
		return "M/subscribe"
	case LogUnsubscribe:
		return "M/unsubscribe"
	case LogWebsockets:
		return "WS"
	default:
		return "?"
	}
}

// LogConfig selects log destinations and message classes.
//
// Dest entries are "stderr", "stdout", "file:<path>", "topic" or "none".
// Types are the names in logLevelNames; empty means error, warning,
// notice and information.
type LogConfig struct {
	Dest  []string `json:"dest" yaml:"dest"`
	Types []string `json:"types" yaml:"types"`
}

// Logger writes broker log lines to the configured destinations. A nil
// *Logger logs through the standard logger, which is what the broker uses
// before its logging stage has run.
type Logger struct {
	mu     sync.Mutex
	mask   LogLevel
	out    *log.Logger
	files  []*os.File
	closed bool

	toTopic bool
	topic   func(topic string, payload []byte)
	inTopic atomic.Bool
}

// NewLogger opens every destination in cfg. Files are opened for append.
func NewLogger(cfg LogConfig) (*Logger, error) {
	l := &Logger{mask: LogErr | LogWarning | LogNotice | LogInfo}
	if len(cfg.Types) > 0 {
		l.mask = LogNone
		for _, t := range cfg.Types {
			lvl, ok := logLevelNames[strings.ToLower(t)]
			if !ok {
				return nil, fmt.Errorf("%w: log type %q", ErrInvalid, t)
			}
			l.mask |= lvl
		}
	}

	var writers []io.Writer
	dests := cfg.Dest
	if len(dests) == 0 {
		dests = []string{"stderr"}
	}
	for _, d := range dests {
		switch {
		case d == "stderr":
			writers = append(writers, os.Stderr)
		case d == "stdout":
			writers = append(writers, os.Stdout)
		case d == "topic":
			l.toTopic = true
		case d == "none":
		case strings.HasPrefix(d, "file:"):
			f, err := os.OpenFile(strings.TrimPrefix(d, "file:"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				_ = l.Close()
				return nil, fmt.Errorf("open log file: %w", err)
			}
			l.files = append(l.files, f)
			writers = append(writers, f)
		default:
			_ = l.Close()
			return nil, fmt.Errorf("%w: log dest %q", ErrInvalid, d)
		}
	}
	l.out = log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds)
	return l, nil
}

// Enabled reports whether level passes the mask.
func (l *Logger) Enabled(level LogLevel) bool {
	if l == nil {
		return level&LogDebug == 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.mask&level != 0
}

func (l *Logger) Printf(level LogLevel, format string, args ...any) {
	if l == nil {
		if level&LogDebug == 0 {
			log.Printf(format, args...)
		}
		return
	}
	l.mu.Lock()
	if l.closed || l.mask&level == 0 {
		l.mu.Unlock()
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Print(msg)
	sink := l.topic
	l.mu.Unlock()

	if l.toTopic && sink != nil && l.inTopic.CompareAndSwap(false, true) {
		sink("$SYS/broker/log/"+level.topicSuffix(), []byte(msg))
		l.inTopic.Store(false)
	}
}

// setTopicSink routes "topic" destination lines into the broker.
func (l *Logger) setTopicSink(fn func(topic string, payload []byte)) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.topic = fn
	l.mu.Unlock()
}

// Close flushes and closes file destinations. Later Printf calls are
// dropped.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.topic = nil
	var err error
	for _, f := range l.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	l.files = nil
	return err
}
