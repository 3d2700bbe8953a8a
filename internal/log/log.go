// Package log provides the scoped logging facility shared by every
// dnsconfd subsystem: a package-level global level plus per-subsystem
// loggers that can individually override it.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	LevelTrace = "trace"
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

type Level int

const (
	LevelErrorNum Level = iota
	LevelWarnNum
	LevelInfoNum
	LevelDebugNum
	LevelTraceNum
	levelNone
)

var globalLevel = LevelInfoNum

// ParseLevel converts a string level name to its numeric Level, or
// levelNone if the string is not recognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case LevelError:
		return LevelErrorNum
	case LevelWarn:
		return LevelWarnNum
	case LevelInfo:
		return LevelInfoNum
	case LevelDebug:
		return LevelDebugNum
	case LevelTrace:
		return LevelTraceNum
	default:
		return levelNone
	}
}

// SetGlobalLevel sets the level inherited by scoped loggers created
// without an explicit override.
func SetGlobalLevel(s string) {
	if l := ParseLevel(s); l != levelNone {
		globalLevel = l
	}
}

// Scoped is a per-subsystem logger carrying a fixed prefix, e.g. "[fsm]".
type Scoped struct {
	prefix string
	level  Level
}

// New creates a scoped logger. An empty levelOverride inherits the
// current global level; an unrecognized one also falls back to it.
func New(prefix, levelOverride string) *Scoped {
	level := globalLevel
	if levelOverride != "" {
		if l := ParseLevel(levelOverride); l != levelNone {
			level = l
		}
	}
	return &Scoped{prefix: prefix, level: level}
}

func (s *Scoped) enabled(l Level) bool { return l <= s.level }

func (s *Scoped) emit(dest *log.Logger, tag, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if s.prefix != "" {
		msg = s.prefix + " " + msg
	}
	shared := sharedLogger()
	if shared.timestamps {
		msg = time.Now().Format("2006-01-02 15:04:05") + " " + tag + " " + msg
	} else {
		msg = tag + " " + msg
	}
	dest.Output(3, msg)
}

func (s *Scoped) Trace(format string, args ...interface{}) {
	if s.enabled(LevelTraceNum) {
		s.emit(sharedLogger().out, "   TRACE", format, args...)
	}
}

func (s *Scoped) Debug(format string, args ...interface{}) {
	if s.enabled(LevelDebugNum) {
		s.emit(sharedLogger().out, "   DEBUG", format, args...)
	}
}

func (s *Scoped) Info(format string, args ...interface{}) {
	if s.enabled(LevelInfoNum) {
		s.emit(sharedLogger().out, "    INFO", format, args...)
	}
}

func (s *Scoped) Warn(format string, args ...interface{}) {
	if s.enabled(LevelWarnNum) {
		s.emit(sharedLogger().out, "    WARN", format, args...)
	}
}

func (s *Scoped) Error(format string, args ...interface{}) {
	if s.enabled(LevelErrorNum) {
		s.emit(sharedLogger().err, "   ERROR", format, args...)
	}
}

type shared struct {
	out        *log.Logger
	err        *log.Logger
	timestamps bool
	mu         sync.Mutex
}

var sharedInstance *shared
var sharedOnce sync.Once

func sharedLogger() *shared {
	sharedOnce.Do(func() {
		sharedInstance = &shared{
			out:        log.New(os.Stdout, "", 0),
			err:        log.New(os.Stderr, "", 0),
			timestamps: true,
		}
	})
	return sharedInstance
}

// SetOutput redirects both logger streams, used by main to route output
// to the configured destinations.
func SetOutput(w io.Writer) {
	s := sharedLogger()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.SetOutput(w)
	s.err.SetOutput(w)
}

// SetTimestamps toggles the leading timestamp on every log line.
func SetTimestamps(show bool) {
	s := sharedLogger()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamps = show
}
