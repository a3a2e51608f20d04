package logging

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

var (
	nilLogger      = zerolog.New(io.Discard).Level(zerolog.Disabled)
	TestNilLogging = NewLogging(nil)
)

// Logging is embedded by long-lived components; the component sets its own
// zerolog context once and inherits the parent logger with SetLogging.
type Logging struct {
	log         *zerolog.Logger
	contextFunc func(zerolog.Context) zerolog.Context
	sync.RWMutex
}

func NewLogging(f func(zerolog.Context) zerolog.Context) *Logging {
	l := &Logging{contextFunc: f}

	return l.SetLogger(nilLogger)
}

func (l *Logging) Log() *zerolog.Logger {
	l.RLock()
	defer l.RUnlock()

	return l.log
}

func (l *Logging) SetLogger(nl zerolog.Logger) *Logging {
	l.Lock()
	defer l.Unlock()

	log := nl
	if l.contextFunc != nil {
		log = l.contextFunc(nl.With()).Logger()
	}

	l.log = &log

	return l
}

func (l *Logging) SetLogging(parent *Logging) *Logging {
	return l.SetLogger(*parent.Log())
}

func (l *Logging) IsTraceLog() bool {
	return l.Log().GetLevel() <= zerolog.TraceLevel
}
