// Package logging provides structured logging for the core, keeping the
// teacher's Info/Warn/Error/Debug(msg, key, value, ...) call shape but
// backing it with zerolog instead of the standard log package, matching
// the structured-logging idiom used elsewhere in the pack.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with a fixed component prefix.
type Logger struct {
	z zerolog.Logger
}

// NewLogger creates a new Logger tagged with the given component name.
func NewLogger(component string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	base := zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger()
	return &Logger{z: base}
}

// With returns a child Logger with an additional field attached, for
// scoping a logger to a single job/document/worker for its lifetime.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{z: l.z.With().Interface(key, value).Logger()}
}

func (l *Logger) Info(msg string, kvs ...any)  { l.log(l.z.Info(), msg, kvs...) }
func (l *Logger) Warn(msg string, kvs ...any)  { l.log(l.z.Warn(), msg, kvs...) }
func (l *Logger) Error(msg string, kvs ...any) { l.log(l.z.Error(), msg, kvs...) }
func (l *Logger) Debug(msg string, kvs ...any) { l.log(l.z.Debug(), msg, kvs...) }

func (l *Logger) log(ev *zerolog.Event, msg string, kvs ...any) {
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kvs[i+1])
	}
	ev.Msg(msg)
}
