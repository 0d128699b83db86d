// Package logging wraps zerolog behind the small interface the rest of
// this module depends on, so components never import zerolog directly.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a structured logger with leveled helpers taking key-value pairs.
type Logger struct {
	z zerolog.Logger
}

// Default is the package-level logger used when a component is not
// given one explicitly.
var Default = New("info", "console")

// New builds a Logger at the given level ("debug", "info", "warn", "error")
// with the given format ("console" or "json").
func New(level, format string) *Logger {
	var lvl zerolog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = zerolog.DebugLevel
	case "WARN":
		lvl = zerolog.WarnLevel
	case "ERROR":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	} else {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		z = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	}

	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

func (l *Logger) Info(msg string, args ...any)  { l.log(l.z.Info(), msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.log(l.z.Debug(), msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(l.z.Warn(), msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(l.z.Error(), msg, args...) }

func (l *Logger) log(e *zerolog.Event, msg string, args ...any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
