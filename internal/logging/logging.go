// Package logging builds the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to w at the given level. The console format is
// colourised for terminals; json emits one object per line.
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ParseLevel maps a level name to a zerolog level. An empty name means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return lvl, nil
}

// RedirectStdLog sends the standard library logger through l, so output from
// net/http and other packages keeps the same format.
func RedirectStdLog(l zerolog.Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(l.With().Str("component", "stdlog").Logger())
}
