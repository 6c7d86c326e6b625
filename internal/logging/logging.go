// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type Options struct {
	Production bool
	Debug      bool
	Level      string
}

// Setup installs the global logger. Outside production output is pretty
// printed. An explicit level wins over the debug flag.
func Setup(opts Options) zerolog.Logger {
	zlog.Logger = New(os.Stdout, opts)
	zerolog.SetGlobalLevel(Level(opts))
	return zlog.Logger
}

// New builds a logger writing to out without touching global state.
func New(out io.Writer, opts Options) zerolog.Logger {
	if !opts.Production {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(Level(opts))
}

func Level(opts Options) zerolog.Level {
	if opts.Level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level)); err == nil {
			return lvl
		}
	}
	if opts.Debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
