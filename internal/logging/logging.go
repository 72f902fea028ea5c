// Package logging centralizes zerolog construction and the field-builder
// helpers the rest of the engine uses at call sites, mirroring the
// teacher's ad hoc log.Info()/Error() chained-field style without a
// heavyweight wrapper type.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger: a human-readable console
// writer when dev is true, newline-delimited JSON otherwise (the shape the
// teacher's cmd/pulse picks between local and production runs).
func Init(dev bool, level zerolog.Level) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var w io.Writer = os.Stderr
	if dev {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

// ParseLevel maps a config string to a zerolog.Level, defaulting to Info
// for anything unrecognised rather than failing startup over a typo.
func ParseLevel(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithDetector binds a "detector" field to the global logger so call sites
// in the orchestrator can pick their own level and stay terse:
// logging.WithDetector(name).Debug().Err(err).Msg("...").
func WithDetector(name string) zerolog.Logger {
	return log.With().Str("detector", name).Logger()
}

// WithSignature binds a "signature" field, used by the signature
// coordinator.
func WithSignature(sig string) zerolog.Logger {
	return log.With().Str("signature", sig).Logger()
}

// WithPolicy binds a "policy" field, used by internal/action.
func WithPolicy(name string) zerolog.Logger {
	return log.With().Str("policy", name).Logger()
}

// WithComponent binds a "component" field for ambient-stack log lines that
// don't fit the detector/signature/policy shapes above (config watcher,
// orchestrator).
func WithComponent(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
