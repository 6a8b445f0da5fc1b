// Package logging constructs the single zerolog.Logger shared by every
// daemon in this repository (master, slave, emitter, importer). It
// follows cuemby-warren's pkg/log package shape: a package-level logger,
// an Init that picks console vs. JSON output, and small With* helpers for
// attaching the fields every control loop in spec.md §7 needs to report.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Call Init before using it; the zero
// value falls back to a JSON writer on stderr so library code never
// panics if a caller forgets to initialize.
var Logger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls how Init builds the logger.
type Config struct {
	// Verbose selects debug-level logging and a human-readable console
	// writer, matching the daemons' -v flag (spec.md §6 CLI surface).
	Verbose bool
	// Foreground selects the console writer even without Verbose; when
	// false (daemonized) output is JSON, suitable for a log collector.
	Foreground bool
	Output     io.Writer
}

// Init (re)builds the package-level Logger from cfg.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Verbose || cfg.Foreground {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the emitting
// component (e.g. "master", "expiry", "replication").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRole returns a child logger tagged with the store role ("master" or
// "slave"), per spec.md §9's Master/Slave role-controller design note.
func WithRole(role string) zerolog.Logger {
	return Logger.With().Str("role", role).Logger()
}

// WithConn returns a child logger tagged with a replication connection
// id, for correlating reconnect attempts in the logs of a single
// forwarding channel.
func WithConn(connID string) zerolog.Logger {
	return Logger.With().Str("conn_id", connID).Logger()
}
