// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package prov

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that will never output anything. Packages use it as
// their default logger until the caller installs a real one.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system
// ("trace", "debug", "info", "warn", "error", "critical") or the verbosity for
// individual subsystems, separating subsystems by commas and assigning each
// specifically, e.g. "CONF=debug,RELAY=trace".
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, buildFlags(utc)...),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}
	if debugLevel == "" {
		return lm, nil
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	// Per-subsystem settings, e.g. "CONF=debug,RELAY=trace".
	for _, s := range strings.Split(debugLevel, ",") {
		fields := strings.Split(s, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed log level specification: %q", s)
		}
		lvl, ok := slog.LevelFromString(fields[1])
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %q", fields[1], fields[0])
		}
		lm.Levels[fields[0]] = lvl
	}
	return lm, nil
}

func buildFlags(utc bool) []slog.BackendOption {
	if utc {
		return []slog.BackendOption{slog.WithFlags(slog.LUTC)}
	}
	return nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// Logger creates a named Logger, using the explicitly set subsystem level if
// one exists, else the DefaultLevel.
func (lm *LoggerMaker) Logger(name string) Logger {
	logger := lm.Backend.Logger(name)
	lvl, found := lm.Levels[name]
	if !found {
		lvl = lm.DefaultLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger is a convenience for tests and short-lived tools, logging
// everything at trace level to the provided writer.
func StdOutLogger(name string, writer io.Writer) Logger {
	logger := slog.NewBackend(writer).Logger(name)
	logger.SetLevel(slog.LevelTrace)
	return logger
}
