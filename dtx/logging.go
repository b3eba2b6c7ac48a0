// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dtx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Logger is the logging type used throughout xchbridge. Every constructor
// that does any logging accepts one.
type Logger = slog.Logger

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker creates a new LoggerMaker with the provided io.Writer and
// debug level string. See SetLevelsFromString for details on the debug level
// string.
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, buildBackendOpts(utc)...),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}
	if debugLevel == "" {
		return lm, nil
	}
	return lm, lm.SetLevelsFromString(debugLevel)
}

func buildBackendOpts(utc bool) []slog.BackendOption {
	if utc {
		return []slog.BackendOption{slog.WithFlags(slog.LUTC)}
	}
	return nil
}

// SetLevelsFromString sets the logging levels from the provided string, which
// is either a single level applied to all subsystems, or a comma-separated
// list of subsystem=level pairs.
func (lm *LoggerMaker) SetLevelsFromString(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as the
	// log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is invalid", debugLevel)
		}
		lm.DefaultLevel = lvl
		return nil
	}

	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%v]", logLevelPair)
		}
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an invalid format [%v]", logLevelPair)
		}
		subsys, logLevel := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(logLevel)
		if !ok {
			return fmt.Errorf("the specified debug level [%v] is invalid", logLevel)
		}
		lm.Levels[subsys] = lvl
	}
	return nil
}

// SetLevelsFromMap sets the logging levels of the subsystems in the provided
// map, leaving others at DefaultLevel.
func (lm *LoggerMaker) SetLevelsFromMap(lvls map[string]slog.Level) {
	for name, lvl := range lvls {
		lm.Levels[name] = lvl
	}
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// Logger creates a new Logger for the subsystem with the given name, at the
// level registered for that subsystem, or DefaultLevel if unregistered.
func (lm *LoggerMaker) Logger(name string) Logger {
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lm.bestLevel(name))
	return logger
}

// bestLevel takes a hierarchy of logger subsystem names and returns the first
// set Level, falling back to DefaultLevel.
func (lm *LoggerMaker) bestLevel(lvls ...string) slog.Level {
	lvl := lm.DefaultLevel
	for _, l := range lvls {
		if level, found := lm.Levels[l]; found {
			lvl = level
			break
		}
	}
	return lvl
}

// StdOutLogger returns a Logger with the provided name that writes to stdout
// at the trace level. Intended for use in tests.
func StdOutLogger(name string) Logger {
	logger := slog.NewBackend(os.Stdout).Logger(name)
	logger.SetLevel(slog.LevelTrace)
	return logger
}
