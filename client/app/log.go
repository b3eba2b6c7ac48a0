// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"dtrex.org/xchbridge/dtx"
	"github.com/jrick/logrotate/rotator"
)

const maxLogRolls = 16

// logWriter implements an io.Writer that outputs to a rotating log file and,
// optionally, stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

// Write writes the data in p to stdout and the log rotator.
func (w *logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// InitLogging initializes file-based rotating logging. It returns a
// LoggerMaker for creating subsystem loggers, and a close function that
// flushes and closes the log rotator. This function must be called before
// using the LoggerMaker, and the close function must be called on application
// shutdown to ensure all log messages are flushed.
func InitLogging(logPath, lvl string, stdout, utc bool) (*dtx.LoggerMaker, func(), error) {
	err := os.MkdirAll(filepath.Dir(logPath), 0700)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logPath, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := dtx.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, err
	}
	closeFn := func() {
		logRotator.Close()
	}
	return lm, closeFn, nil
}
