// Package log provides process-wide leveled logging plus an env-gated debug log.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// InfoLog, WarningLog, and ErrorLog are the process-wide leveled loggers.
// They discard until Initialize is called, so library code (and tests) can
// log unconditionally.
var (
	InfoLog    = log.New(io.Discard, "", 0)
	WarningLog = log.New(io.Discard, "", 0)
	ErrorLog   = log.New(io.Discard, "", 0)

	logFile *os.File
)

var logFileName = filepath.Join(os.TempDir(), "ainb.log")

// Initialize opens the process log file and wires the leveled loggers to it.
// When daemon is true, messages are written only to the file (no stderr echo),
// matching a pool leader running detached from a terminal.
func Initialize(daemon bool) error {
	f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		InfoLog = log.New(io.Discard, "", 0)
		WarningLog = log.New(io.Discard, "", 0)
		ErrorLog = log.New(io.Discard, "", 0)
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f

	// Info and warnings go to the file only, so command output stays clean;
	// errors also reach stderr unless running detached.
	var infoW, warnW, errW io.Writer = f, f, f
	if !daemon {
		errW = io.MultiWriter(f, os.Stderr)
	}

	flags := log.Ldate | log.Ltime
	InfoLog = log.New(infoW, "INFO: ", flags)
	WarningLog = log.New(warnW, "WARN: ", flags)
	ErrorLog = log.New(errW, "ERROR: ", flags)
	return nil
}

// Close flushes and closes the process log file.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
