package server

import (
	"io"
	"log"
	"os"
)

var (
	// debugLog carries per-frame and per-event tracing; silent unless enabled
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
)

// EnableDebugLogging routes debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
