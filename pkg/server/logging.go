package server

import (
	"io"
	"log"
	"os"
)

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds

var (
	errorLog = log.New(os.Stderr, "ERROR: ", logFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", logFlags)
)

// EnableDebugLogging turns on per-unit debug output
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
