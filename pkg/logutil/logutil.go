package logutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

// Configure sets the process-wide log level and output. The empty string
// means "info".
func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetTimeFormat(time.RFC3339)
	log.SetReportTimestamp(true)
	return nil
}

// Named returns a logger tagged with a component prefix.
func Named(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}
