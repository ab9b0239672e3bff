// Package logging provides the printf-style logging helpers used across
// conductor. Output is routed through a shared hclog logger so the log
// level can be driven from configuration.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

var (
	mu     sync.RWMutex
	logger = hclog.New(&hclog.LoggerOptions{
		Name:   "conductor",
		Level:  hclog.Info,
		Output: os.Stderr,
	})
)

// SetLevel updates the level the shared logger filters at. Unknown level
// names fall back to INFO.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.SetLevel(hclog.Debug)
	case "INFO":
		logger.SetLevel(hclog.Info)
	case "WARNING", "WARN":
		logger.SetLevel(hclog.Warn)
	case "ERROR":
		logger.SetLevel(hclog.Error)
	default:
		logger.SetLevel(hclog.Info)
	}
}

// Debug logs at the DEBUG level.
func Debug(format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Debug(fmt.Sprintf(format, v...))
}

// Info logs at the INFO level.
func Info(format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Info(fmt.Sprintf(format, v...))
}

// Warning logs at the WARN level.
func Warning(format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Warn(fmt.Sprintf(format, v...))
}

// Error logs at the ERROR level.
func Error(format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	logger.Error(fmt.Sprintf(format, v...))
}
