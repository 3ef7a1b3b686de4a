// Package util provides helper functions for logging events
package util

import (
	"fmt"
	"log"
	"time"
)

var debug bool

// SetDebug toggles Debug output. Call once at startup, before goroutines spawn.
func SetDebug(on bool) {
	debug = on
}

// Info prints general system information messages with timestamp.
func Info(msg string, args ...any) {
	log.Printf("[INFO] %s | %s", time.Now().Format(time.RFC3339), fmt.Sprintf(msg, args...))
}

// Warn prints recoverable problem messages with timestamp.
func Warn(msg string, args ...any) {
	log.Printf("[WARN] %s | %s", time.Now().Format(time.RFC3339), fmt.Sprintf(msg, args...))
}

// Error prints error messages with timestamp.
func Error(msg string, args ...any) {
	log.Printf("[ERROR] %s | %s", time.Now().Format(time.RFC3339), fmt.Sprintf(msg, args...))
}

// Debug prints verbose diagnostics when enabled with SetDebug.
func Debug(msg string, args ...any) {
	if !debug {
		return
	}
	log.Printf("[DEBUG] %s | %s", time.Now().Format(time.RFC3339), fmt.Sprintf(msg, args...))
}
