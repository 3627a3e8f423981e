// Package logging provides the per-layer loggers shared across the stack.
package logging

import (
	"log"
	"os"
)

// New returns a logger tagged with the given layer name, e.g. "[network]".
// Each layer owns its own *log.Logger rather than mutating the global
// logger, so layers can run concurrently without racing on the prefix.
func New(tag string) *log.Logger {
	return log.New(os.Stderr, "["+tag+"] ", log.LstdFlags|log.Lmicroseconds)
}
