// Package safego launches goroutines that log a panic before propagating it,
// so a background failure shows up in the operational log instead of only
// on stderr.
package safego

import (
	"log"
	"runtime/debug"
)

// Go runs fn in a new goroutine. If fn panics, the panic and its stack are
// written to logger before the panic continues to unwind and crash the
// process — background components should never die silently.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
