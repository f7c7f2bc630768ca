// Package safego launches background goroutines that survive panics.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine named for logging. A panic inside fn is
// recovered and logged with its stack instead of killing the process.
// Use it for fire-and-forget work such as audit event shipping, where a
// lost goroutine would otherwise fail silently.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
