// Package recovery turns goroutine panics into log records or errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is the error produced by RecoverToError.
type PanicError struct {
	Goroutine string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines that have no caller waiting
// for an error.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "healthServer")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
	}
}

// RecoverWithCallback recovers from panics, logs them, and calls the optional callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, string(debug.Stack()))
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverToError recovers from a panic, logs it and stores a *PanicError in
// *errp. It is meant for functions run under an errgroup, so a panicking
// stage cancels its siblings instead of killing the process:
//
//	g.Go(func() (err error) {
//	    defer recovery.RecoverToError(logger, "worker", &err)
//	    return work(ctx)
//	})
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		logPanic(logger, name, r, stack)
		if errp != nil {
			*errp = &PanicError{Goroutine: name, Value: r, Stack: stack}
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any, stack string) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", stack)
}
