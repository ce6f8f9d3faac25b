// Package kernel panic containment.
//
// Kernel entry points that run caller-supplied code (event handlers,
// service handlers, cleanup cycles) route it through these helpers so
// a panic is converted into a logged error instead of tearing down the
// process.
package kernel

import (
	"fmt"
	"runtime/debug"
)

// logPanic records a recovered panic with its stack.
func logPanic(logger Logger, event, operation string, panicValue any) {
	if logger == nil {
		return
	}
	logger.Error(event,
		"operation", operation,
		"panic", panicValue,
		"stack", string(debug.Stack()),
	)
}

// SafeExecute runs fn, converting a panic into an error. The operation
// name appears in the log entry and the returned error.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult is SafeExecute for functions that also return
// a value. On panic the zero value is returned with the error.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			var zero T
			result, err = zero, fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs fn in a goroutine with panic containment. onPanic, if
// non-nil, receives the recovered value.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
