// Package exec holds the executor abstraction used to start background work
// such as per-connection goroutines.
package exec

// Executor runs fn, usually on another goroutine. Implementations must be safe
// for concurrent use.
type Executor interface {
	Execute(fn func())
}

// Func adapts an ordinary function to the Executor interface.
type Func func(fn func())

// Execute calls f(fn).
func (f Func) Execute(fn func()) {
	f(fn)
}

// Goroutine starts every task on a fresh goroutine.
var Goroutine Executor = Func(func(fn func()) { go fn() })

// Inline runs tasks on the calling goroutine. Useful in tests.
var Inline Executor = Func(func(fn func()) { fn() })

// OrDefault returns e, or Goroutine when e is nil.
func OrDefault(e Executor) Executor {
	if e == nil {
		return Goroutine
	}
	return e
}
