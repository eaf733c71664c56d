// ABOUTME: Package documentation for the guard package
// ABOUTME: Explains the safety runtime's lifecycle and restart semantics

// Package guard is the relay safety runtime: the dead man's switch for
// delayed execution, the panic button, and the process-wide lock. All
// of its state lives in memory. On restart, unexecuted risky commands
// are discarded rather than silently resumed, and the panic lock
// resets. Each pending entry carries a single status flag so that
// cancellation and timer firing race safely: exactly one of the two
// transitions wins.
package guard
