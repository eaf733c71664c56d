// ABOUTME: Package documentation for the command orchestrator
// ABOUTME: The single admission path every inbound command flows through

// Package orchestrator ties the risk engine, the guard runtime, the
// relay queue, and the journal into one admission flow. A command is
// charged, scored, checked by the guardian pass, and then executed,
// held for confirmation, delayed, or blocked according to its gravity.
package orchestrator
