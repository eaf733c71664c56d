// ABOUTME: Package documentation for the registry package
// ABOUTME: Covers pairing, credentials, and liveness semantics

// Package registry manages device pairing and authentication. Pairing
// codes are 6-digit, 10-minute, single-use; completing a pairing mints
// a long-lived credential of the form <random>.<tag> whose HMAC tag is
// verifiable offline. Connection state is derived from the last
// heartbeat rather than stored, so a device that stops checking in
// degrades through connecting and unstable to offline on its own.
package registry
