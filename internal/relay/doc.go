// ABOUTME: Package documentation for the relay queue service
// ABOUTME: Queue policy over the store's conditional state transitions

// Package relay admits encrypted commands into the delivery queue and
// drives their lifecycle. The relay never sees plaintext: payloads and
// results are opaque encrypted blobs owned by the user's devices.
package relay
