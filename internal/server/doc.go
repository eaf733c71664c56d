// ABOUTME: Package documentation for the HTTP surface
// ABOUTME: Two audiences: paired devices and operator-side channel adapters

// Package server exposes the relay over HTTP. Devices pair once, then
// authenticate every request with their credential header; operator
// endpoints are called by channel adapters that have already
// authenticated the human on their side of the boundary.
package server
