// ABOUTME: Package documentation for the gravity package
// ABOUTME: Describes scoring, the pattern table, and the guardian pass

// Package gravity scores command text on a 0-10 risk scale. Scoring is
// a total pure function: an ordered pattern table produces a base score
// (highest match wins, unmatched text defaults to 1), amplifiers add to
// it, and the clamped result maps deterministically to a level, a
// safeguard set, and a required admission action. The pattern table is
// a pluggable Matcher and can be replaced from a TOML file; this is
// intentionally a coarse heuristic, not a classifier. GuardianCheck is
// an independent second pass over signals the pattern table ignores.
package gravity
