// ABOUTME: Gravity risk engine scoring command text on a 0-10 scale
// ABOUTME: Highest matching pattern wins as base score, amplifiers add, result is clamped

package gravity

import (
	"time"
)

// Level buckets a gravity score.
type Level string

const (
	LevelFeather  Level = "feather"  // 0-1
	LevelLight    Level = "light"    // 2-3
	LevelMedium   Level = "medium"   // 4-6
	LevelHeavy    Level = "heavy"    // 7-8
	LevelCritical Level = "critical" // 9-10
)

// Action is the admission control a score requires.
type Action string

const (
	ActionExecute              Action = "execute"
	ActionLogAndExecute        Action = "log_and_execute"
	ActionCheckpointAndExecute Action = "checkpoint_and_execute"
	ActionConfirmRequired      Action = "confirm_required"
	ActionDelayedExecution     Action = "delayed_execution"
)

// Default admission delays per level. The guard runtime may override
// these from configuration.
const (
	DefaultHeavyDelay    = 30 * time.Second
	DefaultCriticalDelay = 180 * time.Second
)

// Assessment is the engine's verdict on one command text. It is purely
// derived and never persisted on its own; callers attach it to a
// pending command or journal entry.
type Assessment struct {
	Score      int
	Level      Level
	Matched    []string // descriptions of matched risk patterns
	Safeguards []string
	Action     Action
	Delay      time.Duration // zero unless the action delays
}

// RequiresCheckpoint reports whether the level's safeguards call for an
// automatic checkpoint before the command runs. True for medium and
// above.
func (a Assessment) RequiresCheckpoint() bool {
	for _, s := range a.Safeguards {
		if s == "checkpoint" {
			return true
		}
	}
	return false
}

// Matcher finds risk patterns in command text. It is an interface so
// new risk signals can be plugged in without touching the scoring
// algorithm.
type Matcher interface {
	Match(text string) []RiskMatch
}

// RiskMatch is one matched risk pattern.
type RiskMatch struct {
	Description string
	Score       int
}

// Engine scores command text. Construct with NewEngine; the zero value
// is not usable.
type Engine struct {
	matcher    Matcher
	amplifiers []Amplifier
}

// NewEngine creates an engine with the compiled-in pattern and
// amplifier tables.
func NewEngine() *Engine {
	return &Engine{
		matcher:    DefaultPatterns(),
		amplifiers: defaultAmplifiers(),
	}
}

// NewEngineWithMatcher creates an engine with a custom matcher and the
// default amplifier table.
func NewEngineWithMatcher(m Matcher) *Engine {
	return &Engine{
		matcher:    m,
		amplifiers: defaultAmplifiers(),
	}
}

// Assess scores the command text. It is total: any input produces an
// assessment, and unmatched text defaults to the lowest risk tier
// (score 1). The score is deterministic and always within [0,10].
func (e *Engine) Assess(text string) Assessment {
	matches := e.matcher.Match(text)

	// Highest-scoring match wins as the base score. Unmatched text is
	// deliberately permissive (base 1) rather than hardened.
	base := 1
	var matched []string
	for _, m := range matches {
		matched = append(matched, m.Description)
		if m.Score > base {
			base = m.Score
		}
	}

	score := base
	for _, a := range e.amplifiers {
		if a.re.MatchString(text) {
			score += a.Boost
			matched = append(matched, a.Description)
		}
	}
	score = clamp(score, 0, 10)

	level := levelFor(score)
	action, delay := actionFor(level)

	return Assessment{
		Score:      score,
		Level:      level,
		Matched:    matched,
		Safeguards: safeguardsFor(level),
		Action:     action,
		Delay:      delay,
	}
}

// levelFor maps a clamped score onto its level bucket.
func levelFor(score int) Level {
	switch {
	case score <= 1:
		return LevelFeather
	case score <= 3:
		return LevelLight
	case score <= 6:
		return LevelMedium
	case score <= 8:
		return LevelHeavy
	default:
		return LevelCritical
	}
}

// actionFor maps a level to its required admission action and delay.
func actionFor(level Level) (Action, time.Duration) {
	switch level {
	case LevelFeather:
		return ActionExecute, 0
	case LevelLight:
		return ActionLogAndExecute, 0
	case LevelMedium:
		return ActionCheckpointAndExecute, 0
	case LevelHeavy:
		return ActionConfirmRequired, DefaultHeavyDelay
	default:
		return ActionDelayedExecution, DefaultCriticalDelay
	}
}

// safeguardsFor lists the safeguards a level requires, cumulative with
// severity.
func safeguardsFor(level Level) []string {
	switch level {
	case LevelFeather:
		return nil
	case LevelLight:
		return []string{"journal"}
	case LevelMedium:
		return []string{"journal", "checkpoint"}
	case LevelHeavy:
		return []string{"journal", "checkpoint", "confirmation"}
	default:
		return []string{"journal", "checkpoint", "delay", "guardian_review"}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
