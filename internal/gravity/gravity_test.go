// ABOUTME: Tests for gravity scoring, level mapping, and amplifiers
// ABOUTME: Pins the fixed score-to-level table and the benign default

package gravity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess_RootDeletionIsCritical(t *testing.T) {
	e := NewEngine()

	a := e.Assess("rm -rf /")
	assert.Equal(t, 10, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, ActionDelayedExecution, a.Action)
	assert.Equal(t, 180*time.Second, a.Delay)
	assert.Contains(t, a.Matched, "filesystem root deletion")
	assert.Contains(t, a.Safeguards, "delay")
	assert.True(t, a.RequiresCheckpoint())
}

func TestAssess_ListingIsLight(t *testing.T) {
	e := NewEngine()

	a := e.Assess("ls -la")
	assert.Equal(t, 2, a.Score)
	assert.Equal(t, LevelLight, a.Level)
	assert.Equal(t, ActionLogAndExecute, a.Action)
	assert.Zero(t, a.Delay)
}

func TestAssess_UnmatchedDefaultsToFeather(t *testing.T) {
	e := NewEngine()

	a := e.Assess("frobnicate the widget")
	assert.Equal(t, 1, a.Score)
	assert.Equal(t, LevelFeather, a.Level)
	assert.Equal(t, ActionExecute, a.Action)
	assert.Empty(t, a.Safeguards)
	assert.False(t, a.RequiresCheckpoint())
}

func TestAssess_ScoreAlwaysInRange(t *testing.T) {
	e := NewEngine()

	inputs := []string{
		"",
		"rm -rf /",
		"sudo rm -rf / --no-preserve-root && echo done; reboot",
		"ls -la",
		"dd if=/dev/zero of=/dev/sda",
		":(){ :|:& };:",
		"please water the plants",
		"DELETE everything NOW!!! I hate this machine",
		"git push origin main --force && git reset --hard",
	}
	for _, text := range inputs {
		a := e.Assess(text)
		assert.GreaterOrEqual(t, a.Score, 0, "input %q", text)
		assert.LessOrEqual(t, a.Score, 10, "input %q", text)
		assert.Equal(t, levelFor(a.Score), a.Level, "input %q", text)
	}
}

func TestAssess_Deterministic(t *testing.T) {
	e := NewEngine()

	first := e.Assess("sudo systemctl restart nginx")
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, e.Assess("sudo systemctl restart nginx"))
	}
}

func TestAssess_AmplifiersAdd(t *testing.T) {
	e := NewEngine()

	plain := e.Assess("systemctl restart nginx")
	sudo := e.Assess("sudo systemctl restart nginx")
	assert.Equal(t, plain.Score+2, sudo.Score)
	assert.Contains(t, sudo.Matched, "privilege escalation")

	chained := e.Assess("systemctl restart nginx && systemctl restart redis")
	assert.Equal(t, plain.Score+1, chained.Score)
}

func TestAssess_HighestMatchWins(t *testing.T) {
	e := NewEngine()

	// Matches both "recursive forced deletion" (7) and
	// "filesystem root deletion" (10); the higher one is the base.
	a := e.Assess("rm -rf /")
	assert.GreaterOrEqual(t, len(a.Matched), 2)
	assert.Equal(t, 10, a.Score)
}

func TestLevelTable(t *testing.T) {
	tests := []struct {
		score  int
		level  Level
		action Action
		delay  time.Duration
	}{
		{0, LevelFeather, ActionExecute, 0},
		{1, LevelFeather, ActionExecute, 0},
		{2, LevelLight, ActionLogAndExecute, 0},
		{3, LevelLight, ActionLogAndExecute, 0},
		{4, LevelMedium, ActionCheckpointAndExecute, 0},
		{6, LevelMedium, ActionCheckpointAndExecute, 0},
		{7, LevelHeavy, ActionConfirmRequired, 30 * time.Second},
		{8, LevelHeavy, ActionConfirmRequired, 30 * time.Second},
		{9, LevelCritical, ActionDelayedExecution, 180 * time.Second},
		{10, LevelCritical, ActionDelayedExecution, 180 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("score %d", tt.score), func(t *testing.T) {
			level := levelFor(tt.score)
			assert.Equal(t, tt.level, level)
			action, delay := actionFor(level)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.delay, delay)
		})
	}
}

func TestLoadPatternsTOML(t *testing.T) {
	path := writeTempFile(t, `
[[patterns]]
description = "custom danger"
regex = '(?i)\bfrobnicate\b'
score = 9
`)

	table, err := LoadPatternsTOML(path)
	require.NoError(t, err)

	e := NewEngineWithMatcher(table)
	a := e.Assess("frobnicate the widget")
	assert.Equal(t, 9, a.Score)
	assert.Equal(t, LevelCritical, a.Level)
}

func TestLoadPatternsTOML_Invalid(t *testing.T) {
	_, err := LoadPatternsTOML(writeTempFile(t, `
[[patterns]]
description = "broken"
regex = '('
score = 5
`))
	assert.Error(t, err)

	_, err = LoadPatternsTOML(writeTempFile(t, `
[[patterns]]
description = "out of range"
regex = 'x'
score = 11
`))
	assert.Error(t, err)

	_, err = LoadPatternsTOML(writeTempFile(t, `# empty`))
	assert.Error(t, err)
}
