// ABOUTME: Guardian angel second-pass suspicion heuristic
// ABOUTME: Scores signals uncorrelated with the primary pattern table

package gravity

import (
	"regexp"
	"time"
)

// Guardian suspicion thresholds: >= blockThreshold blocks pending an
// explicit override, warnThreshold..blockThreshold-1 attaches a soft
// warning.
const (
	warnThreshold  = 3
	blockThreshold = 6
)

// Verdict is the guardian angel's independent judgment of a command.
type Verdict struct {
	Suspicion int
	Signals   []string
	Blocked   bool
	Warning   bool
}

var (
	emotionalRe   = regexp.MustCompile(`(?i)\b(hate|angry|furious|stupid|idiot|damn|screw)\b|!{2,}`)
	destructiveRe = regexp.MustCompile(`(?i)\b(delete|remove|wipe|erase|destroy|kill|rm)\b`)
	broadScopeRe  = regexp.MustCompile(`(?i)\b(all|everything|every)\b|\*`)
	injectionRe   = regexp.MustCompile(`(?i)(ignore\s+(all\s+)?(previous|prior)\s+(instructions|commands)|disregard\s+(your|the|all)\s+\w*\s*(instructions|rules)|you\s+must\s+(comply|obey)|system\s+prompt)`)
)

// GuardianCheck runs the secondary suspicion pass over a command and
// its gravity assessment. The signals are deliberately uncorrelated
// with the primary pattern table: timing, emotional register, scope,
// and injection-style phrasing.
func GuardianCheck(text string, a Assessment, now time.Time) Verdict {
	var v Verdict

	// High-gravity commands issued in the small hours are the classic
	// regret scenario.
	if hour := now.Hour(); hour < 6 && a.Score >= 7 {
		v.add(3, "off-hours high-gravity command")
	}

	if emotionalRe.MatchString(text) && destructiveRe.MatchString(text) {
		v.add(3, "emotionally charged destructive language")
	}

	if broadScopeRe.MatchString(text) && a.Score >= 4 {
		v.add(2, "unusually broad scope")
	}

	if injectionRe.MatchString(text) {
		v.add(3, "prompt-injection phrasing")
	}

	v.Blocked = v.Suspicion >= blockThreshold
	v.Warning = v.Suspicion >= warnThreshold && !v.Blocked
	return v
}

func (v *Verdict) add(points int, signal string) {
	v.Suspicion += points
	v.Signals = append(v.Signals, signal)
}
