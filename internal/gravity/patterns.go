// ABOUTME: Ordered risk pattern table and amplifier definitions
// ABOUTME: Compiled-in defaults, replaceable from a TOML file

package gravity

import (
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Pattern is one entry of the risk table.
type Pattern struct {
	Description string `toml:"description"`
	Regex       string `toml:"regex"`
	Score       int    `toml:"score"`

	re *regexp.Regexp
}

// Amplifier additively raises the base score when its signal appears.
type Amplifier struct {
	Description string `toml:"description"`
	Regex       string `toml:"regex"`
	Boost       int    `toml:"boost"`

	re *regexp.Regexp
}

// PatternTable is an ordered list of compiled risk patterns
// implementing Matcher.
type PatternTable struct {
	patterns []Pattern
}

// Match returns every pattern the text matches, in table order.
func (t *PatternTable) Match(text string) []RiskMatch {
	var matches []RiskMatch
	for _, p := range t.patterns {
		if p.re.MatchString(text) {
			matches = append(matches, RiskMatch{Description: p.Description, Score: p.Score})
		}
	}
	return matches
}

// DefaultPatterns returns the compiled-in risk table.
func DefaultPatterns() *PatternTable {
	t, err := compilePatterns(defaultPatternDefs)
	if err != nil {
		panic(fmt.Sprintf("compiling default patterns: %v", err))
	}
	return t
}

// defaultPatternDefs is ordered roughly by severity; scoring does not
// depend on order since the highest match wins.
var defaultPatternDefs = []Pattern{
	{Description: "filesystem root deletion", Regex: `(?i)\brm\s+(-[a-z-]+\s+)*/\s*$`, Score: 10},
	{Description: "fork bomb", Regex: `:\(\)\s*\{.*\}\s*;?\s*:`, Score: 10},
	{Description: "raw disk overwrite", Regex: `(?i)\b(dd\s+.*of=/dev/|mkfs\b|fdisk\b|>\s*/dev/sd)`, Score: 9},
	{Description: "world-writable root permissions", Regex: `(?i)\bchmod\s+(-[a-z]+\s+)*777\s+/\s*$`, Score: 9},
	{Description: "database destruction", Regex: `(?i)\b(drop\s+(table|database)|truncate\s+table)\b`, Score: 8},
	{Description: "download piped to shell", Regex: `(?i)\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`, Score: 8},
	{Description: "recursive forced deletion", Regex: `(?i)\brm\s+-[a-z]*[rf][a-z]*`, Score: 7},
	{Description: "account removal", Regex: `(?i)\b(userdel|groupdel|deluser)\b`, Score: 7},
	{Description: "delete everything phrasing", Regex: `(?i)\b(delete|remove|wipe|erase)\b.*\b(all|everything)\b`, Score: 7},
	{Description: "broad permission change", Regex: `(?i)\bchmod\s+(-[a-z]+\s+)*777\b`, Score: 6},
	{Description: "system power state change", Regex: `(?i)\b(shutdown|reboot|poweroff|halt)\b`, Score: 6},
	{Description: "destructive git operation", Regex: `(?i)\bgit\s+(push\s+.*--force|reset\s+--hard|clean\s+-[a-z]*f)`, Score: 6},
	{Description: "forced process kill", Regex: `(?i)\bkill(all)?\s+-9\b`, Score: 5},
	{Description: "package removal", Regex: `(?i)\b(apt(-get)?|yum|dnf|brew)\s+(remove|purge|uninstall)\b`, Score: 5},
	{Description: "service restart", Regex: `(?i)\b(systemctl|service)\s+(restart|stop)\b`, Score: 4},
	{Description: "package installation", Regex: `(?i)\b(apt(-get)?|yum|dnf|brew|pip3?|npm)\s+install\b`, Score: 3},
	{Description: "file modification", Regex: `(?i)\b(mv|cp|touch|mkdir)\b`, Score: 3},
	{Description: "informational command", Regex: `(?i)^\s*(ls|pwd|whoami|date|echo|cat|ps|df|du|top|uptime|uname|which|env)\b`, Score: 2},
	{Description: "read-only git operation", Regex: `(?i)\bgit\s+(status|log|diff|show|branch)\b`, Score: 2},
}

// defaultAmplifiers returns the compiled-in amplifier table.
func defaultAmplifiers() []Amplifier {
	amps, err := compileAmplifiers(defaultAmplifierDefs)
	if err != nil {
		panic(fmt.Sprintf("compiling default amplifiers: %v", err))
	}
	return amps
}

var defaultAmplifierDefs = []Amplifier{
	{Description: "privilege escalation", Regex: `(?i)\b(sudo|doas)\b|\bsu\s+-`, Boost: 2},
	{Description: "command chaining or substitution", Regex: "&&|\\|\\||;|\\$\\(|`", Boost: 1},
	{Description: "confirmation-skipping flag", Regex: `(?i)(\s--?force\b|\s-y\b|\s--yes\b|\s--no-preserve-root\b)`, Boost: 1},
	{Description: "broad path wildcard", Regex: `/\*|~/\*|(^|\s)\*(\s|$)`, Boost: 2},
}

// LoadPatternsTOML reads a replacement pattern table from a TOML file.
// The file holds an array of [[patterns]] entries with description,
// regex, and score fields.
func LoadPatternsTOML(path string) (*PatternTable, error) {
	var doc struct {
		Patterns []Pattern `toml:"patterns"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("decoding pattern file: %w", err)
	}
	if len(doc.Patterns) == 0 {
		return nil, fmt.Errorf("pattern file %s defines no patterns", path)
	}

	t, err := compilePatterns(doc.Patterns)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func compilePatterns(defs []Pattern) (*PatternTable, error) {
	patterns := make([]Pattern, len(defs))
	for i, p := range defs {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p.Description, err)
		}
		if p.Score < 0 || p.Score > 10 {
			return nil, fmt.Errorf("pattern %q score %d out of range", p.Description, p.Score)
		}
		p.re = re
		patterns[i] = p
	}
	return &PatternTable{patterns: patterns}, nil
}

func compileAmplifiers(defs []Amplifier) ([]Amplifier, error) {
	amps := make([]Amplifier, len(defs))
	for i, a := range defs {
		re, err := regexp.Compile(a.Regex)
		if err != nil {
			return nil, fmt.Errorf("compiling amplifier %q: %w", a.Description, err)
		}
		a.re = re
		amps[i] = a
	}
	return amps, nil
}
