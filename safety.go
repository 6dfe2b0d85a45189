package loom

import (
	"log/slog"
	"strings"
	"unicode"
)

// --- OutputGuard ---

// SafetyReport is the outcome of an output sanity inspection. Sanitized
// always holds the content to persist, which equals the input when no
// issue was found.
type SafetyReport struct {
	Issues        []string
	HadRepetition bool
	HadNonEnglish bool
	Truncated     bool
	Sanitized     string
}

// Clean reports whether the content passed untouched.
func (r SafetyReport) Clean() bool { return len(r.Issues) == 0 }

// OutputGuard inspects finalized assistant output for runaway
// generation artifacts:
//
//   - repetition loops (the same block or line generated over and over)
//   - unexpectedly non-English content when the user wrote in Latin script
//   - absurd length
//
// Repetition loops are collapsed to a single occurrence and absurd
// length is truncated; non-English content is flagged but kept.
// Safe for concurrent use.
type OutputGuard struct {
	maxLen     int
	minBlock   int
	minRepeats int
	maxLineRun int
	latinFloor float64
	logger     *slog.Logger
}

// OutputOption configures an OutputGuard.
type OutputOption func(*OutputGuard)

// OutputMaxLength sets the rune cap on assistant output.
// Default 120000.
func OutputMaxLength(n int) OutputOption {
	return func(g *OutputGuard) { g.maxLen = n }
}

// OutputMinRepeats sets how many back-to-back copies of a block count
// as a loop. Default 5.
func OutputMinRepeats(n int) OutputOption {
	return func(g *OutputGuard) { g.minRepeats = n }
}

// OutputGuardLogger sets the structured logger. Defaults to no output.
func OutputGuardLogger(l *slog.Logger) OutputOption {
	return func(g *OutputGuard) { g.logger = l }
}

// NewOutputGuard creates a guard with the default thresholds.
func NewOutputGuard(opts ...OutputOption) *OutputGuard {
	g := &OutputGuard{
		maxLen:     120000,
		minBlock:   16,
		minRepeats: 5,
		maxLineRun: 10,
		latinFloor: 0.5,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Inspect checks content against all enabled heuristics. userMessage
// establishes the language baseline: a user writing in non-Latin script
// is expected to receive a reply in kind.
func (g *OutputGuard) Inspect(userMessage, content string) SafetyReport {
	report := SafetyReport{Sanitized: content}

	if collapsed, found := collapseRepeatedLines(report.Sanitized, g.maxLineRun); found {
		report.Sanitized = collapsed
		report.HadRepetition = true
	}
	if cut := repetitionStart(report.Sanitized, g.minBlock, g.minRepeats); cut >= 0 {
		report.Sanitized = report.Sanitized[:cut]
		report.HadRepetition = true
	}
	if report.HadRepetition {
		report.Issues = append(report.Issues, "repetition_loop")
		g.logger.Warn("repetition loop collapsed",
			"before", len(content), "after", len(report.Sanitized))
	}

	if runes := []rune(report.Sanitized); len(runes) > g.maxLen {
		report.Sanitized = string(runes[:g.maxLen]) + "\n\n[response truncated]"
		report.Truncated = true
		report.Issues = append(report.Issues, "excessive_length")
		g.logger.Warn("output truncated", "runes", len(runes), "max", g.maxLen)
	}

	if nonLatinRatio(userMessage) < 0.2 && nonLatinRatio(report.Sanitized) > g.latinFloor {
		report.HadNonEnglish = true
		report.Issues = append(report.Issues, "non_english")
		g.logger.Warn("unexpected non-English output")
	}

	return report
}

// nonLatinRatio is the share of letters outside Latin script. Digits,
// punctuation and whitespace are ignored.
func nonLatinRatio(s string) float64 {
	var letters, nonLatin int
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !unicode.Is(unicode.Latin, r) {
			nonLatin++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(nonLatin) / float64(letters)
}

// collapseRepeatedLines rewrites runs of the same non-blank line of at
// least maxRun occurrences down to a single occurrence.
func collapseRepeatedLines(s string, maxRun int) (string, bool) {
	lines := strings.Split(s, "\n")
	var out []string
	collapsed := false
	for i := 0; i < len(lines); {
		j := i + 1
		for j < len(lines) && lines[j] == lines[i] {
			j++
		}
		if lines[i] != "" && j-i >= maxRun {
			out = append(out, lines[i])
			collapsed = true
		} else {
			out = append(out, lines[i:j]...)
		}
		i = j
	}
	if !collapsed {
		return s, false
	}
	return strings.Join(out, "\n"), true
}

// tailWindow bounds how far back repetitionStart looks. Runaway loops
// sit at the end of the output.
const tailWindow = 8000

// repetitionStart returns the byte offset at which a tail repetition
// loop should be cut, keeping one copy of the repeated block, or -1
// when the tail is not periodic. A loop is the same block of at least
// minBlock runes tiled minRepeats times up to the end of the content.
func repetitionStart(s string, minBlock, minRepeats int) int {
	runes := []rune(s)
	offset := 0
	if len(runes) > tailWindow {
		offset = len(runes) - tailWindow
		runes = runes[offset:]
	}
	n := len(runes)
	maxBlock := 400
	for block := minBlock; block <= maxBlock && block*minRepeats <= n; block++ {
		count := 1
		for start := n - 2*block; start >= 0; start -= block {
			if !equalRunes(runes[start:start+block], runes[n-block:]) {
				break
			}
			count++
		}
		if count >= minRepeats {
			keepRunes := n - (count-1)*block
			return len(string(runes[:keepRunes])) + byteLen(s, offset)
		}
	}
	return -1
}

func equalRunes(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// byteLen is the byte length of the first n runes of s.
func byteLen(s string, n int) int {
	if n == 0 {
		return 0
	}
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
