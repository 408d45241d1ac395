package reviewer

import (
	"fmt"
	"strings"

	"github.com/sessionworks/maestro/pkg/models"
)

// ParseError reports reviewer output that matched no known verdict. The raw
// text is preserved for diagnosis.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("review output matched no verdict: %q", snippet(e.Raw, 120))
}

// ParseDecision extracts the verdict and reasoning from raw reviewer
// output. The verdict is expected on the first line; models that pad it
// with a short preamble are tolerated by rechecking the first three lines
// joined.
func ParseDecision(raw string) (models.ReviewDecision, string, error) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")

	if d, ok := matchDecision(lines[0]); ok {
		return d, reasoning(lines[1:]), nil
	}

	head := lines
	if len(head) > 3 {
		head = head[:3]
	}
	if d, ok := matchDecision(strings.Join(head, " ")); ok {
		rest := []string{}
		if len(lines) > 3 {
			rest = lines[3:]
		}
		return d, reasoning(rest), nil
	}

	return "", "", &ParseError{Raw: raw}
}

// matchDecision applies the verdict rules in order: a COMPLETE prefix wins,
// then NOT_COMPLETE in either spelling, then NEEDS_CLARIFICATION.
func matchDecision(s string) (models.ReviewDecision, bool) {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(u, "COMPLETE"):
		return models.DecisionComplete, true
	case strings.HasPrefix(u, "NOT_COMPLETE"), strings.Contains(u, "NOT COMPLETE"):
		return models.DecisionNotComplete, true
	case strings.Contains(u, "NEEDS_CLARIFICATION"), strings.Contains(u, "NEEDS CLARIFICATION"):
		return models.DecisionNeedsClarification, true
	}
	return "", false
}

func reasoning(lines []string) string {
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if joined == "" {
		return "No reasoning provided"
	}
	return joined
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
