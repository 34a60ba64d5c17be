package scoring

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cellarwatch/lastbottle-monitor/internal/domain"
)

// ErrUnparseableScore is returned when oracle output does not end in a
// usable verdict integer.
var ErrUnparseableScore = errors.New("unparseable score")

var scoreRe = regexp.MustCompile(`\b([0-9]{1,3})\b`)

// ParseScore extracts the verdict integer from raw oracle output.
//
// Only the last non-empty line is inspected: the oracle may reason out loud
// before the mandated final answer, and scanning the whole text risks
// picking up a digit from the reasoning instead of the verdict. The first
// 1-3 digit run on that line must be a value in [0,100].
func ParseScore(raw string) (int, error) {
	line := lastNonEmptyLine(raw)
	if line == "" {
		return 0, fmt.Errorf("%w: empty oracle output", ErrUnparseableScore)
	}

	loc := scoreRe.FindStringIndex(line)
	if loc == nil {
		return 0, fmt.Errorf("%w: no number on final line %q", ErrUnparseableScore, line)
	}
	if loc[0] > 0 && line[loc[0]-1] == '-' {
		return 0, fmt.Errorf("%w: negative number on final line %q", ErrUnparseableScore, line)
	}
	match := line[loc[0]:loc[1]]

	score, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("%w: %q on final line %q", ErrUnparseableScore, match, line)
	}
	if !domain.ValidScore(score) {
		return 0, fmt.Errorf("%w: %d outside [%d,%d]", ErrUnparseableScore, score, domain.MinScore, domain.MaxScore)
	}
	return score, nil
}

func lastNonEmptyLine(raw string) string {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
