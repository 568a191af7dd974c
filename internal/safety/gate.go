// Package safety decides whether a proposed action may run without
// acknowledgment.
package safety

import (
	"fmt"
	"strings"

	"github.com/ashureev/deskpilot/internal/domain"
)

// Verdict is the result of evaluating a proposed action.
type Verdict struct {
	Flagged bool
	Flags   []domain.RiskFlag
}

// Gate surfaces the risk flags the model attached to an action. It does not
// infer risk on its own.
type Gate struct{}

// NewGate creates a Gate.
func NewGate() *Gate {
	return &Gate{}
}

// Evaluate returns Clear when no flags accompany the action, and Flagged with
// the normalized flags otherwise. Flags without an id take their category as
// id; duplicates are dropped while preserving order.
func (g *Gate) Evaluate(_ domain.Action, flags []domain.RiskFlag) Verdict {
	if len(flags) == 0 {
		return Verdict{}
	}

	seen := make(map[string]bool, len(flags))
	out := make([]domain.RiskFlag, 0, len(flags))
	for _, f := range flags {
		f.ID = strings.TrimSpace(f.ID)
		f.Category = strings.TrimSpace(f.Category)
		if f.ID == "" {
			f.ID = f.Category
		}
		if f.ID == "" {
			f.ID = fmt.Sprintf("flag-%d", len(out)+1)
		}
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return Verdict{Flagged: true, Flags: out}
}

// Unacknowledged returns the pending flags not covered by acks.
func Unacknowledged(pending []domain.RiskFlag, acks []string) []domain.RiskFlag {
	var missing []domain.RiskFlag
	for _, f := range pending {
		covered := false
		for _, token := range acks {
			if f.Matches(strings.TrimSpace(token)) {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, f)
		}
	}
	return missing
}

// UnacknowledgedError lists the flags a resume attempt failed to acknowledge.
type UnacknowledgedError struct {
	Missing []domain.RiskFlag
}

func (e *UnacknowledgedError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		ids[i] = f.ID
	}
	return "unacknowledged risk flags: " + strings.Join(ids, ", ")
}

// Check returns an *UnacknowledgedError unless acks cover every pending flag.
func Check(pending []domain.RiskFlag, acks []string) error {
	if missing := Unacknowledged(pending, acks); len(missing) > 0 {
		return &UnacknowledgedError{Missing: missing}
	}
	return nil
}
