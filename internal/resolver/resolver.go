// Package resolver decides the winner between two conflicting versions
// of the same entity. Resolution is a pure function of the incumbent,
// the challenger and the configured policy; replaying the same inputs
// always yields the same winner.
package resolver

import (
	"fmt"

	"github.com/mistakeknot/converge/internal/core"
)

// Winner is the resolution outcome.
type Winner int

const (
	// WinnerIncumbent keeps the committed version; the challenger is
	// discarded and no update is fanned out for it.
	WinnerIncumbent Winner = iota
	// WinnerChallenger commits the challenger as a new version.
	WinnerChallenger
	// WinnerManual defers to out-of-band resolution; both versions are
	// retained as a recorded conflict.
	WinnerManual
)

func (w Winner) String() string {
	switch w {
	case WinnerIncumbent:
		return "incumbent"
	case WinnerChallenger:
		return "challenger"
	case WinnerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Candidate carries the fields resolution looks at. Origin is the
// writer tag: an agent id for source-tagged writes, core.OriginAPI for
// controller/API writes.
type Candidate struct {
	Origin    string
	UpdatedAt int64 // unix nanoseconds; callers pass t.UnixNano()
}

// Resolve picks the winner under the given policy.
//
// latest_wins compares agent-supplied wall-clock timestamps, which are
// not synchronized across machines. Clock skew between agents can make
// the outcome differ from true edit order; this is a known limitation
// of the policy, not corrected here. Exact timestamp ties break toward
// the incumbent for stability.
func Resolve(policy core.Policy, incumbent, challenger Candidate) (Winner, error) {
	switch policy {
	case core.PolicySourceWins:
		if fromSource(challenger) && !fromSource(incumbent) {
			return WinnerChallenger, nil
		}
		return WinnerIncumbent, nil

	case core.PolicyDestinationWins:
		if !fromSource(challenger) && fromSource(incumbent) {
			return WinnerChallenger, nil
		}
		return WinnerIncumbent, nil

	case core.PolicyLatestWins:
		if challenger.UpdatedAt > incumbent.UpdatedAt {
			return WinnerChallenger, nil
		}
		return WinnerIncumbent, nil

	case core.PolicyManual:
		return WinnerManual, nil

	default:
		return WinnerIncumbent, fmt.Errorf("unknown conflict policy %q", policy)
	}
}

func fromSource(c Candidate) bool {
	return c.Origin != "" && c.Origin != core.OriginAPI
}
