// Package next picks the hypothesis to test next. It never mutates state:
// calling it twice with the same inputs yields the same answer.
package next

import (
	"fmt"
	"math"
	"sort"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/hypothesis"
)

// BandWidth is how close to the leader an active hypothesis must be to join
// the contention band.
const BandWidth = 0.10

const (
	ReasonHighestConfidence = "HIGHEST_CONFIDENCE"
	ReasonUnlikelyRemain    = "NO_ACTIVE_HYPOTHESES_UNLIKELY_REMAIN"
	ReasonNoneRemaining     = "NO_HYPOTHESES_REMAINING"
)

type Status string

const (
	StatusConverged     Status = "CONVERGED"
	StatusContinue      Status = "CONTINUE"
	StatusNoActive      Status = "NO_ACTIVE_HYPOTHESES"
	StatusMaxIterations Status = "MAX_ITERATIONS_REACHED"
)

type ActionKind string

const (
	ActionVerifyAndFix   ActionKind = "VERIFY_AND_FIX"
	ActionTestHypothesis ActionKind = "TEST_HYPOTHESIS"
	ActionExpand         ActionKind = "EXPAND_HYPOTHESES"
	ActionReviewOrExpand ActionKind = "REVIEW_OR_EXPAND"
)

// Selection is the outcome of the selector.
type Selection struct {
	Hypothesis *hypothesis.Hypothesis `json:"hypothesis"`
	Reason     string                 `json:"selection_reason"`
	Band       []hypothesis.ID        `json:"band,omitempty"`
}

// EntropyProxy is 1 at c=0.5 and 0 at either extreme.
func EntropyProxy(c float64) float64 {
	return 1 - math.Abs(2*c-1)
}

// FreshnessBonus rewards hypotheses that have been tested less.
func FreshnessBonus(timesTested int) float64 {
	return 1 / (1 + 0.2*float64(timesTested))
}

// InformationGain estimates how much a test of h would discriminate.
func InformationGain(h *hypothesis.Hypothesis) float64 {
	return 0.7*EntropyProxy(h.Confidence) + 0.3*FreshnessBonus(h.TimesTested())
}

// Select chooses among active hypotheses: the most confident one, unless
// several sit within BandWidth of it, in which case the one with the highest
// information gain wins.
func Select(hyps []*hypothesis.Hypothesis) Selection {
	var active []*hypothesis.Hypothesis
	unlikely := 0
	for _, h := range hyps {
		switch h.Status {
		case hypothesis.StatusActive:
			active = append(active, h)
		case hypothesis.StatusUnlikely:
			unlikely++
		}
	}
	if len(active) == 0 {
		if unlikely > 0 {
			return Selection{Reason: ReasonUnlikelyRemain}
		}
		return Selection{Reason: ReasonNoneRemaining}
	}

	hypothesis.SortByConfidence(active)
	top := active[0].Confidence

	var band []*hypothesis.Hypothesis
	for _, h := range active {
		if top-h.Confidence <= BandWidth+1e-9 {
			band = append(band, h)
		}
	}

	if len(band) == 1 {
		return Selection{
			Hypothesis: active[0],
			Reason:     ReasonHighestConfidence,
			Band:       []hypothesis.ID{active[0].ID},
		}
	}

	ids := make([]hypothesis.ID, len(band))
	for i, h := range band {
		ids[i] = h.ID
	}
	// band is already in confidence order, so a stable sort keeps the more
	// confident hypothesis ahead on equal gain.
	sort.SliceStable(band, func(i, j int) bool {
		return InformationGain(band[i]) > InformationGain(band[j])
	})
	return Selection{
		Hypothesis: band[0],
		Reason:     fmt.Sprintf("HIGHEST_INFO_GAIN_AMONG_TOP_%d", len(band)),
		Band:       ids,
	}
}

// Progress is the iteration state the decision needs from the session.
type Progress struct {
	CurrentIteration int
	MaxIterations    int
	Convergence      convergence.Verdict
}

// Stats summarizes hypothesis statuses for display.
type Stats struct {
	Iteration  int `json:"iteration"`
	Active     int `json:"active"`
	Unlikely   int `json:"unlikely"`
	Eliminated int `json:"eliminated"`
	Confirmed  int `json:"confirmed"`
}

// Action is the full answer to "what should I do next".
type Action struct {
	Status        Status              `json:"status"`
	Action        ActionKind          `json:"action"`
	Selection     *Selection          `json:"selection,omitempty"`
	SuggestedTest string              `json:"suggested_test,omitempty"`
	Convergence   convergence.Verdict `json:"convergence"`
	Stats         Stats               `json:"session_stats"`
}

// Decide gates the selector on the session state: a converged session should
// be verified and fixed, an exhausted one reviewed, otherwise test the selection.
func Decide(p Progress, hyps []*hypothesis.Hypothesis) Action {
	counts := hypothesis.Count(hyps)
	a := Action{
		Convergence: p.Convergence,
		Stats: Stats{
			Iteration:  p.CurrentIteration,
			Active:     counts[hypothesis.StatusActive],
			Unlikely:   counts[hypothesis.StatusUnlikely],
			Eliminated: counts[hypothesis.StatusEliminated],
			Confirmed:  counts[hypothesis.StatusConfirmed],
		},
	}

	if p.Convergence.IsConverged {
		a.Status = StatusConverged
		a.Action = ActionVerifyAndFix
		return a
	}
	if p.MaxIterations > 0 && p.CurrentIteration >= p.MaxIterations {
		a.Status = StatusMaxIterations
		a.Action = ActionReviewOrExpand
		return a
	}

	sel := Select(hyps)
	if sel.Hypothesis == nil {
		a.Status = StatusNoActive
		a.Action = ActionExpand
		a.Selection = &sel
		return a
	}
	a.Status = StatusContinue
	a.Action = ActionTestHypothesis
	a.Selection = &sel
	a.SuggestedTest = SuggestTest(sel.Hypothesis.Category)
	return a
}

var suggestions = map[hypothesis.Category]string{
	hypothesis.CategoryCode:           "Review the relevant code paths, add logging, or write a targeted unit test",
	hypothesis.CategoryConfig:         "Check configuration values, environment variables, and feature flags",
	hypothesis.CategoryDependencies:   "Verify dependency versions, check for breaking changes in changelogs",
	hypothesis.CategoryData:           "Inspect the data at the point of failure, check for edge cases or corruption",
	hypothesis.CategoryInfrastructure: "Check resource metrics (CPU, memory, disk), service health, and network connectivity",
	hypothesis.CategoryConcurrency:    "Add mutex logging, check for race conditions with concurrent request testing",
}

// SuggestTest returns a category-specific testing approach.
func SuggestTest(c hypothesis.Category) string {
	if s, ok := suggestions[c]; ok {
		return s
	}
	return "Design a test that would eliminate this hypothesis if negative"
}
