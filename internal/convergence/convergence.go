// Package convergence decides whether an investigation can stop: either the
// leading hypothesis is confirmed, or it is separated from its closest rival
// by a wide enough margin.
package convergence

import (
	"fmt"
	"math"

	"github.com/kokistudios/elim/internal/hypothesis"
)

// SeparationThreshold is the leader-vs-runner-up gap that counts as converged.
const SeparationThreshold = 0.30

const (
	ReasonNoActive   = "No active hypotheses"
	ReasonConfirmed  = "Leading hypothesis confirmed (confidence >= 0.90)"
	reasonSeparation = "Separation margin >= 0.30 (%.2f)"
)

// Verdict is the convergence state stored on the session after every checkpoint.
type Verdict struct {
	IsConverged       bool          `yaml:"is_converged" json:"is_converged"`
	Reason            string        `yaml:"reason,omitempty" json:"reason,omitempty"`
	LeadingHypothesis hypothesis.ID `yaml:"leading_hypothesis,omitempty" json:"leading_hypothesis,omitempty"`
	LeadingConfidence float64       `yaml:"leading_confidence" json:"leading_confidence"`
	RunnerUp          hypothesis.ID `yaml:"runner_up,omitempty" json:"runner_up,omitempty"`
	SeparationMargin  float64       `yaml:"separation_margin" json:"separation_margin"`
}

// Evaluate computes the verdict over the full hypothesis set. Eliminated
// hypotheses are out of contention; everything else competes.
func Evaluate(hyps []*hypothesis.Hypothesis) Verdict {
	var contention []*hypothesis.Hypothesis
	for _, h := range hyps {
		if h.Status.InContention() {
			contention = append(contention, h)
		}
	}
	if len(contention) == 0 {
		return Verdict{Reason: ReasonNoActive}
	}

	hypothesis.SortByConfidence(contention)
	leading := contention[0]
	v := Verdict{
		LeadingHypothesis: leading.ID,
		LeadingConfidence: leading.Confidence,
		SeparationMargin:  leading.Confidence,
	}
	if len(contention) > 1 {
		v.RunnerUp = contention[1].ID
		v.SeparationMargin = round(leading.Confidence - contention[1].Confidence)
	}

	switch {
	case leading.Status == hypothesis.StatusConfirmed || leading.Confidence >= hypothesis.ConfirmThreshold:
		v.IsConverged = true
		v.Reason = ReasonConfirmed
	case v.RunnerUp != "" && v.SeparationMargin >= SeparationThreshold:
		v.IsConverged = true
		v.Reason = fmt.Sprintf(reasonSeparation, v.SeparationMargin)
	}
	return v
}

// round trims float noise so 0.70-0.40 compares as 0.30.
func round(x float64) float64 {
	return math.Round(x*1e9) / 1e9
}
