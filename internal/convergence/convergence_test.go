package convergence

import (
	"testing"

	"github.com/kokistudios/elim/internal/hypothesis"
)

func hyps(confs ...float64) []*hypothesis.Hypothesis {
	out := make([]*hypothesis.Hypothesis, len(confs))
	for i, c := range confs {
		out[i] = &hypothesis.Hypothesis{
			ID:         hypothesis.FormatID(i + 1),
			Confidence: c,
			Status:     hypothesis.DeriveStatus(c),
		}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		confs     []float64
		converged bool
		leading   hypothesis.ID
		margin    float64
		reason    string
	}{
		{"confirmation path", []float64{0.92, 0.40, 0.10}, true, "hyp-001", 0.52, ReasonConfirmed},
		{"separation path", []float64{0.70, 0.35}, true, "hyp-001", 0.35, "Separation margin >= 0.30 (0.35)"},
		{"separation exactly at threshold", []float64{0.40, 0.70}, true, "hyp-002", 0.30, "Separation margin >= 0.30 (0.30)"},
		{"not converged", []float64{0.55, 0.50}, false, "hyp-001", 0.05, ""},
		{"single unconfirmed", []float64{0.60}, false, "hyp-001", 0.60, ""},
		{"single confirmed", []float64{0.95}, true, "hyp-001", 0.95, ReasonConfirmed},
		{"eliminated ignored", []float64{0.02, 0.50, 0.45}, false, "hyp-002", 0.05, ""},
		{"unlikely still contends", []float64{0.60, 0.20}, true, "hyp-001", 0.40, "Separation margin >= 0.30 (0.40)"},
		{"all eliminated", []float64{0.01, 0.02}, false, "", 0, ReasonNoActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Evaluate(hyps(tc.confs...))
			if v.IsConverged != tc.converged {
				t.Errorf("converged = %v, want %v", v.IsConverged, tc.converged)
			}
			if v.LeadingHypothesis != tc.leading {
				t.Errorf("leading = %s, want %s", v.LeadingHypothesis, tc.leading)
			}
			if v.SeparationMargin != tc.margin {
				t.Errorf("margin = %v, want %v", v.SeparationMargin, tc.margin)
			}
			if v.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", v.Reason, tc.reason)
			}
		})
	}
}

func TestEvaluate_TieBrokenByID(t *testing.T) {
	v := Evaluate(hyps(0.5, 0.5))
	if v.LeadingHypothesis != "hyp-001" || v.RunnerUp != "hyp-002" {
		t.Errorf("leading/runner-up = %s/%s", v.LeadingHypothesis, v.RunnerUp)
	}
	if v.IsConverged {
		t.Error("tie must not converge")
	}
}
