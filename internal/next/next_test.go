package next

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/evidence"
	"github.com/kokistudios/elim/internal/hypothesis"
)

func hyp(n int, conf float64, tested int) *hypothesis.Hypothesis {
	h := &hypothesis.Hypothesis{
		ID:         hypothesis.FormatID(n),
		Category:   hypothesis.CategoryCode,
		Confidence: conf,
		Status:     hypothesis.DeriveStatus(conf),
	}
	for i := 0; i < tested; i++ {
		h.EvidenceIDs = append(h.EvidenceIDs, evidence.FormatID(i+1))
	}
	return h
}

func TestInformationGain(t *testing.T) {
	cases := []struct {
		conf   float64
		tested int
		want   float64
	}{
		{0.5, 0, 1.0},
		{1.0, 0, 0.3},
		{0.0, 0, 0.3},
		{0.5, 5, 0.85},
	}
	for _, tc := range cases {
		got := InformationGain(hyp(1, tc.conf, tc.tested))
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("gain(%v, %d) = %v, want %v", tc.conf, tc.tested, got, tc.want)
		}
	}
}

func TestSelect(t *testing.T) {
	cases := []struct {
		name   string
		hyps   []*hypothesis.Hypothesis
		want   hypothesis.ID
		reason string
	}{
		{
			name:   "clear leader",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.30, 0), hyp(2, 0.70, 0)},
			want:   "hyp-002",
			reason: ReasonHighestConfidence,
		},
		{
			name:   "contended band prefers fresher hypothesis",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.60, 0), hyp(2, 0.58, 3)},
			want:   "hyp-001",
			reason: "HIGHEST_INFO_GAIN_AMONG_TOP_2",
		},
		{
			name:   "heavily tested leader yields to untested rival",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.70, 5), hyp(2, 0.62, 0)},
			want:   "hyp-002",
			reason: "HIGHEST_INFO_GAIN_AMONG_TOP_2",
		},
		{
			name:   "unlikely and eliminated never selected",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.20, 0), hyp(2, 0.01, 0), hyp(3, 0.40, 2)},
			want:   "hyp-003",
			reason: ReasonHighestConfidence,
		},
		{
			name:   "only unlikely remain",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.20, 0), hyp(2, 0.01, 0)},
			reason: ReasonUnlikelyRemain,
		},
		{
			name:   "nothing remains",
			hyps:   []*hypothesis.Hypothesis{hyp(1, 0.01, 0)},
			reason: ReasonNoneRemaining,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sel := Select(tc.hyps)
			var got hypothesis.ID
			if sel.Hypothesis != nil {
				got = sel.Hypothesis.ID
			}
			if got != tc.want {
				t.Errorf("selected %q, want %q", got, tc.want)
			}
			if sel.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", sel.Reason, tc.reason)
			}
		})
	}
}

func TestSelect_DoesNotReorderInput(t *testing.T) {
	in := []*hypothesis.Hypothesis{hyp(1, 0.30, 0), hyp(2, 0.70, 0), hyp(3, 0.65, 1)}
	before := []hypothesis.ID{in[0].ID, in[1].ID, in[2].ID}

	first := Select(in)
	second := Select(in)

	after := []hypothesis.ID{in[0].ID, in[1].ID, in[2].ID}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("input reordered (-before +after):\n%s", diff)
	}
	if first.Hypothesis.ID != second.Hypothesis.ID || first.Reason != second.Reason {
		t.Errorf("selection not idempotent: %s/%s vs %s/%s",
			first.Hypothesis.ID, first.Reason, second.Hypothesis.ID, second.Reason)
	}
	if diff := cmp.Diff([]hypothesis.ID{"hyp-002", "hyp-003"}, first.Band); diff != "" {
		t.Errorf("band mismatch (-want +got):\n%s", diff)
	}
}

func TestDecide(t *testing.T) {
	hyps := []*hypothesis.Hypothesis{hyp(1, 0.55, 0), hyp(2, 0.50, 0), hyp(3, 0.10, 1)}

	t.Run("converged", func(t *testing.T) {
		a := Decide(Progress{CurrentIteration: 3, MaxIterations: 20, Convergence: convergence.Verdict{IsConverged: true}}, hyps)
		if a.Status != StatusConverged || a.Action != ActionVerifyAndFix {
			t.Errorf("got %s/%s", a.Status, a.Action)
		}
		if a.Selection != nil {
			t.Error("converged session should not carry a selection")
		}
	})

	t.Run("iterations exhausted", func(t *testing.T) {
		a := Decide(Progress{CurrentIteration: 20, MaxIterations: 20}, hyps)
		if a.Status != StatusMaxIterations || a.Action != ActionReviewOrExpand {
			t.Errorf("got %s/%s", a.Status, a.Action)
		}
	})

	t.Run("continue", func(t *testing.T) {
		a := Decide(Progress{CurrentIteration: 2, MaxIterations: 20}, hyps)
		if a.Status != StatusContinue || a.Action != ActionTestHypothesis {
			t.Fatalf("got %s/%s", a.Status, a.Action)
		}
		if a.Selection.Hypothesis.ID != "hyp-001" {
			t.Errorf("selected %s", a.Selection.Hypothesis.ID)
		}
		if a.SuggestedTest != SuggestTest(hypothesis.CategoryCode) {
			t.Errorf("suggested test = %q", a.SuggestedTest)
		}
		want := Stats{Iteration: 2, Active: 2, Unlikely: 1}
		if diff := cmp.Diff(want, a.Stats); diff != "" {
			t.Errorf("stats mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("no active", func(t *testing.T) {
		a := Decide(Progress{CurrentIteration: 2, MaxIterations: 20}, []*hypothesis.Hypothesis{hyp(1, 0.1, 2)})
		if a.Status != StatusNoActive || a.Action != ActionExpand {
			t.Errorf("got %s/%s", a.Status, a.Action)
		}
		if a.Selection.Reason != ReasonUnlikelyRemain {
			t.Errorf("reason = %q", a.Selection.Reason)
		}
	})
}

func TestSuggestTest_EveryCategory(t *testing.T) {
	fallback := SuggestTest("Unknown")
	for _, c := range hypothesis.Categories() {
		if SuggestTest(c) == fallback {
			t.Errorf("category %s has no specific suggestion", c)
		}
	}
}
