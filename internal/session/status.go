package session

import (
	"fmt"
	"math"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/evidence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/store"
)

// Advisory thresholds for process violations.
const (
	LargeJumpThreshold      = 0.50
	SlowIterations          = 10
	SlowMarginThreshold     = 0.15
	UntestedAfterIterations = 5
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Violation is an advisory finding about how the investigation is being run.
// Violations are computed on demand and never stored.
type Violation struct {
	Type       string        `json:"type"`
	Severity   Severity      `json:"severity"`
	Hypothesis hypothesis.ID `json:"hypothesis,omitempty"`
	Message    string        `json:"message"`
}

// Report is the read-only status view of the active session.
type Report struct {
	Session        *Session                  `json:"session"`
	Hypotheses     []*hypothesis.Hypothesis  `json:"hypotheses"`
	Counts         map[hypothesis.Status]int `json:"counts"`
	Convergence    convergence.Verdict       `json:"convergence"`
	RecentEvidence []*evidence.Evidence      `json:"recent_evidence"`
	Violations     []Violation               `json:"violations"`
}

// Status builds the status report, with at most evidenceShown of the most
// recent evidence records.
func Status(st *store.Store, evidenceShown int) (*Report, error) {
	sess, hyps, err := Load(st)
	if err != nil {
		return nil, err
	}
	evs, err := evidence.List(st.ActivePath())
	if err != nil {
		return nil, err
	}
	if evidenceShown >= 0 && len(evs) > evidenceShown {
		evs = evs[len(evs)-evidenceShown:]
	}

	ranked := append([]*hypothesis.Hypothesis(nil), hyps...)
	hypothesis.SortByConfidence(ranked)

	return &Report{
		Session:        sess,
		Hypotheses:     ranked,
		Counts:         hypothesis.Count(hyps),
		Convergence:    sess.Convergence,
		RecentEvidence: evs,
		Violations:     Violations(sess, hyps),
	}, nil
}

// Violations inspects the session for process problems: confidence swings
// larger than LargeJumpThreshold in one step, stalled convergence after many
// iterations, and active hypotheses that were never tested.
func Violations(sess *Session, hyps []*hypothesis.Hypothesis) []Violation {
	var out []Violation

	for _, h := range hyps {
		for i := 1; i < len(h.History); i++ {
			prev, cur := h.History[i-1], h.History[i]
			if math.Abs(cur.Confidence-prev.Confidence) > LargeJumpThreshold {
				msg := fmt.Sprintf("%s jumped %.2f -> %.2f in one step", h.ID.Short(), prev.Confidence, cur.Confidence)
				if cur.EvidenceID != "" {
					msg += fmt.Sprintf(" (%s)", cur.EvidenceID)
				}
				out = append(out, Violation{
					Type:       "LARGE_CONFIDENCE_JUMP",
					Severity:   SeverityWarning,
					Hypothesis: h.ID,
					Message:    msg,
				})
			}
		}
	}

	if sess.CurrentIteration > SlowIterations && !sess.Convergence.IsConverged &&
		sess.Convergence.SeparationMargin < SlowMarginThreshold {
		out = append(out, Violation{
			Type:     "SLOW_CONVERGENCE",
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%d iterations with separation margin %.2f; consider revisiting the hypothesis set",
				sess.CurrentIteration, sess.Convergence.SeparationMargin),
		})
	}

	if sess.CurrentIteration >= UntestedAfterIterations {
		for _, h := range hyps {
			if h.Status == hypothesis.StatusActive && h.TimesTested() == 0 {
				out = append(out, Violation{
					Type:       "UNTESTED_HYPOTHESES",
					Severity:   SeverityInfo,
					Hypothesis: h.ID,
					Message:    fmt.Sprintf("%s is active but has no evidence after %d iterations", h.ID.Short(), sess.CurrentIteration),
				})
			}
		}
	}

	return out
}

// HasWarnings reports whether any violation is more severe than info.
func HasWarnings(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == SeverityWarning {
			return true
		}
	}
	return false
}
