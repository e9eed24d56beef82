package archive

import (
	"fmt"
	"strings"

	"github.com/kokistudios/elim/internal/evidence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
)

var outcomeMarks = map[session.Outcome]string{
	session.OutcomeSuccess:   "✅",
	session.OutcomeFailure:   "❌",
	session.OutcomeAbandoned: "⏸️",
}

var statusMarks = map[hypothesis.Status]string{
	hypothesis.StatusConfirmed:  "✅",
	hypothesis.StatusActive:     "🔍",
	hypothesis.StatusUnlikely:   "⚠️",
	hypothesis.StatusEliminated: "❌",
}

// Summary renders the SUMMARY.md for an archived session.
func Summary(sess *session.Session, hyps []*hypothesis.Hypothesis, evs []*evidence.Evidence) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s Investigation: %s\n\n", outcomeMarks[sess.Outcome], sess.Symptom)
	fmt.Fprintf(&b, "- **Session:** %s\n", sess.ID)
	fmt.Fprintf(&b, "- **Outcome:** %s\n", sess.Outcome)
	fmt.Fprintf(&b, "- **Started:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04"))
	if sess.ArchivedAt != nil {
		fmt.Fprintf(&b, "- **Archived:** %s\n", sess.ArchivedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, "- **Tests run:** %d\n", sess.TestCount)
	if sess.SpecReference != "" {
		fmt.Fprintf(&b, "- **Spec reference:** %s\n", sess.SpecReference)
	}

	if sess.ConfirmedHypothesis != "" {
		b.WriteString("\n## Root Cause\n\n")
		for _, h := range hyps {
			if h.ID != sess.ConfirmedHypothesis {
				continue
			}
			fmt.Fprintf(&b, "**%s** (%s, %.0f%%): %s\n", h.ID.Short(), h.Category, h.Confidence*100, h.Description)
			if sess.AutoSelected {
				b.WriteString("\n_Selected automatically as the most confident hypothesis; none reached confirmation._\n")
			}
		}
	}

	ranked := append([]*hypothesis.Hypothesis(nil), hyps...)
	hypothesis.SortByConfidence(ranked)
	b.WriteString("\n## Hypotheses\n\n")
	b.WriteString("| | ID | Category | Initial | Final | Description |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, h := range ranked {
		fmt.Fprintf(&b, "| %s | %s | %s | %.2f | %.2f | %s |\n",
			statusMarks[h.Status], h.ID.Short(), h.Category, h.InitialConfidence, h.Confidence, tableCell(h.Description))
	}

	if len(evs) > 0 {
		b.WriteString("\n## Evidence\n\n")
		for _, ev := range evs {
			fmt.Fprintf(&b, "%d. **%s**: %s\n", evidence.Ordinal(ev.ID), ev.TestDescription, ev.Result)
		}
	}

	if sess.ArchiveNotes != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", sess.ArchiveNotes)
	}
	return b.String()
}

func tableCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
