package session

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/store"
)

const (
	// MaxResearchBoost bounds the confidence a single finding may add.
	MaxResearchBoost = 0.20
	// ResearchCeiling is the highest confidence research alone can reach.
	ResearchCeiling = 0.95
)

// Finding is an external research result proposed for one hypothesis.
type Finding struct {
	Hypothesis hypothesis.ID
	Source     string
	URL        string
	Summary    string
	Relevance  string
	Boost      float64
}

type FindingResult struct {
	Hypothesis hypothesis.ID     `json:"hypothesis"`
	FindingID  string            `json:"finding_id"`
	Previous   float64           `json:"previous"`
	Current    float64           `json:"current"`
	Status     hypothesis.Status `json:"status"`
	Boost      float64           `json:"boost_applied"`
}

// FormatFindingID builds the n-th research finding id (1-based). Findings
// are numbered apart from evidence, which counts tests only.
func FormatFindingID(n int) string {
	return fmt.Sprintf("res-%03d", n)
}

// nextFindingID numbers a finding after every one already recorded.
func nextFindingID(hyps []*hypothesis.Hypothesis) string {
	highest := 0
	for _, h := range hyps {
		for _, note := range h.Research {
			if n, err := strconv.Atoi(strings.TrimPrefix(note.ID, "res-")); err == nil && n > highest {
				highest = n
			}
		}
	}
	return FormatFindingID(highest + 1)
}

// RecordFinding attaches a research finding to a hypothesis. A positive boost
// raises its confidence with a history entry citing the finding. Research is
// not a test: no evidence record is written and neither the test count nor
// the iteration moves.
func RecordFinding(ctx context.Context, st *store.Store, f Finding) (*FindingResult, error) {
	if strings.TrimSpace(f.Summary) == "" {
		return nil, &ValidationError{Op: "research", Problems: []string{"summary is required"}}
	}
	if math.IsNaN(f.Boost) || f.Boost < 0 {
		return nil, &ValidationError{Op: "research", Problems: []string{fmt.Sprintf("boost %v must be between 0.0 and %.2f", f.Boost, MaxResearchBoost)}}
	}
	boost := math.Min(f.Boost, MaxResearchBoost)

	var res *FindingResult
	err := st.WithLock(ctx, func() error {
		sess, hyps, err := Load(st)
		if err != nil {
			return err
		}
		idx := -1
		for i, h := range hyps {
			if h.ID == f.Hypothesis {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrHypothesisNotFound, f.Hypothesis)
		}
		res, err = commitFinding(st, sess, hyps, idx, f, boost, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// commitFinding writes the hypothesis, the session process log and the global
// log in one batch.
func commitFinding(st *store.Store, sess *Session, hyps []*hypothesis.Hypothesis, idx int, f Finding, boost float64, now time.Time) (*FindingResult, error) {
	target := hyps[idx]
	note := hypothesis.ResearchNote{
		ID:        nextFindingID(hyps),
		Timestamp: now,
		Source:    f.Source,
		URL:       f.URL,
		Summary:   strings.TrimSpace(f.Summary),
		Relevance: f.Relevance,
	}

	h := target.Clone()
	proposed := math.Round(math.Min(target.Confidence+boost, ResearchCeiling)*1e9) / 1e9
	if proposed > target.Confidence {
		note.Boost = math.Round((proposed-target.Confidence)*1e9) / 1e9
		if err := h.ApplyFinding(proposed, historyReason("Research: ", researchTitle(f)), note.ID, now); err != nil {
			return nil, err
		}
	}
	h.Research = append(h.Research, note)

	refreshed := append([]*hypothesis.Hypothesis(nil), hyps...)
	refreshed[idx] = h

	updated := *sess
	entry := ProcessEntry{
		Timestamp: now,
		Action:    ActionResearch,
		FindingID: note.ID,
		Details:   fmt.Sprintf("Finding recorded for %s without confidence change", h.ID.Short()),
	}
	var statusChanges []StatusChange
	if note.Boost > 0 {
		updated.Convergence = convergence.Evaluate(refreshed)
		updated.Phase = phaseFor(updated.Convergence)
		entry.Details = fmt.Sprintf("%s raised %.2f -> %.2f", h.ID.Short(), target.Confidence, h.Confidence)
		entry.UpdatesCount = 1
		entry.Converged = boolPtr(updated.Convergence.IsConverged)
		if h.Status != target.Status {
			statusChanges = []StatusChange{{ID: h.ID, From: target.Status, To: h.Status}}
			entry.StatusChanges = statusChanges
		}
	}
	updated.ProcessLog = append(append([]ProcessEntry{}, sess.ProcessLog...), entry)

	b := st.NewBatch()
	stageAll := func() error {
		if err := b.Put(hypothesis.Path(st.ActivePath(), h.ID), h); err != nil {
			return err
		}
		if err := b.Put(st.ActivePath(store.SessionFile), &updated); err != nil {
			return err
		}
		return StageLogEntry(st, b, LogEntry{
			Timestamp:     now,
			SessionID:     sess.ID,
			Action:        ActionResearch,
			FindingID:     note.ID,
			StatusChanges: statusChanges,
			Converged:     entry.Converged,
		})
	}
	if err := stageAll(); err != nil {
		b.Abort()
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}
	return &FindingResult{
		Hypothesis: h.ID,
		FindingID:  note.ID,
		Previous:   target.Confidence,
		Current:    h.Confidence,
		Status:     h.Status,
		Boost:      note.Boost,
	}, nil
}

func researchTitle(f Finding) string {
	if s := strings.TrimSpace(f.Source); s != "" {
		return s
	}
	return "external finding"
}

var queryTemplates = map[hypothesis.Category][]string{
	hypothesis.CategoryCode:           {"{desc}", "{symptom} bug", "{desc} fix solution"},
	hypothesis.CategoryConfig:         {"{desc} configuration", "{symptom} config environment variable", "{desc} settings"},
	hypothesis.CategoryDependencies:   {"{desc} version conflict", "{symptom} dependency issue", "{desc} breaking change"},
	hypothesis.CategoryData:           {"{desc} data corruption", "{symptom} invalid data edge case", "{desc} validation"},
	hypothesis.CategoryInfrastructure: {"{desc} server resource", "{symptom} timeout memory CPU", "{desc} infrastructure"},
	hypothesis.CategoryConcurrency:    {"{desc} race condition", "{symptom} deadlock thread", "{desc} concurrent async"},
}

// SuggestedQueries returns plain-text search queries for investigating h.
// Nothing is fetched.
func SuggestedQueries(symptom string, h *hypothesis.Hypothesis) []string {
	templates, ok := queryTemplates[h.Category]
	if !ok {
		templates = []string{"{desc}", "{symptom}"}
	}
	r := strings.NewReplacer("{symptom}", strings.TrimSpace(symptom), "{desc}", strings.TrimSpace(h.Description))
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		out = append(out, strings.TrimSpace(r.Replace(t)))
	}
	return out
}
