package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/evidence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/store"
)

type CheckpointInput struct {
	Test    string
	Result  string
	Updates map[hypothesis.ID]float64
	// AllowPartial downgrades missing updates to warnings. Out-of-range
	// confidences are always rejected.
	AllowPartial bool
}

// ConfidenceChange records one hypothesis's confidence before and after.
type ConfidenceChange struct {
	ID       hypothesis.ID     `json:"id"`
	Previous float64           `json:"previous"`
	Current  float64           `json:"current"`
	Status   hypothesis.Status `json:"status"`
}

type CheckpointResult struct {
	SessionID     string              `json:"session_id"`
	EvidenceID    string              `json:"evidence_id"`
	Iteration     int                 `json:"iteration"`
	Changes       []ConfidenceChange  `json:"changes"`
	StatusChanges []StatusChange      `json:"status_changes"`
	Convergence   convergence.Verdict `json:"convergence"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// Checkpoint ingests the result of one test: it writes an evidence record,
// moves every named hypothesis to its new confidence, recomputes convergence
// and advances the session counters. Either every record changes or none do.
func Checkpoint(ctx context.Context, st *store.Store, in CheckpointInput) (*CheckpointResult, error) {
	var res *CheckpointResult
	err := st.WithLock(ctx, func() error {
		sess, hyps, err := Load(st)
		if err != nil {
			return err
		}
		warnings, err := validateCheckpoint(in, hyps)
		if err != nil {
			return err
		}
		res, err = apply(st, sess, hyps, transaction{
			test:    strings.TrimSpace(in.Test),
			result:  strings.TrimSpace(in.Result),
			updates: in.Updates,
		})
		if err != nil {
			return err
		}
		res.Warnings = warnings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// validateCheckpoint reports every problem with the input in one error.
// Missing hypotheses come back as warnings when partial updates are allowed.
func validateCheckpoint(in CheckpointInput, hyps []*hypothesis.Hypothesis) ([]string, error) {
	known := make(map[hypothesis.ID]*hypothesis.Hypothesis, len(hyps))
	for _, h := range hyps {
		known[h.ID] = h
	}

	var unknown []string
	for id := range in.Updates {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, string(id))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrHypothesisNotFound, strings.Join(unknown, ", "))
	}

	var problems, missing []string
	if strings.TrimSpace(in.Test) == "" {
		problems = append(problems, "test description is required")
	}
	if strings.TrimSpace(in.Result) == "" {
		problems = append(problems, "test result is required")
	}
	if len(in.Updates) == 0 {
		problems = append(problems, "at least one confidence update is required")
	}

	ids := make([]hypothesis.ID, 0, len(in.Updates))
	for id := range in.Updates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := hypothesis.ValidateConfidence(in.Updates[id]); err != nil {
			problems = append(problems, fmt.Sprintf("%s (%s): %v", id, id.Short(), err))
		}
	}

	for _, h := range hyps {
		if h.Status == hypothesis.StatusEliminated {
			continue
		}
		if _, ok := in.Updates[h.ID]; !ok {
			missing = append(missing, fmt.Sprintf("%s (%s) has no update, current confidence %.2f", h.ID, h.ID.Short(), h.Confidence))
		}
	}

	if !in.AllowPartial {
		problems = append(problems, missing...)
		missing = nil
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Op: "checkpoint", Problems: problems}
	}
	return missing, nil
}

// transaction is one validated test result.
type transaction struct {
	test    string
	result  string
	updates map[hypothesis.ID]float64
}

// apply stages and commits a validated transaction. Staging order is
// evidence, hypotheses, session, log.
func apply(st *store.Store, sess *Session, hyps []*hypothesis.Hypothesis, tx transaction) (*CheckpointResult, error) {
	now := time.Now().UTC()
	evID := evidence.FormatID(sess.TestCount + 1)
	if evidence.Exists(st.ActivePath(), evID) {
		return nil, fmt.Errorf("evidence %s already exists but the session has recorded %d tests (run 'elim doctor')", evID, sess.TestCount)
	}

	iteration := sess.CurrentIteration + 1
	ev := evidence.New(evID, tx.test, tx.result, iteration, tx.updates, now)

	reason := historyReason("Test: ", tx.test)
	refreshed := make([]*hypothesis.Hypothesis, len(hyps))
	touched := make(map[hypothesis.ID]bool, len(tx.updates))
	var (
		changes       []ConfidenceChange
		statusChanges []StatusChange
	)
	for i, h := range hyps {
		c, ok := tx.updates[h.ID]
		if !ok {
			refreshed[i] = h
			continue
		}
		updated := h.Clone()
		if err := updated.SetConfidence(c, reason, evID, now); err != nil {
			return nil, err
		}
		refreshed[i] = updated
		touched[h.ID] = true
		changes = append(changes, ConfidenceChange{
			ID:       h.ID,
			Previous: h.Confidence,
			Current:  updated.Confidence,
			Status:   updated.Status,
		})
		if updated.Status != h.Status {
			statusChanges = append(statusChanges, StatusChange{ID: h.ID, From: h.Status, To: updated.Status})
		}
	}

	verdict := convergence.Evaluate(refreshed)

	nextSess := *sess
	nextSess.ProcessLog = append(append([]ProcessEntry{}, sess.ProcessLog...), ProcessEntry{
		Timestamp:     now,
		Action:        ActionCheckpoint,
		Test:          tx.test,
		EvidenceID:    evID,
		UpdatesCount:  len(tx.updates),
		StatusChanges: statusChanges,
		Converged:     boolPtr(verdict.IsConverged),
	})
	nextSess.TestCount++
	nextSess.CurrentIteration++
	nextSess.Convergence = verdict
	nextSess.Phase = phaseFor(verdict)

	b := st.NewBatch()
	stageAll := func() error {
		if err := b.Put(evidence.Path(st.ActivePath(), evID), ev); err != nil {
			return err
		}
		for _, h := range refreshed {
			if !touched[h.ID] {
				continue
			}
			if err := b.Put(hypothesis.Path(st.ActivePath(), h.ID), h); err != nil {
				return err
			}
		}
		if err := b.Put(st.ActivePath(store.SessionFile), &nextSess); err != nil {
			return err
		}
		return StageLogEntry(st, b, LogEntry{
			Timestamp:     now,
			SessionID:     sess.ID,
			Action:        ActionCheckpoint,
			TestNumber:    nextSess.TestCount,
			EvidenceID:    evID,
			StatusChanges: statusChanges,
			Converged:     boolPtr(verdict.IsConverged),
		})
	}
	if err := stageAll(); err != nil {
		b.Abort()
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}

	return &CheckpointResult{
		SessionID:     sess.ID,
		EvidenceID:    evID,
		Iteration:     iteration,
		Changes:       changes,
		StatusChanges: statusChanges,
		Convergence:   verdict,
	}, nil
}

func phaseFor(v convergence.Verdict) Phase {
	if v.IsConverged {
		return PhaseConverged
	}
	return PhaseEvidenceGathering
}

// historyReason shortens a description to the label kept in history.
func historyReason(prefix, text string) string {
	if utf8.RuneCountInString(text) > 30 {
		text = string([]rune(text)[:30]) + "..."
	}
	return prefix + text
}

// ParseUpdates reads the compact update form "H1:0.15,H2:0.70->0.42". The
// "old->new" form is accepted; only the new value is kept.
func ParseUpdates(s string) (map[hypothesis.ID]float64, error) {
	updates := make(map[hypothesis.ID]float64)
	var problems []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, value, ok := strings.Cut(part, ":")
		if !ok {
			problems = append(problems, fmt.Sprintf("%q: expected <hypothesis>:<confidence>", part))
			continue
		}
		if _, newer, found := strings.Cut(value, "->"); found {
			value = newer
		}
		id, err := hypothesis.ParseID(ref)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		c, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %q is not a number", id, strings.TrimSpace(value)))
			continue
		}
		if _, dup := updates[id]; dup {
			problems = append(problems, fmt.Sprintf("%s: given more than once", id))
			continue
		}
		updates[id] = c
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Op: "updates", Problems: problems}
	}
	return updates, nil
}

// ParseUpdatesFile reads a YAML (or JSON) mapping of hypothesis references to
// confidences, e.g. "H1: 0.2".
func ParseUpdatesFile(data []byte) (map[hypothesis.ID]float64, error) {
	var raw map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid updates document: %w", err)
	}
	return NormalizeUpdates(raw)
}

// NormalizeUpdates maps loose hypothesis references ("H1", "hyp-1") to
// canonical ids. Two references to the same hypothesis are an error.
func NormalizeUpdates(raw map[string]float64) (map[hypothesis.ID]float64, error) {
	refs := make([]string, 0, len(raw))
	for ref := range raw {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	updates := make(map[hypothesis.ID]float64, len(raw))
	var problems []string
	for _, ref := range refs {
		id, err := hypothesis.ParseID(ref)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, dup := updates[id]; dup {
			problems = append(problems, fmt.Sprintf("%s: given more than once", id))
			continue
		}
		updates[id] = raw[ref]
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Op: "updates", Problems: problems}
	}
	return updates, nil
}
