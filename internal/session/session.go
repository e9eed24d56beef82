package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/next"
	"github.com/kokistudios/elim/internal/store"
)

var (
	ErrNoActiveSession    = errors.New("no active session (run 'elim start' first)")
	ErrSessionExists      = errors.New("an active session already exists (archive it first, or start with --force)")
	ErrHypothesisNotFound = errors.New("hypothesis not found")
)

// ValidationError carries every problem found in one input, so callers can
// fix them all at once.
type ValidationError struct {
	Op       string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected:\n  - %s", e.Op, strings.Join(e.Problems, "\n  - "))
}

type Phase string

const (
	PhaseEvidenceGathering Phase = "evidence_gathering"
	PhaseConverged         Phase = "converged"
	PhaseArchived          Phase = "archived"
)

type Type string

const (
	TypeStandard           Type = "standard"
	TypeSpecDeviationDebug Type = "spec_deviation_debug"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
)

// ParseOutcome validates an archival outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAbandoned:
		return o, nil
	}
	return "", fmt.Errorf("invalid outcome %q (must be success, failure, or abandoned)", s)
}

// Process log actions.
const (
	ActionInitialized = "session_initialized"
	ActionCheckpoint  = "checkpoint"
	ActionResearch    = "research"
	ActionArchived    = "session_archived"
)

// StatusChange is one hypothesis status transition caused by a checkpoint.
type StatusChange struct {
	ID   hypothesis.ID     `yaml:"id" json:"id"`
	From hypothesis.Status `yaml:"from" json:"from"`
	To   hypothesis.Status `yaml:"to" json:"to"`
}

// ProcessEntry is one line of a session's append-only process log.
type ProcessEntry struct {
	Timestamp     time.Time      `yaml:"timestamp" json:"timestamp"`
	Action        string         `yaml:"action" json:"action"`
	Details       string         `yaml:"details,omitempty" json:"details,omitempty"`
	Test          string         `yaml:"test,omitempty" json:"test,omitempty"`
	EvidenceID    string         `yaml:"evidence_id,omitempty" json:"evidence_id,omitempty"`
	FindingID     string         `yaml:"finding_id,omitempty" json:"finding_id,omitempty"`
	UpdatesCount  int            `yaml:"updates_count,omitempty" json:"updates_count,omitempty"`
	StatusChanges []StatusChange `yaml:"status_changes,omitempty" json:"status_changes,omitempty"`
	Converged     *bool          `yaml:"converged,omitempty" json:"converged,omitempty"`
	Outcome       Outcome        `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Notes         string         `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type Session struct {
	ID               string              `yaml:"session_id" json:"session_id"`
	CreatedAt        time.Time           `yaml:"created_at" json:"created_at"`
	Symptom          string              `yaml:"symptom" json:"symptom"`
	Phase            Phase               `yaml:"phase" json:"phase"`
	SpecReference    string              `yaml:"spec_reference,omitempty" json:"spec_reference,omitempty"`
	Type             Type                `yaml:"session_type" json:"session_type"`
	HypothesisCount  int                 `yaml:"hypothesis_count" json:"hypothesis_count"`
	TestCount        int                 `yaml:"test_count" json:"test_count"`
	CurrentIteration int                 `yaml:"current_iteration" json:"current_iteration"`
	MaxIterations    int                 `yaml:"max_iterations" json:"max_iterations"`
	Convergence      convergence.Verdict `yaml:"convergence" json:"convergence"`
	HypothesisIDs    []hypothesis.ID     `yaml:"hypothesis_ids" json:"hypothesis_ids"`
	ProcessLog       []ProcessEntry      `yaml:"process_log" json:"process_log"`

	// Set on archival.
	Outcome             Outcome       `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	ArchivedAt          *time.Time    `yaml:"archived_at,omitempty" json:"archived_at,omitempty"`
	ArchiveNotes        string        `yaml:"archive_notes,omitempty" json:"archive_notes,omitempty"`
	ConfirmedHypothesis hypothesis.ID `yaml:"confirmed_hypothesis,omitempty" json:"confirmed_hypothesis,omitempty"`
	AutoSelected        bool          `yaml:"confirmed_auto_selected,omitempty" json:"confirmed_auto_selected,omitempty"`
	Learned             bool          `yaml:"learned,omitempty" json:"learned,omitempty"`
}

// GenerateID builds a session id from its creation time.
func GenerateID(now time.Time) string {
	return "session-" + now.Format("20060102-150405")
}

var idPattern = regexp.MustCompile(`^session-\d{8}-\d{6}$`)

// ValidID reports whether id has the shape GenerateID produces.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Read loads the session record stored in dir (the active namespace or an
// archive folder).
func Read(dir string) (*Session, error) {
	var sess Session
	if err := store.ReadYAML(filepath.Join(dir, store.SessionFile), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Active loads the in-progress session.
func Active(st *store.Store) (*Session, error) {
	if _, err := os.Stat(st.ActivePath(store.SessionFile)); os.IsNotExist(err) {
		return nil, ErrNoActiveSession
	}
	sess, err := Read(st.ActivePath())
	if err != nil {
		return nil, err
	}
	if sess.Phase == PhaseArchived {
		return nil, fmt.Errorf("%w: session %s is already archived", ErrNoActiveSession, sess.ID)
	}
	return sess, nil
}

// Hypotheses loads the session's hypotheses from the active namespace, in
// id order.
func Hypotheses(st *store.Store, sess *Session) ([]*hypothesis.Hypothesis, error) {
	return hypothesis.Load(st.ActivePath(), sess.HypothesisIDs)
}

// Load returns the active session together with its hypotheses.
func Load(st *store.Store) (*Session, []*hypothesis.Hypothesis, error) {
	sess, err := Active(st)
	if err != nil {
		return nil, nil, err
	}
	hyps, err := Hypotheses(st, sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, hyps, nil
}

// NextAction answers "what should I test next" for the active session.
// Read-only.
func NextAction(st *store.Store) (*next.Action, error) {
	sess, hyps, err := Load(st)
	if err != nil {
		return nil, err
	}
	a := next.Decide(next.Progress{
		CurrentIteration: sess.CurrentIteration,
		MaxIterations:    sess.MaxIterations,
		Convergence:      sess.Convergence,
	}, hyps)
	return &a, nil
}

func boolPtr(b bool) *bool { return &b }
