// Package hypothesis holds the candidate explanations tracked by a session:
// their categories and default priors, the confidence→status projection, and
// the append-only confidence history.
package hypothesis

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/store"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusUnlikely   Status = "unlikely"
	StatusEliminated Status = "eliminated"
	StatusConfirmed  Status = "confirmed"
)

// Status thresholds.
const (
	ConfirmThreshold   = 0.90
	EliminateThreshold = 0.05
	UnlikelyThreshold  = 0.25
)

// DeriveStatus maps a confidence to its status. Status is never set any other way.
func DeriveStatus(confidence float64) Status {
	switch {
	case confidence >= ConfirmThreshold:
		return StatusConfirmed
	case confidence < EliminateThreshold:
		return StatusEliminated
	case confidence < UnlikelyThreshold:
		return StatusUnlikely
	default:
		return StatusActive
	}
}

// InContention reports whether the status still competes for convergence.
func (s Status) InContention() bool {
	return s != StatusEliminated
}

type Category string

const (
	CategoryCode           Category = "Code"
	CategoryConfig         Category = "Config"
	CategoryDependencies   Category = "Dependencies"
	CategoryData           Category = "Data"
	CategoryInfrastructure Category = "Infrastructure"
	CategoryConcurrency    Category = "Concurrency"
)

var defaultPriors = map[Category]float64{
	CategoryCode:           0.35,
	CategoryConfig:         0.20,
	CategoryDependencies:   0.15,
	CategoryData:           0.15,
	CategoryInfrastructure: 0.10,
	CategoryConcurrency:    0.05,
}

// Categories returns every category in canonical order.
func Categories() []Category {
	return []Category{
		CategoryCode,
		CategoryConfig,
		CategoryDependencies,
		CategoryData,
		CategoryInfrastructure,
		CategoryConcurrency,
	}
}

// Prior is the default confidence used when a caller omits one.
func (c Category) Prior() float64 {
	return defaultPriors[c]
}

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if strings.EqualFold(strings.TrimSpace(s), string(c)) {
			return c, nil
		}
	}
	names := make([]string, 0, len(defaultPriors))
	for _, c := range Categories() {
		names = append(names, string(c))
	}
	return "", fmt.Errorf("unknown category %q (valid: %s)", s, strings.Join(names, ", "))
}

// ID is the canonical hypothesis identifier, hyp-NNN.
type ID string

// FormatID builds the identifier for the n-th hypothesis (1-based).
func FormatID(n int) ID {
	return ID(fmt.Sprintf("hyp-%03d", n))
}

var refPattern = regexp.MustCompile(`^(?i)(?:h|hyp-?)(\d+)$`)

// ParseID normalizes user references: "H1", "h1", "hyp-001", "HYP-001" and
// "hyp-1" all become hyp-001.
func ParseID(ref string) (ID, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return "", fmt.Errorf("malformed hypothesis reference %q (use H1 or hyp-001)", ref)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return "", fmt.Errorf("malformed hypothesis reference %q", ref)
	}
	return FormatID(n), nil
}

// Ordinal returns the 1-based number encoded in the id, or 0.
func (id ID) Ordinal() int {
	n, _ := strconv.Atoi(strings.TrimPrefix(string(id), "hyp-"))
	return n
}

// Short renders the id in its H<n> form.
func (id ID) Short() string {
	return fmt.Sprintf("H%d", id.Ordinal())
}

type HistoryEntry struct {
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp"`
	Confidence float64   `yaml:"confidence" json:"confidence"`
	Reason     string    `yaml:"reason" json:"reason"`
	EvidenceID string    `yaml:"evidence_id,omitempty" json:"evidence_id,omitempty"`
	FindingID  string    `yaml:"finding_id,omitempty" json:"finding_id,omitempty"`
}

type RollbackInfo struct {
	CanResurrect        bool   `yaml:"can_resurrect" json:"can_resurrect"`
	EliminationEvidence string `yaml:"elimination_evidence,omitempty" json:"elimination_evidence,omitempty"`
}

// ResearchNote is an external finding attached to a hypothesis.
type ResearchNote struct {
	ID        string    `yaml:"id" json:"id"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Source    string    `yaml:"source,omitempty" json:"source,omitempty"`
	URL       string    `yaml:"url,omitempty" json:"url,omitempty"`
	Summary   string    `yaml:"summary" json:"summary"`
	Relevance string    `yaml:"relevance,omitempty" json:"relevance,omitempty"`
	Boost     float64   `yaml:"boost,omitempty" json:"boost,omitempty"`
}

type Hypothesis struct {
	ID                ID             `yaml:"id" json:"id"`
	Description       string         `yaml:"description" json:"description"`
	Category          Category       `yaml:"category" json:"category"`
	Confidence        float64        `yaml:"confidence" json:"confidence"`
	InitialConfidence float64        `yaml:"initial_confidence" json:"initial_confidence"`
	Status            Status         `yaml:"status" json:"status"`
	CreatedAt         time.Time      `yaml:"created_at" json:"created_at"`
	EvidenceIDs       []string       `yaml:"evidence_ids" json:"evidence_ids"`
	History           []HistoryEntry `yaml:"confidence_history" json:"confidence_history"`
	Rollback          RollbackInfo   `yaml:"rollback_info" json:"rollback_info"`
	Research          []ResearchNote `yaml:"research,omitempty" json:"research,omitempty"`
}

// New creates a hypothesis with its initial history entry.
func New(id ID, description string, category Category, confidence float64, now time.Time) (*Hypothesis, error) {
	if err := ValidateConfidence(confidence); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	return &Hypothesis{
		ID:                id,
		Description:       description,
		Category:          category,
		Confidence:        confidence,
		InitialConfidence: confidence,
		Status:            DeriveStatus(confidence),
		CreatedAt:         now,
		EvidenceIDs:       []string{},
		History: []HistoryEntry{{
			Timestamp:  now,
			Confidence: confidence,
			Reason:     "Initial assignment",
		}},
		Rollback: RollbackInfo{CanResurrect: true},
	}, nil
}

// ValidateConfidence checks c lies in [0, 1].
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v out of range (must be 0.0-1.0)", c)
	}
	return nil
}

// SetConfidence records a test result: it appends history, re-derives
// status, and links the evidence. Raising a previously eliminated hypothesis
// keeps its elimination evidence on record.
func (h *Hypothesis) SetConfidence(c float64, reason, evidenceID string, now time.Time) error {
	if err := h.set(c, HistoryEntry{Timestamp: now, Reason: reason, EvidenceID: evidenceID}); err != nil {
		return err
	}
	if evidenceID != "" {
		h.EvidenceIDs = append(h.EvidenceIDs, evidenceID)
	}
	if h.Status == StatusEliminated {
		h.Rollback.EliminationEvidence = evidenceID
	}
	return nil
}

// ApplyFinding raises confidence on the strength of a research finding. The
// history entry cites the finding; the hypothesis is not counted as tested.
func (h *Hypothesis) ApplyFinding(c float64, reason, findingID string, now time.Time) error {
	return h.set(c, HistoryEntry{Timestamp: now, Reason: reason, FindingID: findingID})
}

func (h *Hypothesis) set(c float64, entry HistoryEntry) error {
	if err := ValidateConfidence(c); err != nil {
		return fmt.Errorf("%s: %w", h.ID, err)
	}
	h.Confidence = c
	h.Status = DeriveStatus(c)
	entry.Confidence = c
	h.History = append(h.History, entry)
	return nil
}

// TimesTested is the number of evidence records that touched h.
func (h *Hypothesis) TimesTested() int {
	return len(h.EvidenceIDs)
}

// Clone returns a deep copy, so a transaction can mutate without touching the original.
func (h *Hypothesis) Clone() *Hypothesis {
	c := *h
	c.EvidenceIDs = append([]string{}, h.EvidenceIDs...)
	c.History = append([]HistoryEntry{}, h.History...)
	c.Research = append([]ResearchNote(nil), h.Research...)
	return &c
}

// SortByConfidence orders hypotheses by confidence descending, ties by id.
func SortByConfidence(hyps []*Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Confidence != hyps[j].Confidence {
			return hyps[i].Confidence > hyps[j].Confidence
		}
		return hyps[i].ID < hyps[j].ID
	})
}

// Count tallies hypotheses per status.
func Count(hyps []*Hypothesis) map[Status]int {
	counts := make(map[Status]int, 4)
	for _, h := range hyps {
		counts[h.Status]++
	}
	return counts
}

// Path is where a hypothesis record lives inside dir (active or archived).
func Path(dir string, id ID) string {
	return filepath.Join(dir, store.DirHypotheses, string(id)+".yaml")
}

// Load reads the listed hypotheses from dir, in the order given.
func Load(dir string, ids []ID) ([]*Hypothesis, error) {
	hyps := make([]*Hypothesis, 0, len(ids))
	for _, id := range ids {
		var h Hypothesis
		if err := store.ReadYAML(Path(dir, id), &h); err != nil {
			return nil, err
		}
		hyps = append(hyps, &h)
	}
	return hyps, nil
}

// LoadAll reads every hypothesis record present in dir.
func LoadAll(dir string) ([]*Hypothesis, error) {
	names, err := store.ListYAML(filepath.Join(dir, store.DirHypotheses))
	if err != nil {
		return nil, err
	}
	ids := make([]ID, 0, len(names))
	for _, n := range names {
		ids = append(ids, ID(strings.TrimSuffix(n, ".yaml")))
	}
	return Load(dir, ids)
}

// Exists reports whether a record for id is present in dir.
func Exists(dir string, id ID) bool {
	_, err := os.Stat(Path(dir, id))
	return err == nil
}
