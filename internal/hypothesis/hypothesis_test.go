package hypothesis

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kokistudios/elim/internal/store"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		conf float64
		want Status
	}{
		{0.0, StatusEliminated},
		{0.049, StatusEliminated},
		{0.05, StatusUnlikely},
		{0.10, StatusUnlikely},
		{0.249, StatusUnlikely},
		{0.25, StatusActive},
		{0.5, StatusActive},
		{0.899, StatusActive},
		{0.90, StatusConfirmed},
		{1.0, StatusConfirmed},
	}
	for _, tc := range cases {
		if got := DeriveStatus(tc.conf); got != tc.want {
			t.Errorf("DeriveStatus(%v) = %s, want %s", tc.conf, got, tc.want)
		}
	}
}

func TestDeriveStatus_Total(t *testing.T) {
	valid := map[Status]bool{StatusActive: true, StatusUnlikely: true, StatusEliminated: true, StatusConfirmed: true}
	for i := 0; i <= 1000; i++ {
		c := float64(i) / 1000
		if !valid[DeriveStatus(c)] {
			t.Fatalf("DeriveStatus(%v) returned unknown status", c)
		}
	}
}

func TestParseID(t *testing.T) {
	cases := []struct {
		input string
		want  ID
	}{
		{"H1", "hyp-001"},
		{"h2", "hyp-002"},
		{"hyp-003", "hyp-003"},
		{"HYP-010", "hyp-010"},
		{"hyp-7", "hyp-007"},
		{" H12 ", "hyp-012"},
	}
	for _, tc := range cases {
		got, err := ParseID(tc.input)
		if err != nil {
			t.Errorf("ParseID(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseID(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}

	for _, bad := range []string{"", "X1", "H", "hyp-", "H0", "hyp-abc", "1"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) should fail", bad)
		}
	}
}

func TestIDForms(t *testing.T) {
	id := FormatID(4)
	if id != "hyp-004" {
		t.Errorf("FormatID(4) = %s", id)
	}
	if id.Ordinal() != 4 || id.Short() != "H4" {
		t.Errorf("Ordinal/Short = %d/%s", id.Ordinal(), id.Short())
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("infrastructure")
	if err != nil || c != CategoryInfrastructure {
		t.Errorf("ParseCategory = %s, %v", c, err)
	}
	if _, err := ParseCategory("Network"); err == nil {
		t.Error("expected error for unknown category")
	}
	if CategoryCode.Prior() != 0.35 || CategoryConcurrency.Prior() != 0.05 {
		t.Error("unexpected default priors")
	}
}

func TestNew_InitialHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h, err := New("hyp-001", "pool exhaustion", CategoryInfrastructure, 0.4, now)
	if err != nil {
		t.Fatal(err)
	}
	want := []HistoryEntry{{Timestamp: now, Confidence: 0.4, Reason: "Initial assignment"}}
	if diff := cmp.Diff(want, h.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if h.Status != StatusActive || !h.Rollback.CanResurrect {
		t.Errorf("status=%s can_resurrect=%v", h.Status, h.Rollback.CanResurrect)
	}

	if _, err := New("hyp-002", "x", CategoryCode, 1.5, now); err == nil {
		t.Error("expected out-of-range confidence to fail")
	}
}

func TestSetConfidence_HistoryAndElimination(t *testing.T) {
	now := time.Now().UTC()
	h, _ := New("hyp-001", "cache race", CategoryConcurrency, 0.3, now)

	steps := []struct {
		conf float64
		ev   string
		want Status
	}{
		{0.02, "ev-001", StatusEliminated},
		{0.40, "ev-002", StatusActive},
		{0.95, "ev-003", StatusConfirmed},
	}
	for _, s := range steps {
		if err := h.SetConfidence(s.conf, "Test: x", s.ev, now); err != nil {
			t.Fatal(err)
		}
		if h.Status != s.want {
			t.Errorf("after %v: status = %s, want %s", s.conf, h.Status, s.want)
		}
	}

	if len(h.History) != len(steps)+1 {
		t.Errorf("history length = %d, want %d", len(h.History), len(steps)+1)
	}
	if last := h.History[len(h.History)-1]; last.Confidence != h.Confidence {
		t.Errorf("last history %v != confidence %v", last.Confidence, h.Confidence)
	}
	if h.TimesTested() != 3 {
		t.Errorf("TimesTested = %d, want 3", h.TimesTested())
	}
	// Resurrection keeps the stale elimination justification.
	if h.Rollback.EliminationEvidence != "ev-001" {
		t.Errorf("elimination evidence = %q, want ev-001", h.Rollback.EliminationEvidence)
	}

	before := len(h.History)
	if err := h.SetConfidence(-0.1, "bad", "ev-004", now); err == nil {
		t.Error("expected error for negative confidence")
	}
	if len(h.History) != before {
		t.Error("rejected update must not touch history")
	}
}

func TestApplyFinding_NotCountedAsTest(t *testing.T) {
	now := time.Now().UTC()
	h, _ := New("hyp-002", "driver bug", CategoryDependencies, 0.58, now)

	if err := h.ApplyFinding(0.59, "Research: changelog", "res-001", now); err != nil {
		t.Fatal(err)
	}
	if h.TimesTested() != 0 || len(h.EvidenceIDs) != 0 {
		t.Errorf("finding counted as a test: %v", h.EvidenceIDs)
	}
	want := HistoryEntry{Timestamp: now, Confidence: 0.59, Reason: "Research: changelog", FindingID: "res-001"}
	if diff := cmp.Diff(want, h.History[len(h.History)-1]); diff != "" {
		t.Errorf("history entry (-want +got):\n%s", diff)
	}
	if err := h.ApplyFinding(1.2, "bad", "res-002", now); err == nil {
		t.Error("expected error for out-of-range confidence")
	}
}

func TestClone_Independent(t *testing.T) {
	h, _ := New("hyp-001", "x", CategoryCode, 0.5, time.Now())
	c := h.Clone()
	c.SetConfidence(0.1, "r", "ev-001", time.Now())
	if len(h.History) != 1 || len(h.EvidenceIDs) != 0 || h.Confidence != 0.5 {
		t.Error("mutating clone changed original")
	}
}

func TestSortByConfidence(t *testing.T) {
	hyps := []*Hypothesis{
		{ID: "hyp-002", Confidence: 0.3},
		{ID: "hyp-003", Confidence: 0.6},
		{ID: "hyp-001", Confidence: 0.3},
	}
	SortByConfidence(hyps)
	var got []ID
	for _, h := range hyps {
		got = append(got, h.ID)
	}
	if diff := cmp.Diff([]ID{"hyp-003", "hyp-001", "hyp-002"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)
	h, _ := New("hyp-001", "stale config", CategoryConfig, 0.2, now)
	if err := store.WriteYAML(Path(dir, h.ID), h); err != nil {
		t.Fatal(err)
	}

	got, err := Load(dir, []ID{"hyp-001"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(h, got[0]); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if _, err := Load(dir, []ID{"hyp-009"}); err == nil {
		t.Error("expected error for missing record")
	}
	all, _ := LoadAll(dir)
	if len(all) != 1 || !Exists(dir, "hyp-001") || Exists(filepath.Join(dir, "x"), "hyp-001") {
		t.Error("LoadAll/Exists mismatch")
	}
}
