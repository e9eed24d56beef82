package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), ".elimination")
	if err := Init(home, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func TestInit(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".elimination")

	if err := Init(home, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for _, d := range []string{"active/hypotheses", "active/evidence", "logs", "learned", "archive"} {
		p := filepath.Join(home, d)
		info, err := os.Stat(p)
		if err != nil {
			t.Errorf("expected directory %s to exist", d)
		} else if !info.IsDir() {
			t.Errorf("expected %s to be a directory", d)
		}
	}

	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Error("expected config.yaml to exist")
	}

	// Second init should fail without force
	if err := Init(home, false); err == nil {
		t.Error("expected error on duplicate init")
	}

	if err := Init(home, true); err != nil {
		t.Errorf("expected force init to succeed: %v", err)
	}
}

func TestOpenInitializesOnFirstUse(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".elimination")
	s, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Config.Session.MaxIterations != 20 {
		t.Errorf("max_iterations = %d, want 20", s.Config.Session.MaxIterations)
	}
	if issues := CheckHealth(home); len(issues) != 0 {
		t.Errorf("expected healthy home, got %v", issues)
	}
}

func TestHomeEnvVar(t *testing.T) {
	t.Setenv("ELIM_HOME", "/custom/path")
	if got := Home(); got != "/custom/path" {
		t.Errorf("Home() = %s, want /custom/path", got)
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if got := FindProjectRoot(nested); got != root {
		t.Errorf("FindProjectRoot = %s, want %s", got, root)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	s := setupStore(t)
	os.WriteFile(s.Path("config.yaml"), []byte("version: \"1\"\n"), 0644)

	s, err := Load(s.Home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Session.MaxIterations != 20 {
		t.Errorf("expected default max_iterations, got %d", s.Config.Session.MaxIterations)
	}
	if !s.Config.Heuristics.Learn {
		t.Error("expected heuristics.learn true by default")
	}
}

func TestSetConfigValue(t *testing.T) {
	s := setupStore(t)

	if err := s.SetConfigValue("session.max_iterations", "30"); err != nil {
		t.Fatal(err)
	}
	s2, _ := Load(s.Home)
	if s2.Config.Session.MaxIterations != 30 {
		t.Errorf("config not persisted, got %d", s2.Config.Session.MaxIterations)
	}

	if err := s.SetConfigValue("nonexistent.key", "value"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := s.SetConfigValue("lock.timeout_seconds", "zero"); err == nil {
		t.Error("expected error for non-integer value")
	}
}

func TestBatchCommit(t *testing.T) {
	s := setupStore(t)
	b := s.NewBatch()
	if err := b.Put(s.ActivePath("a.yaml"), map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(s.ActivePath("b.yaml"), map[string]int{"n": 2}); err != nil {
		t.Fatal(err)
	}

	// Nothing is visible before commit.
	if _, err := os.Stat(s.ActivePath("a.yaml")); !os.IsNotExist(err) {
		t.Fatal("staged write visible before Commit")
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	var got map[string]int
	if err := ReadYAML(s.ActivePath("b.yaml"), &got); err != nil {
		t.Fatal(err)
	}
	if got["n"] != 2 {
		t.Errorf("b.yaml n = %d, want 2", got["n"])
	}
	names, _ := ListYAML(s.Path("active"))
	if len(names) != 2 {
		t.Errorf("expected 2 records and no temp files, got %v", names)
	}
}

func TestBatchAbortLeavesNoTrace(t *testing.T) {
	s := setupStore(t)
	if err := WriteYAML(s.ActivePath("a.yaml"), map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}

	b := s.NewBatch()
	b.Put(s.ActivePath("a.yaml"), map[string]int{"n": 99})
	b.Abort()

	var got map[string]int
	ReadYAML(s.ActivePath("a.yaml"), &got)
	if got["n"] != 1 {
		t.Errorf("aborted batch changed record: n = %d", got["n"])
	}
	entries, _ := os.ReadDir(s.Path("active"))
	for _, e := range entries {
		if !e.IsDir() && e.Name() != "a.yaml" {
			t.Errorf("leftover file after abort: %s", e.Name())
		}
	}
	if err := b.Commit(); err == nil {
		t.Error("expected Commit after Abort to fail")
	}
}

func TestReadYAML_RecordError(t *testing.T) {
	s := setupStore(t)
	p := s.ActivePath("broken.yaml")
	os.WriteFile(p, []byte("id: [unterminated"), 0644)

	var v map[string]any
	err := ReadYAML(p, &v)
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected RecordError, got %v", err)
	}
	if recErr.Path != p {
		t.Errorf("RecordError.Path = %s, want %s", recErr.Path, p)
	}

	err = ReadYAML(s.ActivePath("missing.yaml"), &v)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist for missing record, got %v", err)
	}
}

func TestClearActiveIsRetriable(t *testing.T) {
	s := setupStore(t)
	WriteYAML(s.ActivePath(SessionFile), map[string]string{"session_id": "x"})
	WriteYAML(s.ActivePath(DirHypotheses, "hyp-001.yaml"), map[string]string{"id": "hyp-001"})
	WriteYAML(s.ActivePath(DirEvidence, "ev-001.yaml"), map[string]string{"id": "ev-001"})

	if err := s.ClearActive(); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	if s.HasActiveSession() {
		t.Error("session still active after clear")
	}
	if err := s.ClearActive(); err != nil {
		t.Errorf("second ClearActive should be a no-op, got %v", err)
	}
}

func TestLockExclusive(t *testing.T) {
	s := setupStore(t)
	s.Config.Lock.TimeoutSeconds = 1

	unlock, err := s.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if _, err := s.Lock(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld while locked, got %v", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := s.WithLock(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("WithLock after unlock: %v", err)
	}
}

func TestCheckActiveIntegrity(t *testing.T) {
	s := setupStore(t)
	if issues := CheckActiveIntegrity(s.Home); len(issues) != 0 {
		t.Errorf("expected no issues without a session, got %v", issues)
	}

	WriteYAML(s.ActivePath(SessionFile), map[string]any{"hypothesis_ids": []string{"hyp-001", "hyp-002"}})
	WriteYAML(s.ActivePath(DirHypotheses, "hyp-001.yaml"), map[string]string{"id": "hyp-001"})

	issues := CheckActiveIntegrity(s.Home)
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue for missing hyp-002, got %v", issues)
	}
}

func TestFixIssues(t *testing.T) {
	s := setupStore(t)
	os.RemoveAll(s.Path("logs"))

	fixed := FixIssues(s.Home)
	if len(fixed) == 0 {
		t.Error("expected at least one fix")
	}
	if _, err := os.Stat(s.Path("logs")); err != nil {
		t.Error("logs dir not recreated")
	}
}
