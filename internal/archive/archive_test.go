package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/elim/internal/catalog"
	"github.com/kokistudios/elim/internal/heuristics"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".elimination")
	if err := store.Init(dir, false); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	s, err := store.Load(dir)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return s
}

func conf(c float64) *float64 { return &c }

// investigate starts a session and runs one checkpoint that eliminates the
// Config hypothesis without confirming the leader.
func investigate(t *testing.T, st *store.Store) *session.Session {
	t.Helper()
	ctx := context.Background()
	_, _, err := session.Start(ctx, st, session.StartInput{
		Symptom: "Checkout times out after deploy",
		Hypotheses: []session.HypothesisInput{
			{Description: "connection pool exhausted", Category: "Infrastructure", Confidence: conf(0.55)},
			{Description: "timeout set too low", Category: "Config", Confidence: conf(0.30)},
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = session.Checkpoint(ctx, st, session.CheckpointInput{
		Test:    "raise timeout to 30s",
		Result:  "still times out",
		Updates: map[hypothesis.ID]float64{"hyp-001": 0.75, "hyp-002": 0.02},
	})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	sess, err := session.Active(st)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	return sess
}

func archivedLogEntries(t *testing.T, st *store.Store) int {
	t.Helper()
	log, err := session.ReadLog(st)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	n := 0
	for _, e := range log.Entries {
		if e.Action == session.ActionArchived {
			n++
		}
	}
	return n
}

func TestRun_SuccessAutoSelects(t *testing.T) {
	st := setupStore(t)
	sess := investigate(t, st)

	res, err := Run(context.Background(), st, Request{
		Outcome: session.OutcomeSuccess,
		Notes:   "  bumped pool size  ",
		Learn:   true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConfirmedID != "hyp-001" || !res.AutoSelected {
		t.Errorf("confirmed = %s auto=%v, want hyp-001 auto-selected", res.ConfirmedID, res.AutoSelected)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if st.HasActiveSession() {
		t.Error("active namespace should be cleared")
	}
	if _, err := session.Active(st); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Active after archive: %v", err)
	}

	dir, err := Find(st, sess.ID)
	if err != nil || dir != res.Location {
		t.Fatalf("Find = %q, %v; want %q", dir, err, res.Location)
	}
	archived, hyps, evs, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if archived.Phase != session.PhaseArchived || archived.Outcome != session.OutcomeSuccess {
		t.Errorf("archived phase/outcome = %s/%s", archived.Phase, archived.Outcome)
	}
	if archived.ArchiveNotes != "bumped pool size" || archived.ArchivedAt == nil {
		t.Errorf("archive stamp = %q %v", archived.ArchiveNotes, archived.ArchivedAt)
	}
	last := archived.ProcessLog[len(archived.ProcessLog)-1]
	if last.Action != session.ActionArchived {
		t.Errorf("last process entry = %s, want %s", last.Action, session.ActionArchived)
	}
	if len(hyps) != 2 || len(evs) != 1 {
		t.Errorf("archived %d hypotheses, %d evidence; want 2, 1", len(hyps), len(evs))
	}

	summary, err := ReadSummary(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"## Root Cause", "connection pool exhausted", "Selected automatically", "bumped pool size"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q", want)
		}
	}

	agg, err := heuristics.Load(st)
	if err != nil {
		t.Fatal(err)
	}
	want := map[hypothesis.Category]*heuristics.CategoryStat{
		hypothesis.CategoryInfrastructure: {Confirmations: 1, Total: 1},
		hypothesis.CategoryConfig:         {Confirmations: 0, Total: 1},
	}
	if diff := cmp.Diff(want, agg.Statistics.CategoryStats); diff != "" {
		t.Errorf("category stats (-want +got):\n%s", diff)
	}
	if agg.Statistics.SuccessSessions != 1 || agg.Statistics.TotalTests != 1 {
		t.Errorf("statistics = %+v", agg.Statistics)
	}

	if n := archivedLogEntries(t, st); n != 1 {
		t.Errorf("session_archived log entries = %d, want 1", n)
	}

	c, err := catalog.OpenStore(st)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	entry, err := c.Get(sess.ID)
	if err != nil {
		t.Fatalf("catalog Get: %v", err)
	}
	if entry.ConfirmedCategory != hypothesis.CategoryInfrastructure || entry.TestCount != 1 {
		t.Errorf("catalog entry = %+v", entry)
	}
}

func TestRun_NoLearnLeavesHeuristics(t *testing.T) {
	st := setupStore(t)
	investigate(t, st)

	res, err := Run(context.Background(), st, Request{Outcome: session.OutcomeFailure})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConfirmedID != "" || res.AutoSelected {
		t.Errorf("failure should not pick a root cause, got %s", res.ConfirmedID)
	}
	if _, err := os.Stat(heuristics.Path(st)); !os.IsNotExist(err) {
		t.Errorf("heuristics written without learning: %v", err)
	}
}

func TestRun_ExplicitConfirmed(t *testing.T) {
	st := setupStore(t)
	investigate(t, st)

	_, err := Run(context.Background(), st, Request{Outcome: session.OutcomeSuccess, ConfirmedID: "hyp-009"})
	if !errors.Is(err, session.ErrHypothesisNotFound) {
		t.Fatalf("err = %v, want ErrHypothesisNotFound", err)
	}
	if !st.HasActiveSession() {
		t.Fatal("rejected archive must leave the session active")
	}

	res, err := Run(context.Background(), st, Request{Outcome: session.OutcomeSuccess, ConfirmedID: "hyp-002"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConfirmedID != "hyp-002" || res.AutoSelected {
		t.Errorf("confirmed = %s auto=%v", res.ConfirmedID, res.AutoSelected)
	}
}

func TestRun_Rejections(t *testing.T) {
	st := setupStore(t)
	if _, err := Run(context.Background(), st, Request{Outcome: session.OutcomeSuccess}); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("no session: err = %v", err)
	}
	if _, err := Run(context.Background(), st, Request{Outcome: "done"}); err == nil {
		t.Error("expected invalid outcome error")
	}
}

func TestRun_ResumesInterruptedArchive(t *testing.T) {
	st := setupStore(t)
	investigate(t, st)
	sess, hyps, err := session.Load(st)
	if err != nil {
		t.Fatal(err)
	}

	// Copy lands, then the process dies before clearing.
	now := time.Now().UTC()
	req := Request{Outcome: session.OutcomeSuccess, Learn: true}
	archived := stamp(sess, req, "hyp-001", false, now)
	if _, err := commitCopy(st, Dir(st, sess.ID, now), archived, hyps, req, now); err != nil {
		t.Fatalf("commitCopy: %v", err)
	}
	if !st.HasActiveSession() {
		t.Fatal("active session should survive until cleared")
	}

	res, err := Run(context.Background(), st, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Resumed || res.ConfirmedID != "hyp-001" {
		t.Errorf("result = %+v, want resumed with hyp-001", res)
	}
	if st.HasActiveSession() {
		t.Error("retry should clear the active namespace")
	}
	if n := archivedLogEntries(t, st); n != 1 {
		t.Errorf("session_archived log entries = %d, want 1", n)
	}
	agg, _ := heuristics.Load(st)
	if agg.Statistics.TotalSessions != 1 {
		t.Errorf("total_sessions = %d, want 1", agg.Statistics.TotalSessions)
	}
	matches, _ := filepath.Glob(st.Path(store.DirArchive, "*", sess.ID))
	if len(matches) != 1 {
		t.Errorf("archive copies = %d, want 1", len(matches))
	}
}

func TestRun_FinishesTailAfterInterruptedCommit(t *testing.T) {
	tests := []struct {
		name    string
		rewound func(st *store.Store) []string
	}{
		{
			name: "copy only",
			rewound: func(st *store.Store) []string {
				return []string{heuristics.Path(st), st.Path(store.DirLogs, store.LogFile)}
			},
		},
		{
			name: "copy and heuristics",
			rewound: func(st *store.Store) []string {
				return []string{st.Path(store.DirLogs, store.LogFile)}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupStore(t)
			investigate(t, st)
			sess, hyps, err := session.Load(st)
			if err != nil {
				t.Fatal(err)
			}

			// Commit the whole batch, then put back the files whose rename
			// "did not happen".
			paths := tt.rewound(st)
			saved := make(map[string][]byte, len(paths))
			for _, p := range paths {
				if data, err := os.ReadFile(p); err == nil {
					saved[p] = data
				}
			}
			now := time.Now().UTC()
			req := Request{Outcome: session.OutcomeSuccess, Learn: true}
			archived := stamp(sess, req, "hyp-001", false, now)
			if _, err := commitCopy(st, Dir(st, sess.ID, now), archived, hyps, req, now); err != nil {
				t.Fatalf("commitCopy: %v", err)
			}
			for _, p := range paths {
				if data, ok := saved[p]; ok {
					if err := os.WriteFile(p, data, 0644); err != nil {
						t.Fatal(err)
					}
				} else if err := os.Remove(p); err != nil {
					t.Fatal(err)
				}
			}

			res, err := Run(context.Background(), st, req)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !res.Resumed {
				t.Errorf("result = %+v, want resumed", res)
			}
			if n := archivedLogEntries(t, st); n != 1 {
				t.Errorf("session_archived log entries = %d, want 1", n)
			}
			agg, err := heuristics.Load(st)
			if err != nil {
				t.Fatal(err)
			}
			if agg.Statistics.TotalSessions != 1 || agg.Statistics.LastSessionID != sess.ID {
				t.Errorf("statistics = %+v, want one session recorded for %s", agg.Statistics, sess.ID)
			}
		})
	}
}

func TestExportImport(t *testing.T) {
	src := setupStore(t)
	sess := investigate(t, src)
	if _, err := Run(context.Background(), src, Request{Outcome: session.OutcomeSuccess}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := Export(src, "session-missing", t.TempDir()); err == nil {
		t.Error("expected error exporting unknown session")
	}
	out, err := Export(src, sess.ID, t.TempDir())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if filepath.Ext(out) != BundleExt {
		t.Errorf("bundle path = %s", out)
	}

	m, err := ReadManifest(out)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.SessionID != sess.ID || m.Outcome != session.OutcomeSuccess {
		t.Errorf("manifest = %+v", m)
	}
	for _, f := range []string{store.SessionFile, SummaryFile, "hypotheses/hyp-001.yaml", "evidence/ev-001.yaml"} {
		found := false
		for _, got := range m.Files {
			found = found || got == f
		}
		if !found {
			t.Errorf("manifest files missing %s: %v", f, m.Files)
		}
	}

	dst := setupStore(t)
	res, err := Import(context.Background(), dst, out)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.SessionID != sess.ID || res.FilesImported != len(m.Files) {
		t.Errorf("import result = %+v", res)
	}
	srcDir, _ := Find(src, sess.ID)
	wantSess, wantHyps, _, _ := Load(srcDir)
	gotSess, gotHyps, _, err := Load(res.Location)
	if err != nil {
		t.Fatalf("Load imported: %v", err)
	}
	if diff := cmp.Diff(wantSess, gotSess); diff != "" {
		t.Errorf("session (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantHyps, gotHyps); diff != "" {
		t.Errorf("hypotheses (-want +got):\n%s", diff)
	}

	c, err := catalog.OpenStore(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Get(sess.ID); err != nil {
		t.Errorf("imported session not indexed: %v", err)
	}

	if _, err := Import(context.Background(), dst, out); err == nil {
		t.Error("expected error importing an already archived session")
	}

	for _, id := range []string{"../../../escaped", "session-20260101-120000/../../x", "notes"} {
		bundle := writeBundle(t, Manifest{Version: "1", SessionID: id, ExportedAt: time.Now().UTC()}, map[string]string{
			id + "/" + store.SessionFile: "id: " + id + "\n",
		})
		if _, err := Import(context.Background(), dst, bundle); err == nil {
			t.Errorf("Import accepted session id %q", id)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dst.Home), "escaped")); !os.IsNotExist(err) {
		t.Errorf("import wrote outside the archive: %v", err)
	}
}

// writeBundle builds a bundle by hand so malformed manifests can be tested.
func writeBundle(t *testing.T, m Manifest, files map[string]string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "crafted"+BundleExt)
	f, err := os.Create(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		if err := writeEntry(tw, name, []byte(content), m.ExportedAt); err != nil {
			t.Fatal(err)
		}
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeEntry(tw, manifestName, data, m.ExportedAt); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return out
}
