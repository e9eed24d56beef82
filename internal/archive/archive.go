// Package archive moves a finished session out of the active namespace and
// folds its outcome into the learned heuristics.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/catalog"
	"github.com/kokistudios/elim/internal/evidence"
	"github.com/kokistudios/elim/internal/heuristics"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

// SummaryFile is the human-readable report written into each archive folder.
const SummaryFile = "SUMMARY.md"

type Request struct {
	Outcome session.Outcome
	// ConfirmedID names the root-cause hypothesis. On success it is chosen
	// automatically when empty.
	ConfirmedID hypothesis.ID
	Notes       string
	// Learn folds the session into the heuristics aggregate.
	Learn bool
}

type Result struct {
	SessionID   string          `json:"session_id"`
	Outcome     session.Outcome `json:"outcome"`
	Location    string          `json:"location"`
	ConfirmedID hypothesis.ID   `json:"confirmed_id,omitempty"`
	// AutoSelected is set when ConfirmedID fell back to the most confident
	// hypothesis because none was confirmed.
	AutoSelected   bool     `json:"auto_selected,omitempty"`
	MatchedPattern string   `json:"matched_pattern,omitempty"`
	Resumed        bool     `json:"resumed,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Dir is the archive folder for a session archived at t.
func Dir(st *store.Store, sessionID string, t time.Time) string {
	return st.Path(store.DirArchive, t.Format("2006-01"), sessionID)
}

// Find locates the archive folder of a session. It returns "" when the
// session has not been archived.
func Find(st *store.Store, sessionID string) (string, error) {
	matches, err := filepath.Glob(st.Path(store.DirArchive, "*", sessionID, store.SessionFile))
	if err != nil {
		return "", fmt.Errorf("search archive: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	return filepath.Dir(matches[0]), nil
}

// Run archives the active session. The archive copy, heuristics update and
// log entry are committed in one batch, and the active namespace is cleared
// only after that. If a previous run stopped part way, Run finds the existing
// copy and finishes whatever of the heuristics update, log entry and clear
// did not land.
func Run(ctx context.Context, st *store.Store, req Request) (*Result, error) {
	if _, err := session.ParseOutcome(string(req.Outcome)); err != nil {
		return nil, err
	}

	var res *Result
	err := st.WithLock(ctx, func() error {
		sess, hyps, err := session.Load(st)
		if err != nil {
			return err
		}

		existing, err := Find(st, sess.ID)
		if err != nil {
			return err
		}
		if existing != "" {
			res, err = resume(st, existing, time.Now().UTC())
			return err
		}

		confirmed, auto, err := resolveConfirmed(req, hyps)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		dir := Dir(st, sess.ID, now)
		res = &Result{
			SessionID:    sess.ID,
			Outcome:      req.Outcome,
			Location:     dir,
			ConfirmedID:  confirmed,
			AutoSelected: auto,
		}

		archived := stamp(sess, req, confirmed, auto, now)
		matched, err := commitCopy(st, dir, archived, hyps, req, now)
		if err != nil {
			return err
		}
		res.MatchedPattern = matched

		if err := index(st, dir, archived, hyps); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		}
		return st.ClearActive()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// resolveConfirmed picks the root-cause hypothesis for the archive record.
func resolveConfirmed(req Request, hyps []*hypothesis.Hypothesis) (hypothesis.ID, bool, error) {
	if req.ConfirmedID != "" {
		for _, h := range hyps {
			if h.ID == req.ConfirmedID {
				return h.ID, false, nil
			}
		}
		return "", false, fmt.Errorf("%w: %s", session.ErrHypothesisNotFound, req.ConfirmedID)
	}
	if req.Outcome != session.OutcomeSuccess || len(hyps) == 0 {
		return "", false, nil
	}
	for _, h := range hyps {
		if h.Status == hypothesis.StatusConfirmed {
			return h.ID, false, nil
		}
	}
	ranked := append([]*hypothesis.Hypothesis(nil), hyps...)
	hypothesis.SortByConfidence(ranked)
	return ranked[0].ID, true, nil
}

func stamp(sess *session.Session, req Request, confirmed hypothesis.ID, auto bool, now time.Time) *session.Session {
	archived := *sess
	archived.Phase = session.PhaseArchived
	archived.Outcome = req.Outcome
	archived.ArchivedAt = &now
	archived.ArchiveNotes = strings.TrimSpace(req.Notes)
	archived.ConfirmedHypothesis = confirmed
	archived.AutoSelected = auto
	archived.Learned = req.Learn
	archived.ProcessLog = append(append([]session.ProcessEntry{}, sess.ProcessLog...), session.ProcessEntry{
		Timestamp: now,
		Action:    session.ActionArchived,
		Outcome:   req.Outcome,
		Notes:     archived.ArchiveNotes,
	})
	return &archived
}

// commitCopy writes the archive folder, the heuristics aggregate and the log
// entry in one batch. The archived session record is staged right after the
// folder contents so its presence marks a complete copy; the heuristics and
// log updates follow and are finished by resume if they did not land.
func commitCopy(st *store.Store, dir string, archived *session.Session, hyps []*hypothesis.Hypothesis, req Request, now time.Time) (string, error) {
	evs, err := evidence.List(st.ActivePath())
	if err != nil {
		return "", err
	}

	var matched string
	b := st.NewBatch()
	stageAll := func() error {
		for _, h := range hyps {
			if err := b.Put(hypothesis.Path(dir, h.ID), h); err != nil {
				return err
			}
		}
		for _, ev := range evs {
			if err := b.Put(evidence.Path(dir, ev.ID), ev); err != nil {
				return err
			}
		}
		if err := b.PutBytes(filepath.Join(dir, SummaryFile), []byte(Summary(archived, hyps, evs))); err != nil {
			return err
		}
		if err := b.Put(filepath.Join(dir, store.SessionFile), archived); err != nil {
			return err
		}
		matched, err = stageTail(st, b, dir, archived, hyps, now)
		return err
	}
	if err := stageAll(); err != nil {
		b.Abort()
		return "", err
	}
	if err := b.Commit(); err != nil {
		return "", err
	}
	return matched, nil
}

// stageTail stages the heuristics update and the archive log entry unless
// they are already recorded for this session.
func stageTail(st *store.Store, b *store.Batch, dir string, archived *session.Session, hyps []*hypothesis.Hypothesis, now time.Time) (string, error) {
	var matched string
	if archived.Learned {
		agg, err := heuristics.Load(st)
		if err != nil {
			return "", err
		}
		if agg.Statistics.LastSessionID != archived.ID {
			matched = agg.Record(archived.Outcome, archived, hyps, archived.ConfirmedHypothesis, now)
			if err := b.Put(heuristics.Path(st), agg); err != nil {
				return "", err
			}
		}
	}

	logged, err := archiveLogged(st, archived.ID)
	if err != nil {
		return "", err
	}
	if !logged {
		if err := session.StageLogEntry(st, b, session.LogEntry{
			Timestamp: now,
			SessionID: archived.ID,
			Action:    session.ActionArchived,
			Outcome:   archived.Outcome,
			Location:  dir,
		}); err != nil {
			return "", err
		}
	}
	return matched, nil
}

func archiveLogged(st *store.Store, id string) (bool, error) {
	l, err := session.ReadLog(st)
	if err != nil {
		return false, err
	}
	for _, e := range l.Entries {
		if e.SessionID == id && e.Action == session.ActionArchived {
			return true, nil
		}
	}
	return false, nil
}

// resume finishes an archive whose copy already landed.
func resume(st *store.Store, dir string, now time.Time) (*Result, error) {
	archived, err := session.Read(dir)
	if err != nil {
		return nil, err
	}
	hyps, err := hypothesis.LoadAll(dir)
	if err != nil {
		return nil, err
	}
	res := &Result{
		SessionID:    archived.ID,
		Outcome:      archived.Outcome,
		Location:     dir,
		ConfirmedID:  archived.ConfirmedHypothesis,
		AutoSelected: archived.AutoSelected,
		Resumed:      true,
	}

	b := st.NewBatch()
	matched, err := stageTail(st, b, dir, archived, hyps, now)
	if err != nil {
		b.Abort()
		return nil, err
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}
	res.MatchedPattern = matched

	if err := index(st, dir, archived, hyps); err != nil {
		res.Warnings = append(res.Warnings, err.Error())
	}
	if err := st.ClearActive(); err != nil {
		return nil, err
	}
	return res, nil
}

// index records the archived session in the catalog.
func index(st *store.Store, dir string, archived *session.Session, hyps []*hypothesis.Hypothesis) error {
	c, err := catalog.OpenStore(st)
	if err != nil {
		return fmt.Errorf("catalog not updated: %w", err)
	}
	defer c.Close()
	if err := c.Insert(catalog.EntryFor(st.Path(store.DirArchive), dir, archived, hyps)); err != nil {
		return fmt.Errorf("catalog not updated: %w", err)
	}
	return nil
}

// Load reads an archived session and its records.
func Load(dir string) (*session.Session, []*hypothesis.Hypothesis, []*evidence.Evidence, error) {
	sess, err := session.Read(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	hyps, err := hypothesis.LoadAll(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	evs, err := evidence.List(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, hyps, evs, nil
}

// ReadSummary returns the SUMMARY.md of an archived session.
func ReadSummary(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return "", fmt.Errorf("read summary: %w", err)
	}
	return string(data), nil
}
