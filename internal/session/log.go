package session

import (
	"fmt"
	"os"
	"time"

	"github.com/kokistudios/elim/internal/store"
)

// LogEntry is one line of the cross-session elimination log.
type LogEntry struct {
	Timestamp     time.Time      `yaml:"timestamp" json:"timestamp"`
	SessionID     string         `yaml:"session_id" json:"session_id"`
	Action        string         `yaml:"action" json:"action"`
	TestNumber    int            `yaml:"test_number,omitempty" json:"test_number,omitempty"`
	EvidenceID    string         `yaml:"evidence_id,omitempty" json:"evidence_id,omitempty"`
	FindingID     string         `yaml:"finding_id,omitempty" json:"finding_id,omitempty"`
	StatusChanges []StatusChange `yaml:"status_changes,omitempty" json:"status_changes,omitempty"`
	Converged     *bool          `yaml:"converged,omitempty" json:"converged,omitempty"`
	Outcome       Outcome        `yaml:"outcome,omitempty" json:"outcome,omitempty"`
	Location      string         `yaml:"location,omitempty" json:"location,omitempty"`
}

// Log is the append-only elimination log shared by every session.
type Log struct {
	Entries []LogEntry `yaml:"entries" json:"entries"`
}

func logPath(st *store.Store) string {
	return st.Path(store.DirLogs, store.LogFile)
}

// ReadLog loads the elimination log. A missing log is empty.
func ReadLog(st *store.Store) (*Log, error) {
	var l Log
	if _, err := os.Stat(logPath(st)); os.IsNotExist(err) {
		return &l, nil
	}
	if err := store.ReadYAML(logPath(st), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// StageLogEntry adds the log, with e appended, to batch b.
func StageLogEntry(st *store.Store, b *store.Batch, e LogEntry) error {
	l, err := ReadLog(st)
	if err != nil {
		return err
	}
	l.Entries = append(l.Entries, e)
	if err := b.Put(logPath(st), l); err != nil {
		return fmt.Errorf("failed to stage log entry: %w", err)
	}
	return nil
}

// AppendLog appends e to the elimination log.
func AppendLog(st *store.Store, e LogEntry) error {
	b := st.NewBatch()
	if err := StageLogEntry(st, b, e); err != nil {
		b.Abort()
		return err
	}
	return b.Commit()
}
