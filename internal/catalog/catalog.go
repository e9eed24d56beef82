// Package catalog indexes archived sessions in SQLite so history queries do
// not walk the archive tree. The archive folders stay the source of truth;
// the catalog can always be rebuilt from them.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id         TEXT PRIMARY KEY,
	symptom            TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	confirmed_id       TEXT NOT NULL DEFAULT '',
	confirmed_category TEXT NOT NULL DEFAULT '',
	test_count         INTEGER NOT NULL DEFAULT 0,
	hypothesis_count   INTEGER NOT NULL DEFAULT 0,
	archived_at        TEXT NOT NULL,
	location           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_outcome ON sessions(outcome);
CREATE INDEX IF NOT EXISTS idx_sessions_archived_at ON sessions(archived_at);
`

// Entry is one archived session.
type Entry struct {
	SessionID         string              `json:"session_id"`
	Symptom           string              `json:"symptom"`
	Outcome           session.Outcome     `json:"outcome"`
	ConfirmedID       hypothesis.ID       `json:"confirmed_id,omitempty"`
	ConfirmedCategory hypothesis.Category `json:"confirmed_category,omitempty"`
	TestCount         int                 `json:"test_count"`
	HypothesisCount   int                 `json:"hypothesis_count"`
	ArchivedAt        time.Time           `json:"archived_at"`
	// Location is the archive folder relative to the archive root.
	Location string `json:"location"`
}

type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// OpenStore opens the catalog of an ELIM_HOME.
func OpenStore(st *store.Store) (*Catalog, error) {
	return Open(st.Path(store.DirArchive, store.CatalogFile))
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Insert adds an entry, replacing any previous entry for the same session.
func (c *Catalog) Insert(e Entry) error {
	_, err := c.db.Exec(`
		INSERT INTO sessions (session_id, symptom, outcome, confirmed_id, confirmed_category,
			test_count, hypothesis_count, archived_at, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			symptom = excluded.symptom,
			outcome = excluded.outcome,
			confirmed_id = excluded.confirmed_id,
			confirmed_category = excluded.confirmed_category,
			test_count = excluded.test_count,
			hypothesis_count = excluded.hypothesis_count,
			archived_at = excluded.archived_at,
			location = excluded.location`,
		e.SessionID, e.Symptom, string(e.Outcome), string(e.ConfirmedID), string(e.ConfirmedCategory),
		e.TestCount, e.HypothesisCount, e.ArchivedAt.UTC().Format(time.RFC3339), e.Location)
	if err != nil {
		return fmt.Errorf("insert catalog entry %s: %w", e.SessionID, err)
	}
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Outcome session.Outcome
	// Query matches a substring of the symptom, case-insensitively.
	Query string
	Limit int
}

// List returns matching entries, most recently archived first.
func (c *Catalog) List(f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "LOWER(symptom) LIKE ?")
		args = append(args, "%"+strings.ToLower(q)+"%")
	}

	query := `SELECT session_id, symptom, outcome, confirmed_id, confirmed_category,
		test_count, hypothesis_count, archived_at, location FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC, session_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get returns the entry for one session.
func (c *Catalog) Get(id string) (*Entry, error) {
	row := c.db.QueryRow(`SELECT session_id, symptom, outcome, confirmed_id, confirmed_category,
		test_count, hypothesis_count, archived_at, location FROM sessions WHERE session_id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archived session not found: %s", id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                        Entry
		outcome, cid, cat, stamp string
	)
	if err := s.Scan(&e.SessionID, &e.Symptom, &outcome, &cid, &cat,
		&e.TestCount, &e.HypothesisCount, &stamp, &e.Location); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan catalog entry: %w", err)
	}
	e.Outcome = session.Outcome(outcome)
	e.ConfirmedID = hypothesis.ID(cid)
	e.ConfirmedCategory = hypothesis.Category(cat)
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		e.ArchivedAt = t
	}
	return &e, nil
}

// EntryFor describes an archived session stored at dir, which must lie
// under archiveRoot.
func EntryFor(archiveRoot, dir string, sess *session.Session, hyps []*hypothesis.Hypothesis) Entry {
	e := Entry{
		SessionID:       sess.ID,
		Symptom:         sess.Symptom,
		Outcome:         sess.Outcome,
		ConfirmedID:     sess.ConfirmedHypothesis,
		TestCount:       sess.TestCount,
		HypothesisCount: len(hyps),
		Location:        dir,
	}
	if rel, err := filepath.Rel(archiveRoot, dir); err == nil {
		e.Location = filepath.ToSlash(rel)
	}
	if sess.ArchivedAt != nil {
		e.ArchivedAt = *sess.ArchivedAt
	}
	for _, h := range hyps {
		if h.ID == sess.ConfirmedHypothesis {
			e.ConfirmedCategory = h.Category
		}
	}
	return e
}

// Rebuild re-indexes every archive folder under archiveRoot
// (archiveRoot/YYYY-MM/<session-id>) and returns the number indexed.
func (c *Catalog) Rebuild(archiveRoot string) (int, error) {
	months, err := os.ReadDir(archiveRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read archive: %w", err)
	}
	if _, err := c.db.Exec("DELETE FROM sessions"); err != nil {
		return 0, fmt.Errorf("clear catalog: %w", err)
	}

	n := 0
	for _, m := range months {
		if !m.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(archiveRoot, m.Name()))
		if err != nil {
			return n, fmt.Errorf("read archive month %s: %w", m.Name(), err)
		}
		for _, sd := range sessions {
			if !sd.IsDir() {
				continue
			}
			dir := filepath.Join(archiveRoot, m.Name(), sd.Name())
			sess, err := session.Read(dir)
			if err != nil {
				return n, err
			}
			hyps, err := hypothesis.LoadAll(dir)
			if err != nil {
				return n, err
			}
			if err := c.Insert(EntryFor(archiveRoot, dir, sess, hyps)); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
