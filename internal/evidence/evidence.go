package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/store"
)

// Evidence is the immutable record of one performed test. Its ordinal is the
// session's test count once the test is recorded.
type Evidence struct {
	ID                 string                    `yaml:"id" json:"id"`
	TestDescription    string                    `yaml:"test_description" json:"test_description"`
	Result             string                    `yaml:"result" json:"result"`
	Timestamp          time.Time                 `yaml:"timestamp" json:"timestamp"`
	Iteration          int                       `yaml:"iteration" json:"iteration"`
	ConfidenceUpdates  map[hypothesis.ID]float64 `yaml:"confidence_updates" json:"confidence_updates"`
	HypothesesAffected []hypothesis.ID           `yaml:"hypotheses_affected" json:"hypotheses_affected"`
}

// FormatID builds the n-th evidence id (1-based).
func FormatID(n int) string {
	return fmt.Sprintf("ev-%03d", n)
}

// Ordinal returns the number encoded in an evidence id, or 0.
func Ordinal(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "ev-"))
	return n
}

// Exists reports whether dir already holds a record with this id.
func Exists(dir, id string) bool {
	_, err := os.Stat(Path(dir, id))
	return err == nil
}

// New builds a record; affected ids are sorted so the file is stable.
func New(id string, test, result string, iteration int, updates map[hypothesis.ID]float64, now time.Time) *Evidence {
	affected := make([]hypothesis.ID, 0, len(updates))
	copied := make(map[hypothesis.ID]float64, len(updates))
	for hid, c := range updates {
		affected = append(affected, hid)
		copied[hid] = c
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return &Evidence{
		ID:                 id,
		TestDescription:    test,
		Result:             result,
		Timestamp:          now,
		Iteration:          iteration,
		ConfidenceUpdates:  copied,
		HypothesesAffected: affected,
	}
}

// Path is where an evidence record lives inside dir (active or archived).
func Path(dir, id string) string {
	return filepath.Join(dir, store.DirEvidence, id+".yaml")
}

// Get reads a single evidence record.
func Get(dir, id string) (*Evidence, error) {
	var ev Evidence
	if err := store.ReadYAML(Path(dir, id), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// List reads every evidence record in dir, ordered by id.
func List(dir string) ([]*Evidence, error) {
	names, err := store.ListYAML(filepath.Join(dir, store.DirEvidence))
	if err != nil {
		return nil, err
	}
	out := make([]*Evidence, 0, len(names))
	for _, name := range names {
		ev, err := Get(dir, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return Ordinal(out[i].ID) < Ordinal(out[j].ID) })
	return out, nil
}
