// Package heuristics accumulates what archived sessions taught: outcome
// counts, per-category confirmation rates, and human-curated symptom
// patterns. Everything here is advisory; nothing in it changes a hypothesis.
package heuristics

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

// MinSamples is the category total below which learned rates are ignored.
const MinSamples = 3

// priorWeight is the pseudo-count given to the default prior when blending.
const priorWeight = 5

type CategoryStat struct {
	Confirmations int `yaml:"confirmations" json:"confirmations"`
	Total         int `yaml:"total" json:"total"`
}

type Statistics struct {
	TotalSessions     int                                   `yaml:"total_sessions" json:"total_sessions"`
	SuccessSessions   int                                   `yaml:"success_sessions" json:"success_sessions"`
	FailureSessions   int                                   `yaml:"failure_sessions" json:"failure_sessions"`
	AbandonedSessions int                                   `yaml:"abandoned_sessions" json:"abandoned_sessions"`
	TotalTests        int                                   `yaml:"total_tests" json:"total_tests"`
	LastUpdated       *time.Time                            `yaml:"last_updated,omitempty" json:"last_updated,omitempty"`
	LastSessionID     string                                `yaml:"last_session_id,omitempty" json:"last_session_id,omitempty"`
	CategoryStats     map[hypothesis.Category]*CategoryStat `yaml:"category_stats,omitempty" json:"category_stats,omitempty"`
}

// Pattern links symptom keywords to a category that usually explains them.
// Patterns are only ever created by a person.
type Pattern struct {
	Name            string              `yaml:"name" json:"name"`
	Category        hypothesis.Category `yaml:"category" json:"category"`
	TriggerKeywords []string            `yaml:"trigger_keywords" json:"trigger_keywords"`
	SuccessCount    int                 `yaml:"success_count" json:"success_count"`
	CreatedAt       time.Time           `yaml:"created_at" json:"created_at"`
	LastMatched     *time.Time          `yaml:"last_matched,omitempty" json:"last_matched,omitempty"`
}

// Aggregate is the long-lived heuristics document.
type Aggregate struct {
	Statistics Statistics `yaml:"statistics" json:"statistics"`
	Patterns   []*Pattern `yaml:"patterns" json:"patterns"`
}

// Path is the location of the heuristics document.
func Path(st *store.Store) string {
	return st.Path(store.DirLearned, store.HeuristicsFile)
}

// Load reads the aggregate. A missing document is empty.
func Load(st *store.Store) (*Aggregate, error) {
	a := &Aggregate{}
	if _, err := os.Stat(Path(st)); os.IsNotExist(err) {
		return a, nil
	}
	if err := store.ReadYAML(Path(st), a); err != nil {
		return nil, err
	}
	return a, nil
}

// Save writes the aggregate. Callers hold the store lock.
func Save(st *store.Store, a *Aggregate) error {
	if err := store.WriteYAML(Path(st), a); err != nil {
		return fmt.Errorf("failed to write heuristics: %w", err)
	}
	return nil
}

func (a *Aggregate) category(c hypothesis.Category) *CategoryStat {
	if a.Statistics.CategoryStats == nil {
		a.Statistics.CategoryStats = make(map[hypothesis.Category]*CategoryStat)
	}
	cs, ok := a.Statistics.CategoryStats[c]
	if !ok {
		cs = &CategoryStat{}
		a.Statistics.CategoryStats[c] = cs
	}
	return cs
}

// Record folds an archived session into the aggregate and returns the name of
// the pattern it matched, if any. confirmed is ignored unless the outcome is
// success.
func (a *Aggregate) Record(outcome session.Outcome, sess *session.Session, hyps []*hypothesis.Hypothesis, confirmed hypothesis.ID, now time.Time) string {
	s := &a.Statistics
	s.TotalSessions++
	switch outcome {
	case session.OutcomeSuccess:
		s.SuccessSessions++
	case session.OutcomeFailure:
		s.FailureSessions++
	case session.OutcomeAbandoned:
		s.AbandonedSessions++
	}
	s.TotalTests += sess.TestCount
	s.LastUpdated = &now
	s.LastSessionID = sess.ID

	var matched string
	if outcome == session.OutcomeSuccess && confirmed != "" {
		for _, h := range hyps {
			if h.ID != confirmed {
				continue
			}
			cs := a.category(h.Category)
			cs.Confirmations++
			cs.Total++
			if p := a.match(h.Category, sess.Symptom); p != nil {
				p.SuccessCount++
				p.LastMatched = &now
				matched = p.Name
			}
			break
		}
	}

	for _, h := range hyps {
		if h.Status == hypothesis.StatusEliminated {
			a.category(h.Category).Total++
		}
	}
	return matched
}

// match returns the first pattern for category with a keyword in symptom.
func (a *Aggregate) match(category hypothesis.Category, symptom string) *Pattern {
	for _, p := range a.Patterns {
		if p.Category != category {
			continue
		}
		for _, kw := range p.TriggerKeywords {
			if containsPhrase(symptom, kw) {
				return p
			}
		}
	}
	return nil
}

// Prior is the confidence to seed a hypothesis of category c with. Until the
// category has MinSamples outcomes it is the default prior; after that the
// learned confirmation rate is blended in, weighted by sample size.
func (a *Aggregate) Prior(c hypothesis.Category) float64 {
	def := c.Prior()
	cs, ok := a.Statistics.CategoryStats[c]
	if !ok || cs.Total < MinSamples {
		return def
	}
	learned := float64(cs.Confirmations+1) / float64(cs.Total+2)
	w := float64(cs.Total) / float64(cs.Total+priorWeight)
	p := (1-w)*def + w*learned
	return math.Round(p*100) / 100
}

// Suggestion is a category hinted at by a learned pattern.
type Suggestion struct {
	Pattern      string              `json:"pattern"`
	Category     hypothesis.Category `json:"category"`
	Keywords     []string            `json:"matched_keywords"`
	SuccessCount int                 `json:"success_count"`
	Similarity   float64             `json:"similarity"`
}

// SuggestCategories lists patterns whose trigger keywords occur in symptom,
// best match first.
func (a *Aggregate) SuggestCategories(symptom string) []Suggestion {
	symptomWords := extractKeywords(symptom)
	var out []Suggestion
	for _, p := range a.Patterns {
		var hits []string
		patternWords := make(map[string]bool)
		for _, kw := range p.TriggerKeywords {
			for w := range extractKeywords(kw) {
				patternWords[w] = true
			}
			if containsPhrase(symptom, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 {
			continue
		}
		out = append(out, Suggestion{
			Pattern:      p.Name,
			Category:     p.Category,
			Keywords:     hits,
			SuccessCount: p.SuccessCount,
			Similarity:   math.Round(jaccardSimilarity(symptomWords, patternWords)*100) / 100,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessCount != out[j].SuccessCount {
			return out[i].SuccessCount > out[j].SuccessCount
		}
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

// AddPattern registers a new pattern. Names are unique, case-insensitively.
func (a *Aggregate) AddPattern(name string, category hypothesis.Category, keywords []string, now time.Time) (*Pattern, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("pattern name is required")
	}
	for _, p := range a.Patterns {
		if strings.EqualFold(p.Name, name) {
			return nil, fmt.Errorf("pattern %q already exists", p.Name)
		}
	}
	var cleaned []string
	seen := make(map[string]bool)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		cleaned = append(cleaned, kw)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one trigger keyword is required")
	}
	p := &Pattern{
		Name:            name,
		Category:        category,
		TriggerKeywords: cleaned,
		CreatedAt:       now,
	}
	a.Patterns = append(a.Patterns, p)
	return p, nil
}

// AddPatternLocked loads the aggregate, adds a pattern, and saves it while
// holding the store lock.
func AddPatternLocked(ctx context.Context, st *store.Store, name string, category hypothesis.Category, keywords []string) (*Pattern, error) {
	var p *Pattern
	err := st.WithLock(ctx, func() error {
		a, err := Load(st)
		if err != nil {
			return err
		}
		p, err = a.AddPattern(name, category, keywords, time.Now().UTC())
		if err != nil {
			return err
		}
		return Save(st, a)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Priors returns a prior function for session start, or nil when learned
// priors are disabled.
func Priors(st *store.Store) (func(hypothesis.Category) float64, error) {
	if !st.Config.Heuristics.UseLearnedPriors {
		return nil, nil
	}
	a, err := Load(st)
	if err != nil {
		return nil, err
	}
	return a.Prior, nil
}
