package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/store"
)

// HypothesisInput is one candidate explanation supplied at session start.
// A nil Confidence means "use the category prior".
type HypothesisInput struct {
	Description string   `yaml:"description" json:"description"`
	Category    string   `yaml:"category" json:"category"`
	Confidence  *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

type StartInput struct {
	Symptom       string
	Hypotheses    []HypothesisInput
	SpecReference string
	// Force discards an existing active session.
	Force bool
	// Priors overrides the default category priors for omitted confidences.
	Priors func(hypothesis.Category) float64
}

// ParseHypotheses decodes a hypotheses document: either a bare list or a
// mapping with a "hypotheses" key. JSON input is accepted as well.
func ParseHypotheses(data []byte) ([]HypothesisInput, error) {
	var list []HypothesisInput
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Hypotheses []HypothesisInput `yaml:"hypotheses"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid hypotheses document: %w", err)
	}
	return doc.Hypotheses, nil
}

type candidate struct {
	description string
	category    hypothesis.Category
	confidence  float64
}

// Start bootstraps a new active session.
func Start(ctx context.Context, st *store.Store, in StartInput) (*Session, []*hypothesis.Hypothesis, error) {
	cands, err := validateStart(in)
	if err != nil {
		return nil, nil, err
	}

	var (
		sess *Session
		hyps []*hypothesis.Hypothesis
	)
	err = st.WithLock(ctx, func() error {
		if st.HasActiveSession() && !in.Force {
			return ErrSessionExists
		}
		// Also sweeps records left behind by an interrupted archive.
		if err := st.ClearActive(); err != nil {
			return err
		}

		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].confidence > cands[j].confidence
		})

		now := time.Now().UTC()
		hyps = make([]*hypothesis.Hypothesis, len(cands))
		ids := make([]hypothesis.ID, len(cands))
		for i, c := range cands {
			h, err := hypothesis.New(hypothesis.FormatID(i+1), c.description, c.category, c.confidence, now)
			if err != nil {
				return err
			}
			hyps[i] = h
			ids[i] = h.ID
		}

		sessType := TypeStandard
		if in.SpecReference != "" {
			sessType = TypeSpecDeviationDebug
		}
		sess = &Session{
			ID:              GenerateID(now),
			CreatedAt:       now,
			Symptom:         strings.TrimSpace(in.Symptom),
			Phase:           PhaseEvidenceGathering,
			SpecReference:   in.SpecReference,
			Type:            sessType,
			HypothesisCount: len(hyps),
			MaxIterations:   st.Config.Session.MaxIterations,
			Convergence:     convergence.Evaluate(hyps),
			HypothesisIDs:   ids,
			ProcessLog: []ProcessEntry{{
				Timestamp: now,
				Action:    ActionInitialized,
				Details:   fmt.Sprintf("Created session with %d hypotheses", len(hyps)),
			}},
		}
		if sess.Convergence.IsConverged {
			sess.Phase = PhaseConverged
		}

		b := st.NewBatch()
		for _, h := range hyps {
			if err := b.Put(hypothesis.Path(st.ActivePath(), h.ID), h); err != nil {
				b.Abort()
				return err
			}
		}
		if err := b.Put(st.ActivePath(store.SessionFile), sess); err != nil {
			b.Abort()
			return err
		}
		return b.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, hyps, nil
}

func validateStart(in StartInput) ([]candidate, error) {
	var problems []string
	if strings.TrimSpace(in.Symptom) == "" {
		problems = append(problems, "symptom is required")
	}
	if len(in.Hypotheses) == 0 {
		problems = append(problems, "at least one hypothesis is required")
	}

	cands := make([]candidate, 0, len(in.Hypotheses))
	for i, h := range in.Hypotheses {
		label := fmt.Sprintf("hypothesis %d", i+1)
		if strings.TrimSpace(h.Description) == "" {
			problems = append(problems, label+": description is required")
		}
		cat, err := hypothesis.ParseCategory(h.Category)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		var conf float64
		switch {
		case h.Confidence != nil:
			conf = *h.Confidence
		case in.Priors != nil:
			conf = in.Priors(cat)
		default:
			conf = cat.Prior()
		}
		if err := hypothesis.ValidateConfidence(conf); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", label, err))
			continue
		}
		cands = append(cands, candidate{
			description: strings.TrimSpace(h.Description),
			category:    cat,
			confidence:  conf,
		})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Op: "start", Problems: problems}
	}
	return cands, nil
}
