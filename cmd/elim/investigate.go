package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kokistudios/elim/internal/convergence"
	"github.com/kokistudios/elim/internal/heuristics"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/next"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/ui"
)

func startCmd() *cobra.Command {
	var (
		file, jsonInput, specRef string
		inline                   []string
		force, yes               bool
	)
	cmd := &cobra.Command{
		Use:   "start <symptom>",
		Short: "Start an investigation with a set of hypotheses",
		Long: "Start a new elimination session for a symptom. Hypotheses come from a YAML/JSON file " +
			"(a list, or a mapping with a 'hypotheses' key), a JSON string, or repeated --hypothesis flags " +
			"of the form Category:description[:confidence]. Omitted confidences use the category prior.",
		Example: `  elim start "checkout returns 500" --hypotheses-file hyps.yaml
  elim start "login hangs" -H "Concurrency:session lock held across request:0.4" -H "Config:pool too small"
  elim start "export drops rows" --json '[{"description":"off-by-one in pager","category":"Code"}]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			var inputs []session.HypothesisInput
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read hypotheses file: %w", err)
				}
				if inputs, err = session.ParseHypotheses(data); err != nil {
					return err
				}
			case jsonInput != "":
				if inputs, err = session.ParseHypotheses([]byte(jsonInput)); err != nil {
					return err
				}
			}
			for _, raw := range inline {
				in, err := parseInlineHypothesis(raw)
				if err != nil {
					return err
				}
				inputs = append(inputs, in)
			}

			if force && !yes && s.HasActiveSession() && ui.Interactive() {
				ok, err := ui.Confirm("Discard the active session and start over?")
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("aborted, active session kept")
				}
			}

			priors, err := heuristics.Priors(s)
			if err != nil {
				return err
			}
			sess, hyps, err := session.Start(cmd.Context(), s, session.StartInput{
				Symptom:       args[0],
				Hypotheses:    inputs,
				SpecReference: specRef,
				Force:         force,
				Priors:        priors,
			})
			if err != nil {
				return err
			}
			ui.Logger.Debug("session started", "id", sess.ID, "hypotheses", len(hyps))

			ui.Success(fmt.Sprintf("Session %s started", sess.ID))
			ui.Detail("Symptom:", sess.Symptom)
			if sess.SpecReference != "" {
				ui.Detail("Spec:", sess.SpecReference)
			}
			fmt.Fprintln(os.Stderr)
			printHypotheses(hyps)

			if agg, err := heuristics.Load(s); err != nil {
				ui.Logger.Warn("heuristics unavailable", "err", err)
			} else if hints := agg.SuggestCategories(sess.Symptom); len(hints) > 0 {
				ui.SectionHeader("PAST SESSIONS")
				for _, h := range hints {
					ui.Info(fmt.Sprintf("%s: %s solved %d time(s) before (matched %s)",
						h.Pattern, h.Category, h.SuccessCount, strings.Join(h.Keywords, ", ")))
				}
			}

			fmt.Fprintln(os.Stderr)
			if sess.Convergence.IsConverged {
				ui.Warning("Already converged at start: " + sess.Convergence.Reason)
			}
			ui.Info("Run 'elim next' to choose the first test.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "hypotheses-file", "f", "", "YAML or JSON file with hypotheses")
	cmd.Flags().StringVar(&jsonInput, "json", "", "Hypotheses as a JSON string")
	cmd.Flags().StringArrayVarP(&inline, "hypothesis", "H", nil, "Hypothesis as Category:description[:confidence] (repeatable)")
	cmd.Flags().StringVar(&specRef, "spec-ref", "", "Specification the observed behavior deviates from")
	cmd.Flags().BoolVar(&force, "force", false, "Discard an existing active session")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt for --force")
	cmd.MarkFlagsMutuallyExclusive("hypotheses-file", "json")
	return cmd
}

// parseInlineHypothesis reads "Category:description[:confidence]".
func parseInlineHypothesis(raw string) (session.HypothesisInput, error) {
	category, rest, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(rest) == "" {
		return session.HypothesisInput{}, fmt.Errorf("invalid --hypothesis %q (want Category:description[:confidence])", raw)
	}
	in := session.HypothesisInput{Category: strings.TrimSpace(category), Description: strings.TrimSpace(rest)}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		if c, err := strconv.ParseFloat(strings.TrimSpace(rest[i+1:]), 64); err == nil {
			in.Description = strings.TrimSpace(rest[:i])
			in.Confidence = &c
		}
	}
	return in, nil
}

func printHypotheses(hyps []*hypothesis.Hypothesis) {
	var rows [][]string
	for _, h := range hyps {
		rows = append(rows, []string{
			h.ID.Short(),
			string(h.Category),
			ui.ConfidenceBar(h.Confidence, 10),
			ui.StatusLabel(h.Status),
			h.Description,
		})
	}
	ui.Table([]string{"ID", "CATEGORY", "CONFIDENCE", "STATUS", "DESCRIPTION"}, rows)
}

func nextCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Recommend the next hypothesis to test",
		Long: "Pick the hypothesis whose test is expected to teach the most: among active hypotheses " +
			"within 0.10 of the leader, prefer confidence near 0.5 and hypotheses tested least. Read-only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			a, err := session.NextAction(s)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a)
			}

			ui.CommandBanner("NEXT", fmt.Sprintf("iteration %d", a.Stats.Iteration))
			switch a.Status {
			case next.StatusConverged:
				ui.Success("Converged: " + a.Convergence.Reason)
				ui.Detail("Leading:", fmt.Sprintf("%s (%.2f)", a.Convergence.LeadingHypothesis.Short(), a.Convergence.LeadingConfidence))
				ui.Info("Verify the fix, then run 'elim archive --outcome success'.")
			case next.StatusMaxIterations:
				ui.Warning(fmt.Sprintf("Iteration limit reached without convergence (%d).", a.Stats.Iteration))
				ui.Info("Review the remaining hypotheses, add new ones, or archive with --outcome failure.")
			case next.StatusNoActive:
				ui.Warning("No active hypotheses remain.")
				if a.Selection != nil && a.Selection.Reason == next.ReasonUnlikelyRemain {
					ui.Info(fmt.Sprintf("%d unlikely hypothesis(es) remain; raise one with a checkpoint if new evidence supports it.", a.Stats.Unlikely))
				}
				ui.Info("Or start over with new hypotheses: elim start --force.")
			default:
				h := a.Selection.Hypothesis
				ui.SectionHeader("TEST")
				ui.KeyValue("Hypothesis:", fmt.Sprintf("%s %s", h.ID.Short(), h.Description))
				ui.KeyValue("Category:  ", string(h.Category))
				ui.KeyValue("Confidence:", ui.ConfidenceBar(h.Confidence, 10))
				ui.KeyValue("Tested:    ", fmt.Sprintf("%d time(s)", h.TimesTested()))
				if len(a.Selection.Band) > 1 {
					var band []string
					for _, id := range a.Selection.Band {
						band = append(band, id.Short())
					}
					ui.KeyValue("Contending:", strings.Join(band, ", "))
				}
				ui.KeyValue("Suggested: ", a.SuggestedTest)
			}
			fmt.Fprintln(os.Stderr)
			ui.Detail("Active:", fmt.Sprintf("%d  unlikely %d  eliminated %d  confirmed %d",
				a.Stats.Active, a.Stats.Unlikely, a.Stats.Eliminated, a.Stats.Confirmed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func checkpointCmd() *cobra.Command {
	var (
		test, result, updates, updatesFile string
		allowPartial, asJSON               bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Record a test result and update every hypothesis",
		Long: "Record what a test showed and the new confidence of EVERY non-eliminated hypothesis. " +
			"The checkpoint is rejected as a whole if any hypothesis is missing (unless --allow-partial) " +
			"or any confidence is outside [0,1]. Nothing is written on rejection.",
		Example: `  elim checkpoint --test "raise pool size" --result "errors stop" --updates "H1:0.92,H2:0.03"
  elim checkpoint --test "replay request" --result "reproduces" --updates-file updates.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			var parsed map[hypothesis.ID]float64
			if updatesFile != "" {
				data, err := os.ReadFile(updatesFile)
				if err != nil {
					return fmt.Errorf("failed to read updates file: %w", err)
				}
				parsed, err = session.ParseUpdatesFile(data)
				if err != nil {
					return err
				}
			} else if parsed, err = session.ParseUpdates(updates); err != nil {
				return err
			}

			res, err := session.Checkpoint(cmd.Context(), s, session.CheckpointInput{
				Test:         test,
				Result:       result,
				Updates:      parsed,
				AllowPartial: allowPartial,
			})
			if err != nil {
				return err
			}
			ui.Logger.Debug("checkpoint recorded", "evidence", res.EvidenceID, "iteration", res.Iteration)
			if asJSON {
				return printJSON(res)
			}

			ui.Success(fmt.Sprintf("Checkpoint %s recorded (iteration %d)", res.EvidenceID, res.Iteration))
			for _, w := range res.Warnings {
				ui.Warning(w)
			}
			var rows [][]string
			for _, c := range res.Changes {
				rows = append(rows, []string{c.ID.Short(), fmt.Sprintf("%.2f", c.Previous), ui.ConfidenceBar(c.Current, 10), ui.StatusLabel(c.Status)})
			}
			fmt.Fprintln(os.Stderr)
			ui.Table([]string{"ID", "BEFORE", "AFTER", "STATUS"}, rows)
			for _, sc := range res.StatusChanges {
				ui.Info(fmt.Sprintf("%s: %s", sc.ID.Short(), ui.Transition(sc.From, sc.To)))
			}
			fmt.Fprintln(os.Stderr)
			if res.Convergence.IsConverged {
				ui.Success("Converged: " + res.Convergence.Reason)
			} else {
				ui.Detail("Margin:", fmt.Sprintf("%.2f (converges at %.2f)", res.Convergence.SeparationMargin, convergence.SeparationThreshold))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&test, "test", "t", "", "What was tested")
	cmd.Flags().StringVarP(&result, "result", "r", "", "What the test showed")
	cmd.Flags().StringVarP(&updates, "updates", "u", "", "Confidence updates, e.g. H1:0.15,H2:0.70")
	cmd.Flags().StringVar(&updatesFile, "updates-file", "", "YAML or JSON mapping of hypothesis to confidence")
	cmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "Accept updates that omit non-eliminated hypotheses")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.MarkFlagsMutuallyExclusive("updates", "updates-file")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		asJSON, validateOnly bool
		evidenceShown        int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Long: "Show hypotheses ranked by confidence, status counts, convergence, recent evidence, and " +
			"process warnings. With --validate-only, print only the warnings and exit non-zero if any exist.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("evidence") {
				evidenceShown = s.Config.Status.EvidenceShown
			}
			r, err := session.Status(s, evidenceShown)
			if err != nil {
				return err
			}

			if validateOnly {
				if asJSON {
					if err := printJSON(r.Violations); err != nil {
						return err
					}
				} else {
					printViolations(r.Violations)
				}
				if session.HasWarnings(r.Violations) {
					return errors.New("process warnings found")
				}
				return nil
			}
			if asJSON {
				return printJSON(r)
			}

			ui.SessionHeader(r.Session.ID, r.Session.Symptom)
			ui.KeyValue("Phase:     ", string(r.Session.Phase))
			ui.KeyValue("Iteration: ", fmt.Sprintf("%d / %d", r.Session.CurrentIteration, r.Session.MaxIterations))
			ui.KeyValue("Statuses:  ", fmt.Sprintf("%d active, %d unlikely, %d eliminated, %d confirmed",
				r.Counts[hypothesis.StatusActive], r.Counts[hypothesis.StatusUnlikely],
				r.Counts[hypothesis.StatusEliminated], r.Counts[hypothesis.StatusConfirmed]))
			if r.Convergence.IsConverged {
				ui.KeyValue("Converged: ", ui.Green(r.Convergence.Reason))
			} else {
				ui.KeyValue("Margin:    ", fmt.Sprintf("%.2f", r.Convergence.SeparationMargin))
			}

			ui.SectionHeader("HYPOTHESES")
			printHypotheses(r.Hypotheses)

			if len(r.RecentEvidence) > 0 {
				ui.SectionHeader("RECENT EVIDENCE")
				for _, ev := range r.RecentEvidence {
					ui.KeyValue(ev.ID, fmt.Sprintf("%s → %s", ev.TestDescription, ev.Result))
				}
			}
			if len(r.Violations) > 0 {
				ui.SectionHeader("PROCESS")
				printViolations(r.Violations)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Only report process warnings")
	cmd.Flags().IntVar(&evidenceShown, "evidence", 5, "Number of recent evidence records to show")
	return cmd
}

func printViolations(vs []session.Violation) {
	if len(vs) == 0 {
		ui.Success("No process warnings")
		return
	}
	for _, v := range vs {
		if v.Severity == session.SeverityWarning {
			ui.Warning(fmt.Sprintf("[%s] %s", v.Type, v.Message))
		} else {
			ui.Info(fmt.Sprintf("[%s] %s", v.Type, v.Message))
		}
	}
}

func researchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research",
		Short: "Suggest search queries and record external findings",
	}
	cmd.AddCommand(researchQueriesCmd())
	cmd.AddCommand(researchRecordCmd())
	return cmd
}

func researchQueriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queries [hypothesis]",
		Short: "Suggest search queries for active hypotheses",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			sess, hyps, err := session.Load(s)
			if err != nil {
				return err
			}
			var only hypothesis.ID
			if len(args) == 1 {
				if only, err = hypothesis.ParseID(args[0]); err != nil {
					return err
				}
			}
			shown := 0
			for _, h := range hyps {
				if only != "" && h.ID != only {
					continue
				}
				if only == "" && h.Status != hypothesis.StatusActive {
					continue
				}
				ui.SectionHeader(fmt.Sprintf("%s %s", h.ID.Short(), h.Description))
				for _, q := range session.SuggestedQueries(sess.Symptom, h) {
					fmt.Println(q)
				}
				shown++
			}
			if shown == 0 {
				if only != "" {
					return fmt.Errorf("%w: %s", session.ErrHypothesisNotFound, only)
				}
				ui.EmptyState("No active hypotheses.")
			}
			return nil
		},
	}
}

func researchRecordCmd() *cobra.Command {
	var (
		hyp, summary, source, url, relevance string
		boost                                float64
		asJSON                               bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Attach a finding to a hypothesis",
		Long: "Record an external finding against a hypothesis. A positive --boost (capped at 0.20) raises " +
			"its confidence, never above 0.95. Findings are numbered res-NNN; they are not evidence and do " +
			"not count as a test iteration.",
		Example: `  elim research record -H H2 --source "driver changelog" --summary "3.2.1 fixes pooled deadlock" --boost 0.15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			id, err := hypothesis.ParseID(hyp)
			if err != nil {
				return err
			}
			res, err := session.RecordFinding(cmd.Context(), s, session.Finding{
				Hypothesis: id,
				Source:     source,
				URL:        url,
				Summary:    summary,
				Relevance:  relevance,
				Boost:      boost,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			if res.Boost == 0 {
				ui.Success(fmt.Sprintf("Finding %s noted on %s (confidence unchanged at %.2f)", res.FindingID, res.Hypothesis.Short(), res.Current))
				return nil
			}
			ui.Success(fmt.Sprintf("Finding %s recorded on %s", res.FindingID, res.Hypothesis.Short()))
			ui.Detail("Confidence:", fmt.Sprintf("%.2f → %.2f (+%.2f)", res.Previous, res.Current, res.Boost))
			return nil
		},
	}
	cmd.Flags().StringVarP(&hyp, "hypothesis", "H", "", "Hypothesis id (H1 or hyp-001)")
	cmd.Flags().StringVarP(&summary, "summary", "s", "", "What the finding says")
	cmd.Flags().StringVar(&source, "source", "", "Where the finding came from")
	cmd.Flags().StringVar(&url, "url", "", "Link to the finding")
	cmd.Flags().StringVar(&relevance, "relevance", "", "Why it bears on the hypothesis")
	cmd.Flags().Float64Var(&boost, "boost", 0, "Confidence increase (0 to 0.20)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("hypothesis")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}
