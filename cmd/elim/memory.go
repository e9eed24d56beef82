package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kokistudios/elim/internal/archive"
	"github.com/kokistudios/elim/internal/catalog"
	"github.com/kokistudios/elim/internal/heuristics"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/ui"
)

func archiveCmd() *cobra.Command {
	var (
		outcome, confirmed, notes string
		noLearn, asJSON           bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Close the active session and file it under archive/",
		Long: "Archive the active session with an outcome. On success the root cause defaults to the " +
			"confirmed hypothesis, or the most confident one when none reached confirmation. The session " +
			"is copied with a SUMMARY.md, learned heuristics are updated, and the active session is cleared.",
		Example: `  elim archive --outcome success
  elim archive --outcome success --confirmed H3 --notes "bumped pool to 50"
  elim archive --outcome abandoned --no-learn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			o, err := session.ParseOutcome(outcome)
			if err != nil {
				return err
			}
			req := archive.Request{
				Outcome: o,
				Notes:   notes,
				Learn:   s.Config.Heuristics.Learn && !noLearn,
			}
			if confirmed != "" {
				if req.ConfirmedID, err = hypothesis.ParseID(confirmed); err != nil {
					return err
				}
			}

			res, err := archive.Run(cmd.Context(), s, req)
			if err != nil {
				return err
			}
			ui.Logger.Debug("session archived", "id", res.SessionID, "location", res.Location, "resumed", res.Resumed)
			if asJSON {
				return printJSON(res)
			}

			ui.Success(fmt.Sprintf("Session %s archived (%s)", res.SessionID, res.Outcome))
			ui.Detail("Location:", res.Location)
			if res.ConfirmedID != "" {
				label := res.ConfirmedID.Short()
				if res.AutoSelected {
					label += ui.Dim(" (most confident, not confirmed)")
				}
				ui.Detail("Root cause:", label)
			}
			if res.MatchedPattern != "" {
				ui.Detail("Pattern:", res.MatchedPattern)
			}
			if res.Resumed {
				ui.Info("Finished an archive that was interrupted earlier.")
			}
			for _, w := range res.Warnings {
				ui.Warning(w)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outcome, "outcome", "o", "", "success, failure, or abandoned")
	cmd.Flags().StringVar(&confirmed, "confirmed", "", "Root-cause hypothesis (H1 or hyp-001)")
	cmd.Flags().StringVar(&notes, "notes", "", "Closing notes for the summary")
	cmd.Flags().BoolVar(&noLearn, "no-learn", false, "Do not update learned heuristics")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse archived sessions",
	}
	cmd.AddCommand(historyListCmd())
	cmd.AddCommand(historyShowCmd())
	cmd.AddCommand(historyExportCmd())
	cmd.AddCommand(historyImportCmd())
	return cmd
}

func historyListCmd() *cobra.Command {
	var (
		outcome, query string
		limit          int
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List archived sessions, newest first",
		Example: `  elim history list --outcome success --query timeout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			f := catalog.Filter{Query: query, Limit: limit}
			if outcome != "" {
				if f.Outcome, err = session.ParseOutcome(outcome); err != nil {
					return err
				}
			}
			c, err := catalog.OpenStore(s)
			if err != nil {
				return err
			}
			defer c.Close()
			entries, err := c.List(f)
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []catalog.Entry{}
				}
				return printJSON(entries)
			}
			if len(entries) == 0 {
				ui.EmptyState("No archived sessions match.")
				return nil
			}
			var rows [][]string
			for _, e := range entries {
				root := "-"
				if e.ConfirmedID != "" {
					root = fmt.Sprintf("%s (%s)", e.ConfirmedID.Short(), e.ConfirmedCategory)
				}
				rows = append(rows, []string{
					e.SessionID,
					e.ArchivedAt.Local().Format("2006-01-02"),
					string(e.Outcome),
					root,
					fmt.Sprintf("%d", e.TestCount),
					e.Symptom,
				})
			}
			ui.Table([]string{"SESSION", "ARCHIVED", "OUTCOME", "ROOT CAUSE", "TESTS", "SYMPTOM"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only sessions with this outcome")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Substring of the symptom")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func historyShowCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the summary of an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			dir, err := archive.Find(s, args[0])
			if err != nil {
				return err
			}
			if dir == "" {
				return fmt.Errorf("archived session not found: %s", args[0])
			}
			md, err := archive.ReadSummary(dir)
			if err != nil {
				return err
			}
			if raw {
				fmt.Print(md)
				return nil
			}
			ui.RenderMarkdown(md)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the markdown without rendering")
	return cmd
}

func historyExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export an archived session as a portable " + archive.BundleExt + " bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			path, err := archive.Export(s, args[0], output)
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Exported %s", args[0]))
			ui.Detail("Bundle:", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default <session-id>"+archive.BundleExt+" in the current directory)")
	return cmd
}

func historyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle>",
		Short: "Import an exported session into the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			res, err := archive.Import(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Imported %s (%d files)", res.SessionID, res.FilesImported))
			ui.Detail("Location:", res.Location)
			for _, w := range res.Warnings {
				ui.Warning(w)
			}
			return nil
		},
	}
}

func heuristicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heuristics",
		Short: "Inspect and extend learned heuristics",
	}
	cmd.AddCommand(heuristicsShowCmd())
	cmd.AddCommand(heuristicsAddPatternCmd())
	cmd.AddCommand(heuristicsSuggestCmd())
	return cmd
}

func heuristicsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show session statistics, category priors, and patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			agg, err := heuristics.Load(s)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(agg)
			}

			st := agg.Statistics
			ui.SectionHeader("SESSIONS")
			ui.KeyValue("Total:    ", fmt.Sprintf("%d", st.TotalSessions))
			ui.KeyValue("Outcomes: ", fmt.Sprintf("%d success, %d failure, %d abandoned", st.SuccessSessions, st.FailureSessions, st.AbandonedSessions))
			ui.KeyValue("Tests:    ", fmt.Sprintf("%d", st.TotalTests))

			ui.SectionHeader("CATEGORIES")
			var rows [][]string
			for _, c := range hypothesis.Categories() {
				confirmed, total := 0, 0
				if cs, ok := st.CategoryStats[c]; ok {
					confirmed, total = cs.Confirmations, cs.Total
				}
				rows = append(rows, []string{
					string(c),
					fmt.Sprintf("%d/%d", confirmed, total),
					fmt.Sprintf("%.2f", c.Prior()),
					fmt.Sprintf("%.2f", agg.Prior(c)),
				})
			}
			ui.Table([]string{"CATEGORY", "CONFIRMED", "DEFAULT", "LEARNED"}, rows)
			if !s.Config.Heuristics.UseLearnedPriors {
				ui.Info(ui.Dim("Learned priors are off; enable with 'elim config set heuristics.use_learned_priors true'."))
			}

			ui.SectionHeader("PATTERNS")
			if len(agg.Patterns) == 0 {
				ui.EmptyState("No patterns yet.")
				return nil
			}
			patterns := append([]*heuristics.Pattern(nil), agg.Patterns...)
			sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].SuccessCount > patterns[j].SuccessCount })
			rows = nil
			for _, p := range patterns {
				rows = append(rows, []string{p.Name, string(p.Category), fmt.Sprintf("%d", p.SuccessCount), strings.Join(p.TriggerKeywords, ", ")})
			}
			ui.Table([]string{"PATTERN", "CATEGORY", "SOLVED", "KEYWORDS"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func heuristicsAddPatternCmd() *cobra.Command {
	var (
		name, category string
		keywords       []string
	)
	cmd := &cobra.Command{
		Use:     "add-pattern",
		Short:   "Teach elim a symptom pattern",
		Example: `  elim heuristics add-pattern --name pool-exhaustion --category Infrastructure --keywords "timeout,pool,connection refused"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			c, err := hypothesis.ParseCategory(category)
			if err != nil {
				return err
			}
			p, err := heuristics.AddPatternLocked(cmd.Context(), s, name, c, keywords)
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Pattern %s added (%s)", p.Name, p.Category))
			ui.Detail("Keywords:", strings.Join(p.TriggerKeywords, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Pattern name")
	cmd.Flags().StringVar(&category, "category", "", "Category the pattern points at")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "Trigger keywords or phrases (comma-separated)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("keywords")
	return cmd
}

func heuristicsSuggestCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "suggest <symptom>",
		Short: "Suggest categories for a symptom from learned patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			agg, err := heuristics.Load(s)
			if err != nil {
				return err
			}
			hints := agg.SuggestCategories(args[0])
			if asJSON {
				if hints == nil {
					hints = []heuristics.Suggestion{}
				}
				return printJSON(hints)
			}
			if len(hints) == 0 {
				ui.EmptyState("No learned pattern matches this symptom.")
				return nil
			}
			var rows [][]string
			for _, h := range hints {
				rows = append(rows, []string{string(h.Category), h.Pattern, fmt.Sprintf("%d", h.SuccessCount), fmt.Sprintf("%.2f", h.Similarity), strings.Join(h.Keywords, ", ")})
			}
			ui.Table([]string{"CATEGORY", "PATTERN", "SOLVED", "SIMILARITY", "MATCHED"}, rows)
			fmt.Fprintln(os.Stderr)
			ui.Info("Suggestions are advisory; confidences are never changed by them.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
