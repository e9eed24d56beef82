// Package mcp exposes the elimination engine to automated agents over the
// Model Context Protocol. Every tool calls the same operations as the CLI.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/elim/internal/archive"
	"github.com/kokistudios/elim/internal/catalog"
	"github.com/kokistudios/elim/internal/heuristics"
	"github.com/kokistudios/elim/internal/hypothesis"
	"github.com/kokistudios/elim/internal/session"
	"github.com/kokistudios/elim/internal/store"
)

// Server wraps the MCP server with an ELIM_HOME store.
type Server struct {
	store  *store.Store
	server *mcp.Server
}

// NewServer creates a new elim MCP server.
func NewServer(st *store.Store, version string) *Server {
	s := &Server{store: st}

	impl := &mcp.Implementation{
		Name:    "elim",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "elim_start",
		Description: "Start a differential-elimination session for a symptom. Provide every plausible " +
			"hypothesis up front with a category (Code, Config, Dependencies, Data, Infrastructure, " +
			"Concurrency) and optionally an initial confidence in [0,1]; omitted confidences use the " +
			"category prior. Fails if a session is already active unless force=true.",
	}, s.handleStart)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "elim_next",
		Description: "Ask which hypothesis to test next. Returns the recommended hypothesis, why it was " +
			"picked, a suggested test for its category, and the current convergence state. Read-only.",
	}, s.handleNext)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "elim_checkpoint",
		Description: "Record the result of a test you ran. updates must map EVERY non-eliminated " +
			"hypothesis id (e.g. H1 or hyp-001) to its new confidence; the whole checkpoint is rejected " +
			"otherwise unless allow_partial=true. Out-of-range confidences are always rejected.",
	}, s.handleCheckpoint)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "elim_status",
		Description: "Show the active session: hypotheses ranked by confidence, status counts, convergence, recent evidence and process warnings. Read-only.",
	}, s.handleStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "elim_research_record",
		Description: "Attach an external finding (docs, issue tracker, changelog) to a hypothesis. " +
			"A positive boost (max 0.20) raises its confidence, capped at 0.95. Findings get res-NNN ids; " +
			"they are not evidence and do not count as a test.",
	}, s.handleResearchRecord)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "elim_archive",
		Description: "Close the active session with an outcome (success, failure, abandoned). On success " +
			"the confirmed hypothesis defaults to the confirmed or most confident one. The session is " +
			"copied to the archive, learned heuristics are updated, and the active session is cleared.",
	}, s.handleArchive)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "elim_history",
		Description: "List archived sessions, newest first. Filter by outcome or a symptom substring to find how similar problems were resolved before.",
	}, s.handleHistory)
}

// StartHypothesis is one hypothesis supplied to elim_start.
type StartHypothesis struct {
	Description string   `json:"description" jsonschema:"What might be causing the symptom"`
	Category    string   `json:"category" jsonschema:"One of Code, Config, Dependencies, Data, Infrastructure, Concurrency"`
	Confidence  *float64 `json:"confidence,omitempty" jsonschema:"Initial confidence in [0,1] (optional, defaults to the category prior)"`
}

type StartArgs struct {
	Symptom       string            `json:"symptom" jsonschema:"The observed problem being investigated"`
	Hypotheses    []StartHypothesis `json:"hypotheses" jsonschema:"Candidate explanations, at least one"`
	SpecReference string            `json:"spec_reference,omitempty" jsonschema:"Specification the behavior deviates from (optional)"`
	Force         bool              `json:"force,omitempty" jsonschema:"Discard an existing active session"`
}

type StartResult struct {
	SessionID  string                   `json:"session_id"`
	Hypotheses []*hypothesis.Hypothesis `json:"hypotheses"`
	Converged  bool                     `json:"converged"`
	Message    string                   `json:"message"`
}

func (s *Server) handleStart(ctx context.Context, req *mcp.CallToolRequest, args StartArgs) (*mcp.CallToolResult, any, error) {
	in := session.StartInput{
		Symptom:       args.Symptom,
		SpecReference: args.SpecReference,
		Force:         args.Force,
	}
	for _, h := range args.Hypotheses {
		in.Hypotheses = append(in.Hypotheses, session.HypothesisInput{
			Description: h.Description,
			Category:    h.Category,
			Confidence:  h.Confidence,
		})
	}
	priors, err := heuristics.Priors(s.store)
	if err != nil {
		return nil, nil, err
	}
	in.Priors = priors

	sess, hyps, err := session.Start(ctx, s.store, in)
	if err != nil {
		return nil, nil, err
	}
	return nil, StartResult{
		SessionID:  sess.ID,
		Hypotheses: hyps,
		Converged:  sess.Convergence.IsConverged,
		Message:    "Session started. Call elim_next to pick the first test.",
	}, nil
}

func (s *Server) handleNext(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
	a, err := session.NextAction(s.store)
	if err != nil {
		return nil, nil, err
	}
	return nil, a, nil
}

type CheckpointArgs struct {
	Test         string             `json:"test" jsonschema:"The test that was performed"`
	Result       string             `json:"result" jsonschema:"What the test showed"`
	Updates      map[string]float64 `json:"updates" jsonschema:"New confidence per hypothesis id, e.g. {\"H1\": 0.15, \"H2\": 0.7}"`
	AllowPartial bool               `json:"allow_partial,omitempty" jsonschema:"Accept updates that omit some non-eliminated hypotheses"`
}

func (s *Server) handleCheckpoint(ctx context.Context, req *mcp.CallToolRequest, args CheckpointArgs) (*mcp.CallToolResult, any, error) {
	updates, err := session.NormalizeUpdates(args.Updates)
	if err != nil {
		return nil, nil, err
	}
	res, err := session.Checkpoint(ctx, s.store, session.CheckpointInput{
		Test:         args.Test,
		Result:       args.Result,
		Updates:      updates,
		AllowPartial: args.AllowPartial,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

type StatusArgs struct {
	EvidenceShown *int `json:"evidence_shown,omitempty" jsonschema:"How many recent evidence records to include (default from config)"`
}

func (s *Server) handleStatus(ctx context.Context, req *mcp.CallToolRequest, args StatusArgs) (*mcp.CallToolResult, any, error) {
	shown := s.store.Config.Status.EvidenceShown
	if args.EvidenceShown != nil {
		shown = *args.EvidenceShown
	}
	r, err := session.Status(s.store, shown)
	if err != nil {
		return nil, nil, err
	}
	return nil, r, nil
}

type ResearchArgs struct {
	Hypothesis string  `json:"hypothesis" jsonschema:"Hypothesis id, e.g. H2 or hyp-002"`
	Summary    string  `json:"summary" jsonschema:"What the finding says"`
	Source     string  `json:"source,omitempty" jsonschema:"Where it came from (e.g. 'postgres docs')"`
	URL        string  `json:"url,omitempty" jsonschema:"Link to the finding"`
	Relevance  string  `json:"relevance,omitempty" jsonschema:"Why it bears on the hypothesis"`
	Boost      float64 `json:"boost,omitempty" jsonschema:"Confidence increase, 0 to 0.20"`
}

func (s *Server) handleResearchRecord(ctx context.Context, req *mcp.CallToolRequest, args ResearchArgs) (*mcp.CallToolResult, any, error) {
	id, err := hypothesis.ParseID(args.Hypothesis)
	if err != nil {
		return nil, nil, err
	}
	res, err := session.RecordFinding(ctx, s.store, session.Finding{
		Hypothesis: id,
		Source:     args.Source,
		URL:        args.URL,
		Summary:    args.Summary,
		Relevance:  args.Relevance,
		Boost:      args.Boost,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

type ArchiveArgs struct {
	Outcome     string `json:"outcome" jsonschema:"success, failure, or abandoned"`
	ConfirmedID string `json:"confirmed_id,omitempty" jsonschema:"Root-cause hypothesis id (optional)"`
	Notes       string `json:"notes,omitempty" jsonschema:"Closing notes for the summary"`
	Learn       *bool  `json:"learn,omitempty" jsonschema:"Update learned heuristics (default from config)"`
}

func (s *Server) handleArchive(ctx context.Context, req *mcp.CallToolRequest, args ArchiveArgs) (*mcp.CallToolResult, any, error) {
	outcome, err := session.ParseOutcome(args.Outcome)
	if err != nil {
		return nil, nil, err
	}
	r := archive.Request{
		Outcome: outcome,
		Notes:   args.Notes,
		Learn:   s.store.Config.Heuristics.Learn,
	}
	if args.Learn != nil {
		r.Learn = *args.Learn
	}
	if args.ConfirmedID != "" {
		if r.ConfirmedID, err = hypothesis.ParseID(args.ConfirmedID); err != nil {
			return nil, nil, err
		}
	}
	res, err := archive.Run(ctx, s.store, r)
	if err != nil {
		return nil, nil, err
	}
	return nil, res, nil
}

type HistoryArgs struct {
	Outcome string `json:"outcome,omitempty" jsonschema:"Only sessions with this outcome"`
	Query   string `json:"query,omitempty" jsonschema:"Substring of the symptom"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum sessions to return (default 20)"`
}

type HistoryResult struct {
	Sessions []catalog.Entry `json:"sessions"`
	Message  string          `json:"message,omitempty"`
}

func (s *Server) handleHistory(ctx context.Context, req *mcp.CallToolRequest, args HistoryArgs) (*mcp.CallToolResult, any, error) {
	f := catalog.Filter{Query: args.Query, Limit: args.Limit}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if args.Outcome != "" {
		outcome, err := session.ParseOutcome(args.Outcome)
		if err != nil {
			return nil, nil, err
		}
		f.Outcome = outcome
	}

	c, err := catalog.OpenStore(s.store)
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()
	entries, err := c.List(f)
	if err != nil {
		return nil, nil, err
	}

	out := HistoryResult{Sessions: entries}
	if len(entries) == 0 {
		out.Sessions = []catalog.Entry{}
		out.Message = "No archived sessions match."
	}
	return nil, out, nil
}
