package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// improve-review — guides an operator's agent through reviewing loop activity.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("improve-review",
			mcplib.WithPromptDescription("Review recent self-improvement loop activity and flag anything that needs an operator"),
			mcplib.WithArgument("window_hours",
				mcplib.ArgumentDescription("How far back to review, in hours (default 24)"),
			),
		),
		s.handleImproveReviewPrompt,
	)

	// choose-reasoning-mode — helps a client pick the right mode before calling reasoning_run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("choose-reasoning-mode",
			mcplib.WithPromptDescription("Pick the reasoning mode that fits a problem, then run it"),
			mcplib.WithArgument("problem",
				mcplib.ArgumentDescription("The problem you want reasoned about"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleChooseModePrompt,
	)
}

func (s *Server) handleImproveReviewPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	window := request.Params.Arguments["window_hours"]
	if window == "" {
		window = "24"
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review the last %s hours of self-improvement activity", window),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review what the self-improvement loop has been doing. Work through these steps:

1. CALL improve_status for the big picture. Note the summary, whether
   attention_needed is true, and the breaker position.

2. CALL improve_history with since_hours=%s. For each action, check:
   - outcome: rolled_back and failed actions deserve a closer look
   - hash_verified: false on ANY record means the audit trail was altered.
     Report this immediately; do not rationalize it.
   - effect: did the change move the metric the diagnosis targeted?

3. CALL improve_diagnostics with since_hours=%s. Look for:
   - rejected/blocked diagnoses: is the same gate firing repeatedly?
     A recurring "allowlist rejected" suggests the model keeps proposing
     out-of-policy steps. A recurring "circuit breaker open" means the
     loop is fenced off and degradations go unhandled.
   - pipe_trace entries with ok=false: which model stage is failing?

4. SUMMARIZE in a few sentences:
   - Is the loop healthy, fenced off, or misbehaving?
   - Which actions helped (positive reward) and which hurt?
   - What, if anything, should a human change: policy bounds, loop
     enablement, or the underlying service?`, window, window),
				},
			},
		},
	}, nil
}

func (s *Server) handleChooseModePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	problem := request.Params.Arguments["problem"]
	if problem == "" {
		return nil, fmt.Errorf("problem argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Pick a reasoning mode and run it",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Pick the reasoning mode that best fits this problem, then call reasoning_run with it.

PROBLEM: %s

HOW TO PICK:
- linear: default; any problem that yields to working straight through
- tree: several plausible approaches need exploring before committing
- divergent: you want many distinct candidate ideas, not one answer
- reflection: a first answer exists and needs critique and revision
- graph_of_thoughts: subproblems depend on each other's results
- mcts: large move/configuration space to search under a budget
- timeline: events must be ordered causally or scheduled
- decision: enumerated options to weigh against explicit criteria
- evidence: a claim to verify against supporting and contradicting facts
- counterfactual: "what would change if X were different"
- backtracking: constraints to satisfy where dead ends need undoing

Read the full catalog at the reasoning://modes resource if unsure,
then call reasoning_run with your chosen mode, the problem, and any
context the reasoning should account for.`, problem),
				},
			},
		},
	}, nil
}
