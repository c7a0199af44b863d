package mcp

import "strings"

// reasoningMode names one deployed reasoning pipe. The pipe carries the
// mode's prompt and model binding; this catalog only routes to it.
type reasoningMode struct {
	Mode        string `json:"mode"`
	Pipe        string `json:"pipe"`
	Description string `json:"description"`
}

const defaultMode = "linear"

// modeCatalog lists every reasoning mode the service exposes. Order is the
// order shown to clients, most generally useful first.
var modeCatalog = []reasoningMode{
	{"linear", "reasoning-linear", "Step-by-step sequential reasoning. The default; right for most problems."},
	{"tree", "reasoning-tree", "Tree-of-thoughts: explores branching alternatives and prunes weak branches."},
	{"divergent", "reasoning-divergent", "Generates many distinct candidate approaches before committing to one."},
	{"reflection", "reasoning-reflection", "Answers, then critiques and revises its own answer."},
	{"graph_of_thoughts", "reasoning-graph-of-thoughts", "Decomposes into interdependent subproblems and merges partial results."},
	{"mcts", "reasoning-mcts", "Monte-Carlo tree search over a move or configuration space."},
	{"timeline", "reasoning-timeline", "Orders events causally; right for sequencing and scheduling questions."},
	{"decision", "reasoning-decision", "Weighs enumerated options against explicit criteria and picks one."},
	{"evidence", "reasoning-evidence", "Evaluates a claim against supporting and contradicting evidence."},
	{"counterfactual", "reasoning-counterfactual", "Explores what-if variations of a scenario."},
	{"backtracking", "reasoning-backtracking", "Constraint satisfaction; abandons dead ends and retries systematically."},
}

// pipeForMode resolves a mode name to its pipe.
func pipeForMode(mode string) (string, bool) {
	for _, m := range modeCatalog {
		if m.Mode == mode {
			return m.Pipe, true
		}
	}
	return "", false
}

// modeNames returns the catalog's mode names in display order.
func modeNames() []string {
	names := make([]string, len(modeCatalog))
	for i, m := range modeCatalog {
		names[i] = m.Mode
	}
	return names
}

// modeList renders the catalog as a comma-separated string for tool
// descriptions and error messages.
func modeList() string {
	return strings.Join(modeNames(), ", ")
}
