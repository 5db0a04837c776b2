// Package llm generates and repairs widget code through a language model.
// The Regenerator closes the self-correction loop: it watches the bus for
// sandbox failures and publishes repaired code back, bounded by the shared
// retry budget.
package llm

import (
	"context"
	"strings"
)

// Client is the minimal interface the regeneration loop needs from a
// language model provider.
type Client interface {
	// GenerateCode produces widget source from a natural-language
	// description and a summary of the data it will render.
	GenerateCode(ctx context.Context, description, dataInfo string) (string, error)

	// FixCode repairs broken widget source given the error it produced.
	FixCode(ctx context.Context, brokenCode, errorMessage, dataInfo string) (string, error)
}

// extractCode strips a markdown code fence from a model reply, if present.
// Models often wrap source in ```go ... ``` even when told not to.
func extractCode(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence (with optional language tag) and a trailing
	// fence if one exists.
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
