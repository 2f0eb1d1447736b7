package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/flitsinc/go-rooms/internal/directory"
)

// Generator is the slice of the generation client a model-backed policy
// needs: one non-streaming completion against the fast model.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ModelPolicy asks the generation service which fragments should surface,
// delegating scoring to a lightweight completion. Wrap the configured
// Automatic selector's policy set with this when lexical scoring is too
// blunt for an agent.
type ModelPolicy struct {
	name string
	gen  Generator
}

func NewModelPolicy(name string, gen Generator) *ModelPolicy {
	return &ModelPolicy{name: name, gen: gen}
}

func (p *ModelPolicy) Name() string { return p.name }

func (p *ModelPolicy) Rank(ctx context.Context, recent string, fragments []directory.Fragment) ([]string, error) {
	var sb strings.Builder
	sb.WriteString("Recent conversation:\n")
	sb.WriteString(recent)
	sb.WriteString("\n\nAvailable memories:\n")
	for _, fragment := range fragments {
		fmt.Fprintf(&sb, "- %s: %s\n", fragment.Name, fragment.Text)
	}
	sb.WriteString("\nReply with the names of the memories most relevant to the conversation, " +
		"comma separated, most relevant first. Reply with nothing else. " +
		"Reply with the single word none if nothing fits.")

	reply, err := p.gen.Complete(ctx,
		"You pick which long-term memories should surface for a character in a conversation.",
		sb.String())
	if err != nil {
		return nil, fmt.Errorf("rank memories: %w", err)
	}

	known := map[string]struct{}{}
	for _, fragment := range fragments {
		known[fragment.Name] = struct{}{}
	}
	var out []string
	for _, part := range strings.Split(reply, ",") {
		name := strings.Trim(strings.TrimSpace(part), "\"'`.")
		if _, ok := known[name]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}
