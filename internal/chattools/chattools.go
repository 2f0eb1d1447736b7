// Package chattools holds the tools offered to agents during generation.
// Each tool is bound to a session's turn state, so a tool call always
// acts on the turn currently in flight.
package chattools

import (
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/config"
	"github.com/flitsinc/go-rooms/internal/directory"
)

type SkipParams struct {
	Reason string `json:"reason,omitempty" description:"Optional short note about why you are staying silent"`
}

// SkipTool lets an agent explicitly contribute nothing this turn.
func SkipTool(state *ai.TurnState) llmtools.Tool {
	return llmtools.Func(
		"Skip",
		"Stay silent this turn instead of replying. Use when you have nothing to add",
		"skip_response",
		func(r llmtools.Runner, p SkipParams) llmtools.Result {
			state.MarkSkipped()
			return llmtools.Success(map[string]any{
				"status": "skipped",
				"reason": strings.TrimSpace(p.Reason),
			})
		},
	)
}

type RecallParams struct {
	Name string `json:"name" description:"Name of the memory to recall, as listed in your memory index"`
}

// RecallTool fetches a named memory fragment mid-generation. The fragment
// text flows back into the same session as the tool result, so the model
// resumes with the memory in context.
func RecallTool(state *ai.TurnState) llmtools.Tool {
	return llmtools.Func(
		"Recall memory",
		"Recall the full text of one of your long-term memories by name",
		"recall_memory",
		func(r llmtools.Runner, p RecallParams) llmtools.Result {
			name := strings.TrimSpace(p.Name)
			if name == "" {
				return llmtools.Errorf("memory name is required")
			}
			snap := state.Snapshot()
			if snap == nil {
				return llmtools.Errorf("no memories available this turn")
			}
			fragment, ok := snap.Fragment(name)
			if !ok {
				return llmtools.Errorf("no memory named %q", name)
			}
			return llmtools.Success(map[string]any{
				"name":   fragment.Name,
				"memory": fragment.Text,
			})
		},
	)
}

type MemorizeParams struct {
	Name string   `json:"name" description:"Short kebab-case name for the memory"`
	Text string   `json:"text" description:"The memory itself, written in third person"`
	Tags []string `json:"tags,omitempty" description:"Optional tags such as grief, joy, strategy"`
}

// MemorizeTool writes a new long-term memory fragment for the agent.
func MemorizeTool(dir *directory.Directory, state *ai.TurnState) llmtools.Tool {
	return llmtools.Func(
		"Memorize",
		"Save something worth remembering long-term as a named memory",
		"memorize",
		func(r llmtools.Runner, p MemorizeParams) llmtools.Result {
			snap := state.Snapshot()
			if snap == nil {
				return llmtools.Errorf("no agent bound to this turn")
			}
			err := dir.SaveFragment(snap.ID, directory.Fragment{
				Name: strings.TrimSpace(p.Name),
				Tags: p.Tags,
				Text: strings.TrimSpace(p.Text),
			})
			if err != nil {
				return llmtools.ErrorWithLabel("Memorize failed", err)
			}
			return llmtools.Success(map[string]any{"status": "saved", "name": p.Name})
		},
	)
}

// ForMode returns the tool set for a session under the given memory mode.
// The recall tool only exists in on-demand mode; injected-memory agents
// never see it.
func ForMode(mode config.MemoryMode, dir *directory.Directory, state *ai.TurnState) []llmtools.Tool {
	tools := []llmtools.Tool{SkipTool(state), MemorizeTool(dir, state)}
	if mode == config.MemoryModeRecall {
		tools = append(tools, RecallTool(state))
	}
	return tools
}
