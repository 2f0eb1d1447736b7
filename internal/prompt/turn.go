package prompt

import (
	"fmt"
	"strings"

	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/store"
)

// NarratorLabel is the fixed speaker label for narrator messages.
const NarratorLabel = "Narrator"

// DefaultUserName labels plain user messages when no display name is
// configured.
const DefaultUserName = "User"

// Section priorities within a turn prompt. Higher renders first.
const (
	prioMemories    = 40
	prioTranscript  = 30
	prioMemoryIndex = 20
	prioInstruction = 10
)

// Input is everything needed to frame one (room, agent) turn.
type Input struct {
	Agent      *directory.Snapshot
	Messages   []store.Message // full room log, seq ascending
	AgentCount int             // agents currently in the room

	UserName string
	Window   int // fallback window when the agent has never spoken
	Budget   int // soft byte budget for the whole text

	// Fragments are injected verbatim (automatic memory mode).
	Fragments []directory.Fragment
	// MemoryIndex lists fragment names offered for on-demand recall.
	MemoryIndex []string
}

// Output is the framed text plus what the orchestrator needs to decide
// whether this turn was worth taking at all.
type Output struct {
	Text string
	// HasNew reports whether any transcript line survived slicing. A
	// follow-up round with nothing new for anyone has settled.
	HasNew bool
}

// Build produces the text handed to the generation client for one turn.
//
// The transcript covers only messages after the agent's own most recent
// message; an agent never re-reads its own prior turns. Agents that have
// not spoken yet get a bounded window of recent history instead.
func Build(in Input) Output {
	lines := transcriptLines(in)

	b := NewBuilder()
	b.Add(Block{ID: "memories", Priority: prioMemories, Content: renderFragments(in.Agent, in.Fragments)})
	b.Add(Block{ID: "index", Priority: prioMemoryIndex, Content: renderMemoryIndex(in.MemoryIndex)})
	b.Add(Block{ID: "instruction", Priority: prioInstruction, Content: instructionFor(in, len(lines) > 0)})

	if in.Budget > 0 {
		fixed := len(b.Build())
		lines = truncateOldest(lines, in.Budget-fixed)
	}
	if len(lines) > 0 {
		b.Add(Block{ID: "transcript", Priority: prioTranscript, Content: strings.Join(lines, "\n")})
	}

	return Output{Text: b.Build(), HasNew: len(lines) > 0}
}

// HasNew reports whether the agent would see any transcript it has not
// already responded to, without assembling the full prompt. The
// orchestrator consults it before memory selection so that settling a
// turn leaves no side effects behind.
func HasNew(in Input) bool {
	return len(transcriptLines(in)) > 0
}

// transcriptLines slices, filters, and renders the visible part of the log.
func transcriptLines(in Input) []string {
	messages := in.Messages
	lastOwn := -1
	for i, msg := range messages {
		if msg.Role == store.RoleAgent && msg.AgentID == in.Agent.ID {
			lastOwn = i
		}
	}
	if lastOwn >= 0 {
		messages = messages[lastOwn+1:]
	} else if in.Window > 0 && len(messages) > in.Window {
		messages = messages[len(messages)-in.Window:]
	}

	var lines []string
	seen := map[string]struct{}{}
	for _, msg := range messages {
		if msg.Skipped || msg.Participant == store.ParticipantSystem {
			continue
		}
		line := speakerLabel(msg, in.UserName) + ": " + msg.Content
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	return lines
}

func speakerLabel(msg store.Message, userName string) string {
	switch msg.Participant {
	case store.ParticipantCharacter:
		if msg.ParticipantName != "" {
			return msg.ParticipantName
		}
		return NarratorLabel
	case store.ParticipantNarrator:
		return NarratorLabel
	case store.ParticipantAgent:
		if msg.ParticipantName != "" {
			return msg.ParticipantName
		}
		return msg.AgentID
	default:
		if userName != "" {
			return userName
		}
		return DefaultUserName
	}
}

// truncateOldest drops lines from the front until the transcript fits the
// remaining budget, keeping at least the newest line. A budget already
// spent on the fixed blocks truncates down to that one-line minimum; the
// instruction suffix is never truncated.
func truncateOldest(lines []string, budget int) []string {
	total := 0
	for _, line := range lines {
		total += len(line) + 1
	}
	for len(lines) > 1 && total > budget {
		total -= len(lines[0]) + 1
		lines = lines[1:]
	}
	return lines
}

func renderFragments(agent *directory.Snapshot, fragments []directory.Fragment) string {
	if len(fragments) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Memories surfacing for %s right now:", agent.Name)
	for _, fragment := range fragments {
		sb.WriteString("\n- ")
		sb.WriteString(fragment.Text)
	}
	return sb.String()
}

func renderMemoryIndex(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return "You have long-term memories you may recall by name with the recall_memory tool: " +
		strings.Join(names, ", ") + "."
}
