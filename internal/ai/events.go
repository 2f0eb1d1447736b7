package ai

// EventKind discriminates generation stream events.
type EventKind string

const (
	// EventContentDelta is a chunk of the agent's visible reply.
	EventContentDelta EventKind = "content-delta"
	// EventThinkingDelta is a chunk of model-internal reasoning.
	EventThinkingDelta EventKind = "thinking-delta"
	// EventToolInvocation marks a tool call starting mid-generation.
	EventToolInvocation EventKind = "tool-invocation"
	// EventComplete carries the finalized turn.
	EventComplete EventKind = "complete"
	// EventError terminates the stream; no EventComplete follows.
	EventError EventKind = "error"
)

// Event is one item in a generation stream. Exactly one of EventComplete
// or EventError ends every stream.
type Event struct {
	Kind     EventKind
	Text     string // delta text, or the full reply on EventComplete
	Thinking string // delta on EventThinkingDelta, full text on EventComplete
	Tool     string // tool label on EventToolInvocation
	Skipped  bool   // on EventComplete: the agent chose to stay silent
	Err      error  // on EventError
}
