package schema

const (
	// StreamMessages carries finalized messages as they are appended to a
	// room's log.
	StreamMessages = "messages"
	// StreamDeltas carries incremental content while an agent generates.
	StreamDeltas = "deltas"
	// StreamThinking carries model-internal reasoning deltas. Display
	// only; thinking is never fed back into any agent's context.
	StreamThinking = "thinking"
	// StreamTools carries tool invocations observed mid-generation.
	StreamTools = "tools"
	// StreamErrors carries failed and interrupted turns.
	StreamErrors = "errors"
)

// RoomStreams are the streams a room observer (UI websocket or SSE
// subscriber) receives by default.
var RoomStreams = []string{
	StreamMessages,
	StreamDeltas,
	StreamThinking,
	StreamTools,
	StreamErrors,
}
