package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/memory"
	"github.com/flitsinc/go-rooms/internal/prompt"
	"github.com/flitsinc/go-rooms/internal/schema"
	"github.com/flitsinc/go-rooms/internal/store"
)

// skipMarker is stored as the content of silently-skipped turns. It is
// filtered out of every other agent's context.
const skipMarker = "[silent]"

// runBurst drives one conversation run to completion: an initial
// concurrent round, then sequential follow-up rounds until the room
// settles or a ceiling is hit.
func (o *Orchestrator) runBurst(ctx context.Context, roomID string, autonomous bool) {
	log := o.log.With(zap.String("room", roomID), zap.Bool("autonomous", autonomous))

	produced := 0
	responses, stop := o.runRound(ctx, roomID, 0, autonomous, &produced)
	if stop {
		return
	}
	if responses == 0 && autonomous {
		return
	}

	for round := 1; round <= o.cfg.FollowUpRounds; round++ {
		if produced >= o.cfg.MaxTotalTurns {
			log.Info("burst hit turn ceiling", zap.Int("produced", produced))
			return
		}
		responses, stop = o.runRound(ctx, roomID, round, autonomous, &produced)
		if stop {
			return
		}
		if responses == 0 {
			log.Debug("conversation settled", zap.Int("rounds", round))
			return
		}
	}
	log.Debug("burst hit round ceiling", zap.Int("rounds", o.cfg.FollowUpRounds))
}

// runRound runs one round. Round 0 fans all agents out concurrently;
// later rounds go one agent at a time in shuffled order so each sees the
// previous agent's fresh message. stop means the whole burst should end.
func (o *Orchestrator) runRound(ctx context.Context, roomID string, round int, autonomous bool, produced *int) (int, bool) {
	if ctx.Err() != nil {
		return 0, true
	}
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		o.log.Warn("room lookup failed", zap.String("room", roomID), zap.Error(err))
		return 0, true
	}
	if room.Paused {
		return 0, true
	}
	if o.limitReached(ctx, room) {
		return 0, true
	}

	agents, err := o.store.RoomAgents(ctx, roomID)
	if err != nil {
		o.log.Warn("room agents lookup failed", zap.String("room", roomID), zap.Error(err))
		return 0, true
	}
	if len(agents) == 0 {
		return 0, true
	}
	// Follow-up rounds only make sense when agents can react to each
	// other.
	if round > 0 && len(agents) < 2 {
		return 0, true
	}

	requireNew := round > 0 || autonomous

	if round == 0 {
		var count atomic.Int64
		var wg sync.WaitGroup
		for _, agentID := range agents {
			wg.Add(1)
			go func(agentID string) {
				defer wg.Done()
				if o.takeTurn(ctx, room, agentID, len(agents), requireNew) {
					count.Add(1)
				}
			}(agentID)
		}
		wg.Wait()
		responses := int(count.Load())
		*produced += responses
		return responses, ctx.Err() != nil
	}

	shuffled := make([]string, len(agents))
	copy(shuffled, agents)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	responses := 0
	for _, agentID := range shuffled {
		if ctx.Err() != nil {
			return responses, true
		}
		if *produced >= o.cfg.MaxTotalTurns {
			return responses, true
		}
		if o.takeTurn(ctx, room, agentID, len(agents), requireNew) {
			responses++
			*produced++
		}
	}
	return responses, false
}

// limitReached checks the room's optional interaction ceiling.
func (o *Orchestrator) limitReached(ctx context.Context, room store.Room) bool {
	if room.MaxInteractions == nil {
		return false
	}
	count, err := o.store.CountAgentMessages(ctx, room.ID)
	if err != nil {
		o.log.Warn("interaction count failed", zap.String("room", room.ID), zap.Error(err))
		return false
	}
	if count >= *room.MaxInteractions {
		o.log.Info("room hit interaction limit", zap.String("room", room.ID), zap.Int("limit", *room.MaxInteractions))
		return true
	}
	return false
}

// takeTurn runs one agent's generation and appends the result. Returns
// true only when a visible message landed in the log; failures and skips
// count as silence and never abort the round.
func (o *Orchestrator) takeTurn(ctx context.Context, room store.Room, agentID string, agentCount int, requireNew bool) bool {
	log := o.log.With(zap.String("room", room.ID), zap.String("agent", agentID))

	snap, err := o.dir.Load(agentID)
	if err != nil {
		log.Warn("agent load failed", zap.Error(err))
		return false
	}

	messages, err := o.store.Messages(ctx, room.ID, 0)
	if err != nil {
		log.Warn("message load failed", zap.Error(err))
		return false
	}

	in := prompt.Input{
		Agent:      snap,
		Messages:   messages,
		AgentCount: agentCount,
		UserName:   o.cfg.UserName,
		Window:     o.cfg.ContextWindow,
		Budget:     o.cfg.ContextBudget,
	}
	// Settle before memory selection: a turn that never runs must not
	// burn fragment cooldowns.
	if requireNew && !prompt.HasNew(in) {
		return false
	}

	selection := o.selectMemory(ctx, room.ID, snap, messages)
	in.Fragments = selection.Fragments
	in.MemoryIndex = selection.Index
	out := prompt.Build(in)

	session, err := o.pool.GetOrCreate(ctx, room.ID, agentID)
	if err != nil {
		log.Warn("session unavailable", zap.Error(err))
		o.publishError(room.ID, agentID, err)
		return false
	}

	turn := ai.Turn{System: snap.SystemPrompt(), Prompt: out.Text, Snapshot: snap}
	result, ok := o.streamTurn(ctx, room.ID, agentID, snap.Name, session, turn)
	if !ok {
		return false
	}

	if result.Skipped || result.Text == "" {
		o.appendWithRetry(ctx, room.ID, store.MessageInput{
			Role:            store.RoleAgent,
			AgentID:         agentID,
			ParticipantName: snap.Name,
			Content:         skipMarker,
			Skipped:         true,
		}, log)
		return false
	}

	msg, appended := o.appendWithRetry(ctx, room.ID, store.MessageInput{
		Role:            store.RoleAgent,
		AgentID:         agentID,
		ParticipantName: snap.Name,
		Content:         result.Text,
		Thinking:        result.Thinking,
		TouchRoom:       true,
	}, log)
	if !appended {
		return false
	}
	o.publishMessage(msg)
	return true
}

type turnResult struct {
	Text     string
	Thinking string
	Skipped  bool
}

// streamTurn consumes one generation stream, forwarding deltas to the
// bus. ok is false when the turn produced nothing usable: generation
// error, interruption, or a stream that ended without completing.
func (o *Orchestrator) streamTurn(ctx context.Context, roomID, agentID, agentName string, session *ai.Session, turn ai.Turn) (turnResult, bool) {
	log := o.log.With(zap.String("room", roomID), zap.String("agent", agentID))

	for event := range session.Generate(ctx, turn) {
		switch event.Kind {
		case ai.EventContentDelta:
			o.bus.Publish(eventbus.Event{
				Stream: schema.StreamDeltas, RoomID: roomID, AgentID: agentID,
				Subject: agentName, Body: event.Text,
			})
		case ai.EventThinkingDelta:
			o.bus.Publish(eventbus.Event{
				Stream: schema.StreamThinking, RoomID: roomID, AgentID: agentID,
				Subject: agentName, Body: event.Thinking,
			})
		case ai.EventToolInvocation:
			o.bus.Publish(eventbus.Event{
				Stream: schema.StreamTools, RoomID: roomID, AgentID: agentID,
				Subject: agentName, Body: event.Tool,
			})
		case ai.EventComplete:
			if ctx.Err() != nil {
				o.publishInterrupted(roomID, agentID)
				return turnResult{}, false
			}
			return turnResult{Text: event.Text, Thinking: event.Thinking, Skipped: event.Skipped}, true
		case ai.EventError:
			if ctx.Err() != nil || errors.Is(event.Err, context.Canceled) {
				o.publishInterrupted(roomID, agentID)
				return turnResult{}, false
			}
			log.Warn("generation failed", zap.Error(event.Err))
			o.pool.Invalidate(roomID, agentID)
			o.publishError(roomID, agentID, event.Err)
			return turnResult{}, false
		}
	}
	log.Warn("generation stream ended without completion")
	return turnResult{}, false
}

// selectMemory runs the configured strategy over a bounded recent window.
func (o *Orchestrator) selectMemory(ctx context.Context, roomID string, snap *directory.Snapshot, messages []store.Message) memory.Selection {
	recent := messages
	if o.cfg.ContextWindow > 0 && len(recent) > o.cfg.ContextWindow {
		recent = recent[len(recent)-o.cfg.ContextWindow:]
	}
	return o.selector.Select(ctx, roomID, snap, recent)
}

// appendWithRetry appends a message, retrying the configured number of
// times before abandoning the turn.
func (o *Orchestrator) appendWithRetry(ctx context.Context, roomID string, input store.MessageInput, log *zap.Logger) (store.Message, bool) {
	msg, err := o.store.AppendMessage(ctx, roomID, input)
	for attempt := 0; err != nil && attempt < o.cfg.AppendRetries; attempt++ {
		if ctx.Err() != nil {
			return store.Message{}, false
		}
		log.Warn("message append failed, retrying", zap.Error(err))
		msg, err = o.store.AppendMessage(ctx, roomID, input)
	}
	if err != nil {
		log.Error("message append abandoned", zap.Error(err))
		return store.Message{}, false
	}
	return msg, true
}

func (o *Orchestrator) publishError(roomID, agentID string, err error) {
	o.bus.Publish(eventbus.Event{
		Stream: schema.StreamErrors, RoomID: roomID, AgentID: agentID,
		Subject: "generation failed", Body: err.Error(),
	})
}

func (o *Orchestrator) publishInterrupted(roomID, agentID string) {
	o.bus.Publish(eventbus.Event{
		Stream: schema.StreamErrors, RoomID: roomID, AgentID: agentID,
		Subject: "interrupted", Body: "generation interrupted by a new message",
	})
}
