package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"
	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/directory"
)

// SessionFactory builds a fresh generation session for a (room, agent)
// pair, returning the session handle and the turn state its tools are
// bound to.
type SessionFactory func(roomID, agentID string) (*llms.LLM, *TurnState, error)

type poolKey struct {
	roomID  string
	agentID string
}

// Pool owns the per-(room, agent) generation sessions. A session keeps
// provider-side conversation state alive across turns, so reusing one is
// both cheaper and more coherent than starting fresh each turn.
type Pool struct {
	factory   SessionFactory
	attempts  int
	baseDelay time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[poolKey]*Session
}

func NewPool(factory SessionFactory, attempts int, log *zap.Logger) *Pool {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		factory:   factory,
		attempts:  attempts,
		baseDelay: 300 * time.Millisecond,
		log:       log,
		sessions:  map[poolKey]*Session{},
	}
}

// GetOrCreate returns the existing session for the pair or creates one,
// retrying creation with exponential backoff on transient failure.
func (p *Pool) GetOrCreate(ctx context.Context, roomID, agentID string) (*Session, error) {
	key := poolKey{roomID: roomID, agentID: agentID}

	p.mu.Lock()
	if session, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return session, nil
	}
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		llm, state, err := p.factory(roomID, agentID)
		if err != nil {
			lastErr = err
			p.log.Warn("session create failed",
				zap.String("room", roomID), zap.String("agent", agentID),
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		session := &Session{roomID: roomID, agentID: agentID, llm: llm, state: state}
		p.mu.Lock()
		// Another caller may have won the race; keep theirs.
		if existing, ok := p.sessions[key]; ok {
			p.mu.Unlock()
			return existing, nil
		}
		p.sessions[key] = session
		p.mu.Unlock()
		return session, nil
	}
	return nil, fmt.Errorf("create session for %s/%s: %w", roomID, agentID, lastErr)
}

// Invalidate drops a broken session; the next GetOrCreate builds a fresh
// one.
func (p *Pool) Invalidate(roomID, agentID string) {
	p.mu.Lock()
	delete(p.sessions, poolKey{roomID: roomID, agentID: agentID})
	p.mu.Unlock()
}

// CloseAgent tears down one pair's session without blocking the caller.
func (p *Pool) CloseAgent(roomID, agentID string) {
	p.close(func(key poolKey) bool { return key.roomID == roomID && key.agentID == agentID })
}

// CloseRoom tears down every session belonging to a room without
// blocking the caller.
func (p *Pool) CloseRoom(roomID string) {
	p.close(func(key poolKey) bool { return key.roomID == roomID })
}

func (p *Pool) close(match func(poolKey) bool) {
	p.mu.Lock()
	var doomed []*Session
	for key, session := range p.sessions {
		if match(key) {
			doomed = append(doomed, session)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	// Teardown is off the critical path; let in-flight generations drain
	// in the background.
	for _, session := range doomed {
		go func(s *Session) {
			// Wait for any in-flight turn before dropping the handle.
			s.mu.Lock()
			defer s.mu.Unlock()
			p.log.Debug("session closed", zap.String("room", s.roomID), zap.String("agent", s.agentID))
		}(session)
	}
}

// Size reports how many sessions are live.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Session is one (room, agent) generation handle. At most one generation
// is in flight per session; Generate serializes on the session lock.
type Session struct {
	roomID  string
	agentID string

	mu      sync.Mutex
	llm     *llms.LLM
	state   *TurnState
	history []llms.Message
}

// Turn is the input for one generation call.
type Turn struct {
	System   string
	Prompt   string
	Snapshot *directory.Snapshot
}

// Generate runs one turn and streams events. The stream always ends with
// exactly one EventComplete or EventError, then closes. Cancelling ctx
// aborts the generation; the cancelled turn leaves no trace in the
// session history.
func (s *Session) Generate(ctx context.Context, turn Turn) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		s.mu.Lock()
		defer s.mu.Unlock()

		s.state.Bind(turn.Snapshot)
		if turn.System != "" {
			system := turn.System
			s.llm.SystemPrompt = func() content.Content { return content.FromText(system) }
		}
		s.history = append(s.history, llms.Message{Role: "user", Content: content.FromText(turn.Prompt)})

		var text, thinking strings.Builder
		for update := range s.llm.ChatUsingMessages(ctx, s.history) {
			switch u := update.(type) {
			case llms.TextUpdate:
				text.WriteString(u.Text)
				ch <- Event{Kind: EventContentDelta, Text: u.Text}
			case llms.ThinkingUpdate:
				thinking.WriteString(u.Text)
				ch <- Event{Kind: EventThinkingDelta, Thinking: u.Text}
			case llms.ToolStartUpdate:
				ch <- Event{Kind: EventToolInvocation, Tool: u.Tool.Label()}
			}
		}

		err := s.llm.Err()
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			s.history = s.history[:len(s.history)-1]
			ch <- Event{Kind: EventError, Err: err}
			return
		}

		reply := strings.TrimSpace(text.String())
		s.history = append(s.history, llms.Message{Role: "assistant", Content: content.FromText(reply)})
		ch <- Event{
			Kind:     EventComplete,
			Text:     reply,
			Thinking: thinking.String(),
			Skipped:  s.state.Skipped(),
		}
	}()
	return ch
}

// State exposes the session's turn state for tool wiring.
func (s *Session) State() *TurnState {
	return s.state
}

// HistoryLen reports how many messages the session has accumulated.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
