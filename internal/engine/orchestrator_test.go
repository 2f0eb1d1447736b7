package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flitsinc/go-llms/content"
	"github.com/flitsinc/go-llms/llms"
	llmtools "github.com/flitsinc/go-llms/tools"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/config"
	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/memory"
	"github.com/flitsinc/go-rooms/internal/schema"
	"github.com/flitsinc/go-rooms/internal/store"
	"github.com/flitsinc/go-rooms/internal/testutil"
)

type fakeProvider struct {
	text  string
	calls atomic.Int64
}

func (p *fakeProvider) Company() string              { return "fake" }
func (p *fakeProvider) Model() string                { return "fake" }
func (p *fakeProvider) SetDebugger(_ llms.Debugger)  {}
func (p *fakeProvider) SetHTTPClient(_ *http.Client) {}
func (p *fakeProvider) Generate(_ context.Context, _ content.Content, _ []llms.Message, _ *llmtools.Toolbox, _ *llmtools.ValueSchema) llms.ProviderStream {
	p.calls.Add(1)
	return &fakeStream{text: p.text}
}

type fakeStream struct {
	text string
}

func (s *fakeStream) Err() error { return nil }
func (s *fakeStream) Message() llms.Message {
	return llms.Message{Role: "assistant", Content: content.FromText(s.text)}
}
func (s *fakeStream) Text() string             { return s.text }
func (s *fakeStream) Image() (string, string)  { return "", "" }
func (s *fakeStream) Audio() (string, string)  { return "", "" }
func (s *fakeStream) Thought() content.Thought { return content.Thought{} }
func (s *fakeStream) ToolCall() llms.ToolCall  { return llms.ToolCall{} }
func (s *fakeStream) Usage() llms.Usage        { return llms.Usage{} }
func (s *fakeStream) Iter() func(func(llms.StreamStatus) bool) {
	return func(yield func(llms.StreamStatus) bool) {
		if s.text != "" {
			yield(llms.StreamStatusText)
		}
	}
}

type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) Company() string              { return "blocking" }
func (p *blockingProvider) Model() string                { return "blocking" }
func (p *blockingProvider) SetDebugger(_ llms.Debugger)  {}
func (p *blockingProvider) SetHTTPClient(_ *http.Client) {}
func (p *blockingProvider) Generate(ctx context.Context, _ content.Content, _ []llms.Message, _ *llmtools.Toolbox, _ *llmtools.ValueSchema) llms.ProviderStream {
	return &blockingStream{ctx: ctx, started: p.started}
}

type blockingStream struct {
	ctx     context.Context
	started chan struct{}
}

func (s *blockingStream) Err() error { return s.ctx.Err() }
func (s *blockingStream) Message() llms.Message {
	return llms.Message{Role: "assistant", Content: content.FromText("")}
}
func (s *blockingStream) Text() string             { return "" }
func (s *blockingStream) Image() (string, string)  { return "", "" }
func (s *blockingStream) Audio() (string, string)  { return "", "" }
func (s *blockingStream) Thought() content.Thought { return content.Thought{} }
func (s *blockingStream) ToolCall() llms.ToolCall  { return llms.ToolCall{} }
func (s *blockingStream) Usage() llms.Usage        { return llms.Usage{} }
func (s *blockingStream) Iter() func(func(llms.StreamStatus) bool) {
	return func(yield func(llms.StreamStatus) bool) {
		select {
		case <-s.started:
		default:
			close(s.started)
		}
		<-s.ctx.Done()
	}
}

func testConfig() config.Config {
	return config.Config{
		UserName:       "User",
		FollowUpRounds: 5,
		MaxTotalTurns:  30,
		ContextWindow:  20,
		ContextBudget:  16384,
		AppendRetries:  1,
	}
}

type env struct {
	orch      *Orchestrator
	store     *store.Store
	bus       *eventbus.Bus
	agentsDir string
}

func newEnv(t *testing.T, cfg config.Config, providers map[string]llms.Provider) *env {
	t.Helper()
	return newEnvWithSelector(t, cfg, providers, memory.OnDemand{})
}

func newEnvWithSelector(t *testing.T, cfg config.Config, providers map[string]llms.Provider, selector memory.Selector) *env {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	st := store.NewStore(db)

	agentsDir := t.TempDir()
	for agentID := range providers {
		dir := filepath.Join(agentsDir, agentID)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"),
			[]byte("name: "+agentID+"\n"), 0o644))
	}
	dir := directory.New(agentsDir, zap.NewNop())

	factory := func(_, agentID string) (*llms.LLM, *ai.TurnState, error) {
		provider, ok := providers[agentID]
		if !ok {
			return nil, nil, fmt.Errorf("no provider for agent %s", agentID)
		}
		return llms.New(provider), ai.NewTurnState(), nil
	}
	pool := ai.NewPool(factory, 1, zap.NewNop())
	bus := eventbus.NewBus()

	orch := New(st, dir, pool, selector, bus, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return &env{orch: orch, store: st, bus: bus, agentsDir: agentsDir}
}

func (e *env) newRoom(t *testing.T, agents ...string) store.Room {
	t.Helper()
	room, err := e.store.CreateRoom(context.Background(), "test room")
	require.NoError(t, err)
	for _, agentID := range agents {
		require.NoError(t, e.store.AddAgent(context.Background(), room.ID, agentID))
	}
	return room
}

func (e *env) agentCount(t *testing.T, roomID string) int {
	t.Helper()
	count, err := e.store.CountAgentMessages(context.Background(), roomID)
	require.NoError(t, err)
	return count
}

// waitSettled waits for the agent message count to reach want and stay
// there.
func (e *env) waitSettled(t *testing.T, roomID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.agentCount(t, roomID) == want
	}, 10*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, want, e.agentCount(t, roomID))
}

func TestInitialRoundFansOut(t *testing.T) {
	cfg := testConfig()
	cfg.FollowUpRounds = 0
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "A here"},
		"bram": &fakeProvider{text: "B here"},
	})
	room := e.newRoom(t, "aria", "bram")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "Hello everyone!"})
	require.NoError(t, err)

	e.waitSettled(t, room.ID, 2)
	messages, err := e.store.Messages(context.Background(), room.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "Hello everyone!", messages[0].Content)
	got := map[string]bool{}
	for _, msg := range messages[1:] {
		require.Equal(t, store.RoleAgent, msg.Role)
		got[msg.AgentID] = true
	}
	require.True(t, got["aria"] && got["bram"])
}

func TestBurstSettlesWhenAgentsGoQuiet(t *testing.T) {
	e := newEnv(t, testConfig(), map[string]llms.Provider{
		"aria": &fakeProvider{text: "hello"},
		"bram": &fakeProvider{}, // always silent
	})
	room := e.newRoom(t, "aria", "bram")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "hi"})
	require.NoError(t, err)

	e.waitSettled(t, room.ID, 1)
	messages, err := e.store.Messages(context.Background(), room.ID, 0)
	require.NoError(t, err)
	for _, msg := range messages {
		if msg.Skipped {
			require.Equal(t, "bram", msg.AgentID)
			require.Equal(t, skipMarker, msg.Content)
		}
	}
}

func TestFollowUpRoundCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.FollowUpRounds = 2
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "more from A"},
		"bram": &fakeProvider{text: "more from B"},
	})
	room := e.newRoom(t, "aria", "bram")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "go"})
	require.NoError(t, err)

	// Initial round plus two follow-up rounds, two agents each.
	e.waitSettled(t, room.ID, 6)
}

func TestTotalTurnCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalTurns = 3
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "more from A"},
		"bram": &fakeProvider{text: "more from B"},
	})
	room := e.newRoom(t, "aria", "bram")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "go"})
	require.NoError(t, err)

	e.waitSettled(t, room.ID, 3)
}

func TestInterruptionDiscardsInFlightTurns(t *testing.T) {
	provider := &blockingProvider{started: make(chan struct{})}
	e := newEnv(t, testConfig(), map[string]llms.Provider{
		"aria": provider,
	})
	room := e.newRoom(t, "aria")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errorsCh := e.bus.Subscribe(ctx, room.ID, []string{schema.StreamErrors})

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "first"})
	require.NoError(t, err)
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generation never started")
	}

	_, err = e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "second"})
	require.NoError(t, err)

	select {
	case event := <-errorsCh:
		require.Equal(t, "interrupted", event.Subject)
	case <-time.After(5 * time.Second):
		t.Fatalf("no interruption event")
	}

	messages, err := e.store.Messages(context.Background(), room.ID, 0)
	require.NoError(t, err)
	for _, msg := range messages {
		require.Equal(t, store.RoleUser, msg.Role, "cancelled turn must leave no agent output")
	}
}

func TestPausedRoomAppendsWithoutGenerating(t *testing.T) {
	provider := &fakeProvider{text: "should not run"}
	e := newEnv(t, testConfig(), map[string]llms.Provider{"aria": provider})
	room := e.newRoom(t, "aria")
	require.NoError(t, e.store.SetPaused(context.Background(), room.ID, true))

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "hello?"})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int64(0), provider.calls.Load())
	require.Equal(t, 0, e.agentCount(t, room.ID))
}

func TestInteractionLimitStopsFollowUps(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "A"},
		"bram": &fakeProvider{text: "B"},
	})
	room := e.newRoom(t, "aria", "bram")
	limit := 1
	require.NoError(t, e.store.SetMaxInteractions(context.Background(), room.ID, &limit))

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "go"})
	require.NoError(t, err)

	// The initial round fans out before the ceiling trips, then no
	// follow-up round starts.
	e.waitSettled(t, room.ID, 2)
}

func TestGenerationFailureIsIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.FollowUpRounds = 0
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "still here"},
	})
	// bram is in the room but has no persona on disk, so its turn fails.
	room := e.newRoom(t, "aria")
	require.NoError(t, e.store.AddAgent(context.Background(), room.ID, "bram"))

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "hi"})
	require.NoError(t, err)

	e.waitSettled(t, room.ID, 1)
	messages, _ := e.store.Messages(context.Background(), room.ID, 0)
	for _, msg := range messages {
		if msg.Role == store.RoleAgent {
			require.Equal(t, "aria", msg.AgentID)
		}
	}
}

func TestRunRoomNowSkipsBusyRoom(t *testing.T) {
	provider := &blockingProvider{started: make(chan struct{})}
	e := newEnv(t, testConfig(), map[string]llms.Provider{"aria": provider})
	room := e.newRoom(t, "aria")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "hi"})
	require.NoError(t, err)
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("generation never started")
	}

	require.False(t, e.orch.RunRoomNow(context.Background(), room.ID))
}

func TestSettledTurnDoesNotBurnMemoryCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.FollowUpRounds = 0
	selector := memory.NewAutomatic(memory.LexicalPolicies(), 1, 10, zap.NewNop())
	e := newEnvWithSelector(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "I remember it well"},
		"bram": &fakeProvider{text: "as do I"},
	}, selector)

	// aria opts into automatic memory with a single fragment.
	ariaDir := filepath.Join(e.agentsDir, "aria")
	require.NoError(t, os.WriteFile(filepath.Join(ariaDir, "agent.yaml"),
		[]byte("name: aria\nmemory:\n  auto: true\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ariaDir, "memories.yaml"),
		[]byte("- name: storm\n  text: The night the storm took the harbor.\n"), 0o644))

	room := e.newRoom(t, "aria", "bram")

	// Empty log: the autonomous burst settles before any turn runs, so no
	// fragment goes on cooldown.
	require.True(t, e.orch.RunRoomNow(context.Background(), room.ID))
	require.Empty(t, selector.Activations(room.ID, "aria"))

	// A real turn still activates the fragment.
	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "remember the storm?"})
	require.NoError(t, err)
	e.waitSettled(t, room.ID, 2)
	require.NotEmpty(t, selector.Activations(room.ID, "aria"))
}

func TestRunRoomNowRequiresSomethingNew(t *testing.T) {
	provider := &fakeProvider{text: "unprompted"}
	e := newEnv(t, testConfig(), map[string]llms.Provider{"aria": provider, "bram": provider})
	room := e.newRoom(t, "aria", "bram")

	// Empty log: autonomous runs have nothing to react to.
	require.True(t, e.orch.RunRoomNow(context.Background(), room.ID))
	require.Equal(t, int64(0), provider.calls.Load())
	require.Equal(t, 0, e.agentCount(t, room.ID))
}
