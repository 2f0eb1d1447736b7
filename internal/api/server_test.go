package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
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
	"github.com/flitsinc/go-rooms/internal/engine"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/memory"
	"github.com/flitsinc/go-rooms/internal/schema"
	"github.com/flitsinc/go-rooms/internal/store"
	"github.com/flitsinc/go-rooms/internal/testutil"
)

type apiFakeProvider struct {
	text string
}

func (p *apiFakeProvider) Company() string              { return "fake" }
func (p *apiFakeProvider) Model() string                { return "fake" }
func (p *apiFakeProvider) SetDebugger(_ llms.Debugger)  {}
func (p *apiFakeProvider) SetHTTPClient(_ *http.Client) {}
func (p *apiFakeProvider) Generate(_ context.Context, _ content.Content, _ []llms.Message, _ *llmtools.Toolbox, _ *llmtools.ValueSchema) llms.ProviderStream {
	return &apiFakeStream{text: p.text}
}

type apiFakeStream struct {
	text string
}

func (s *apiFakeStream) Err() error { return nil }
func (s *apiFakeStream) Message() llms.Message {
	return llms.Message{Role: "assistant", Content: content.FromText(s.text)}
}
func (s *apiFakeStream) Text() string             { return s.text }
func (s *apiFakeStream) Image() (string, string)  { return "", "" }
func (s *apiFakeStream) Audio() (string, string)  { return "", "" }
func (s *apiFakeStream) Thought() content.Thought { return content.Thought{} }
func (s *apiFakeStream) ToolCall() llms.ToolCall  { return llms.ToolCall{} }
func (s *apiFakeStream) Usage() llms.Usage        { return llms.Usage{} }
func (s *apiFakeStream) Iter() func(func(llms.StreamStatus) bool) {
	return func(yield func(llms.StreamStatus) bool) {
		if s.text != "" {
			yield(llms.StreamStatusText)
		}
	}
}

type testServer struct {
	server *Server
	client *http.Client
	store  *store.Store
	bus    *eventbus.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	st := store.NewStore(db)

	agentsDir := t.TempDir()
	for _, id := range []string{"aria", "bram"} {
		dir := filepath.Join(agentsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"), []byte("name: "+id+"\n"), 0o644))
	}
	dirs := directory.New(agentsDir, zap.NewNop())

	factory := func(_, agentID string) (*llms.LLM, *ai.TurnState, error) {
		return llms.New(&apiFakeProvider{text: "reply from " + agentID}), ai.NewTurnState(), nil
	}
	pool := ai.NewPool(factory, 1, zap.NewNop())
	bus := eventbus.NewBus()

	cfg := config.Config{
		UserName:       "User",
		FollowUpRounds: 0,
		MaxTotalTurns:  30,
		ContextWindow:  20,
		ContextBudget:  16384,
		AppendRetries:  1,
	}
	orch := engine.New(st, dirs, pool, memory.OnDemand{}, bus, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	server := &Server{
		Store:        st,
		Directory:    dirs,
		Orchestrator: orch,
		Pool:         pool,
		Bus:          bus,
		StartedAt:    time.Now().UTC(),
	}
	return &testServer{
		server: server,
		client: testutil.NewInProcessClient(server.Handler()),
		store:  st,
		bus:    bus,
	}
}

func doJSON(t *testing.T, client *http.Client, method, path string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	resp, err := client.Do(testutil.NewRequest(method, path, body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	data, err := testutil.ReadAll(resp)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, dest))
}

func (ts *testServer) createRoom(t *testing.T, agents ...string) store.Room {
	t.Helper()
	resp := doJSON(t, ts.client, "POST", "/api/rooms", map[string]any{"name": "test room", "agents": agents})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room store.Room
	decodeBody(t, resp, &room)
	return room
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts.client, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentList(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts.client, "GET", "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agents []map[string]any
	decodeBody(t, resp, &agents)
	require.Len(t, agents, 2)
	require.Equal(t, "aria", agents[0]["id"])
}

func TestRoomLifecycle(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria", "bram")

	resp := doJSON(t, ts.client, "GET", "/api/rooms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []store.Room
	decodeBody(t, resp, &rooms)
	require.Len(t, rooms, 1)

	resp = doJSON(t, ts.client, "GET", "/api/rooms/"+room.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Room   store.Room `json:"room"`
		Agents []string   `json:"agents"`
	}
	decodeBody(t, resp, &detail)
	require.Equal(t, room.ID, detail.Room.ID)
	require.Equal(t, []string{"aria", "bram"}, detail.Agents)

	resp = doJSON(t, ts.client, "GET", "/api/rooms/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRoomRejectsUnknownAgent(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts.client, "POST", "/api/rooms", map[string]any{"name": "bad", "agents": []string{"ghost"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostMessageRejectsInvalidInput(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages", map[string]any{"content": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "blank content")

	// Internal participant categories cannot be forged by clients.
	for _, participant := range []string{"system", "agent", "wizard"} {
		resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages",
			map[string]any{"content": "hi", "participant": participant})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, participant)
	}

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages",
		map[string]any{"content": "at ease", "participant": "character", "participant_name": "Captain Vael"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg store.Message
	decodeBody(t, resp, &msg)
	require.Equal(t, store.ParticipantCharacter, msg.Participant)
	require.Equal(t, "Captain Vael", msg.ParticipantName)
}

func TestPostMessageTriggersAgents(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria", "bram")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages", map[string]any{"content": "Hello everyone!"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var posted store.Message
	decodeBody(t, resp, &posted)
	require.Equal(t, store.RoleUser, posted.Role)

	var messages []store.Message
	require.Eventually(t, func() bool {
		resp := doJSON(t, ts.client, "GET", "/api/rooms/"+room.ID+"/messages", nil)
		decodeBody(t, resp, &messages)
		return len(messages) == 3
	}, 10*time.Second, 20*time.Millisecond)

	replies := map[string]bool{}
	for _, msg := range messages[1:] {
		replies[msg.Content] = true
	}
	require.True(t, replies["reply from aria"])
	require.True(t, replies["reply from bram"])

	// Polling with since only returns newer messages.
	resp = doJSON(t, ts.client, "GET",
		fmt.Sprintf("/api/rooms/%s/messages?since=%d", room.ID, messages[1].Seq), nil)
	var tail []store.Message
	decodeBody(t, resp, &tail)
	require.Len(t, tail, 1)
	require.Greater(t, tail[0].Seq, messages[1].Seq)
}

func TestPauseAndResume(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages", map[string]any{"content": "anyone?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	time.Sleep(200 * time.Millisecond)
	count, err := ts.store.CountAgentMessages(context.Background(), room.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/poke", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		count, err := ts.store.CountAgentMessages(context.Background(), room.ID)
		require.NoError(t, err)
		return count == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRoomAgentAddRemove(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/agents", map[string]any{"agent_id": "ghost"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/agents", map[string]any{"agent_id": "bram"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, ts.client, "DELETE", "/api/rooms/"+room.ID+"/agents/bram", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agents, err := ts.store.RoomAgents(context.Background(), room.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"aria"}, agents)
}

func TestRoomClear(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, ts.client, "GET", "/api/rooms/"+room.ID+"/messages", nil)
	var messages []store.Message
	decodeBody(t, resp, &messages)
	require.Empty(t, messages)
}

func TestRoomLimit(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	resp := doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/limit", map[string]any{"max_interactions": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/limit", map[string]any{"max_interactions": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := ts.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MaxInteractions)
	require.Equal(t, 5, *got.MaxInteractions)

	resp = doJSON(t, ts.client, "POST", "/api/rooms/"+room.ID+"/limit", map[string]any{"max_interactions": nil})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err = ts.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	require.Nil(t, got.MaxInteractions)
}

func TestRoomSubscribeSSE(t *testing.T) {
	ts := newTestServer(t)
	room := ts.createRoom(t, "aria")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := testutil.NewRequest("GET", "/api/rooms/"+room.ID+"/subscribe?streams=messages", nil).WithContext(ctx)

	recorder := testutil.NewStreamRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.server.Handler().ServeHTTP(recorder, req)
		_ = recorder.Close()
	}()

	// Give the subscriber a moment to register, then trigger a message.
	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() > 0 }, 5*time.Second, 10*time.Millisecond)
	ts.bus.Publish(eventbus.Event{Stream: schema.StreamMessages, RoomID: room.ID, Body: "hello"})

	scanner := bufio.NewScanner(recorder.Body)
	found := make(chan eventbus.Event, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt eventbus.Event
			if json.Unmarshal(bytes.TrimPrefix([]byte(line), []byte("data: ")), &evt) == nil {
				found <- evt
				return
			}
		}
	}()

	select {
	case evt := <-found:
		require.Equal(t, "hello", evt.Body)
		require.Equal(t, schema.StreamMessages, evt.Stream)
	case <-time.After(5 * time.Second):
		t.Fatalf("no SSE event received")
	}
	cancel()
	<-done
}
