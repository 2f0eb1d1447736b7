package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-llms/llms"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/go-rooms/internal/store"
)

func TestZZDebugFollowUp(t *testing.T) {
	cfg := testConfig()
	cfg.FollowUpRounds = 2
	e := newEnv(t, cfg, map[string]llms.Provider{
		"aria": &fakeProvider{text: "more from A"},
		"bram": &fakeProvider{text: "more from B"},
	})
	room := e.newRoom(t, "aria", "bram")

	_, err := e.orch.HandleUserMessage(context.Background(), room.ID, store.MessageInput{Content: "go"})
	require.NoError(t, err)
	time.Sleep(3 * time.Second)
	msgs, err := e.store.Messages(context.Background(), room.ID, 0)
	require.NoError(t, err)
	for i, m := range msgs {
		t.Logf("%d: role=%s agent=%s skipped=%v content=%q", i, m.Role, m.AgentID, m.Skipped, m.Content)
	}
	t.Logf("agentCount=%d", e.agentCount(t, room.ID))
}
