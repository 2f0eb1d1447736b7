// Package memory decides which long-term memory fragments accompany an
// agent into a turn. Two mutually exclusive strategies exist: OnDemand
// offers the agent a recall tool plus an index of fragment names, and
// Automatic injects policy-selected fragments up front.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/store"
)

// Selection is what a strategy contributes to one turn. Exactly one of
// the two fields is populated depending on the strategy.
type Selection struct {
	// Fragments are injected verbatim into the prompt.
	Fragments []directory.Fragment
	// Index lists fragment names the agent may recall mid-generation.
	Index []string
}

// Selector picks memory for one (room, agent) turn.
type Selector interface {
	Select(ctx context.Context, roomID string, agent *directory.Snapshot, recent []store.Message) Selection
}

// OnDemand exposes the fragment index and leaves retrieval to the agent.
type OnDemand struct{}

func (OnDemand) Select(_ context.Context, _ string, agent *directory.Snapshot, _ []store.Message) Selection {
	return Selection{Index: agent.FragmentNames()}
}

// Automatic runs a policy over the recent conversation and the agent's
// fragment set before each turn. It enforces the injection cap and the
// per-fragment cooldown regardless of what the policy proposes, and falls
// back to zero fragments when the policy fails.
type Automatic struct {
	policies map[string]Policy
	fallback Policy
	maxPick  int
	cooldown int
	log      *zap.Logger

	mu      sync.Mutex
	ledgers map[string]*ledger // keyed by roomID + "\x00" + agentID
}

// ledger tracks fragment activations for one (room, agent) pair. Turns
// are counted per Select call, matching the orchestrator's turn cadence.
type ledger struct {
	turn      int
	activated map[string]int // fragment name -> turn of last activation
}

type Activation struct {
	Fragment string
	Turn     int
}

func NewAutomatic(policies []Policy, maxPick, cooldown int, log *zap.Logger) *Automatic {
	if log == nil {
		log = zap.NewNop()
	}
	byName := map[string]Policy{}
	for _, policy := range policies {
		byName[policy.Name()] = policy
	}
	fallback, ok := byName[PolicyBalanced]
	if !ok && len(policies) > 0 {
		fallback = policies[0]
	}
	return &Automatic{
		policies: byName,
		fallback: fallback,
		maxPick:  maxPick,
		cooldown: cooldown,
		log:      log,
		ledgers:  map[string]*ledger{},
	}
}

func (a *Automatic) Select(ctx context.Context, roomID string, agent *directory.Snapshot, recent []store.Message) Selection {
	// Injection is per-agent opt-in even when the mode is on globally.
	if !agent.AutoMemory {
		return Selection{}
	}
	led := a.ledger(roomID, agent.ID)

	a.mu.Lock()
	led.turn++
	turn := led.turn
	a.mu.Unlock()

	fragments := agent.Fragments()
	if len(fragments) == 0 {
		return Selection{}
	}

	eligible := make([]directory.Fragment, 0, len(fragments))
	for _, fragment := range fragments {
		if a.onCooldown(led, fragment.Name, turn) {
			continue
		}
		eligible = append(eligible, fragment)
	}
	if len(eligible) == 0 {
		return Selection{}
	}

	policy := a.policyFor(agent)
	ranked, err := policy.Rank(ctx, renderRecent(recent), eligible)
	if err != nil {
		a.log.Warn("memory policy failed, injecting nothing",
			zap.String("room", roomID), zap.String("agent", agent.ID),
			zap.String("policy", policy.Name()), zap.Error(err))
		return Selection{}
	}

	byName := map[string]directory.Fragment{}
	for _, fragment := range eligible {
		byName[fragment.Name] = fragment
	}

	var picked []directory.Fragment
	for _, name := range ranked {
		fragment, ok := byName[name]
		if !ok {
			continue
		}
		delete(byName, name)
		picked = append(picked, fragment)
		if len(picked) >= a.maxPick {
			break
		}
	}

	a.mu.Lock()
	for _, fragment := range picked {
		led.activated[fragment.Name] = turn
	}
	a.mu.Unlock()
	return Selection{Fragments: picked}
}

// Activations reports which fragments have fired for a pair, newest last.
func (a *Automatic) Activations(roomID, agentID string) []Activation {
	led := a.ledger(roomID, agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Activation, 0, len(led.activated))
	for name, turn := range led.activated {
		out = append(out, Activation{Fragment: name, Turn: turn})
	}
	return out
}

func (a *Automatic) ledger(roomID, agentID string) *ledger {
	key := roomID + "\x00" + agentID
	a.mu.Lock()
	defer a.mu.Unlock()
	led, ok := a.ledgers[key]
	if !ok {
		led = &ledger{activated: map[string]int{}}
		a.ledgers[key] = led
	}
	return led
}

func (a *Automatic) onCooldown(led *ledger, name string, turn int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	activated, ok := led.activated[name]
	return ok && turn-activated < a.cooldown
}

func (a *Automatic) policyFor(agent *directory.Snapshot) Policy {
	if policy, ok := a.policies[agent.MemoryPolicy]; ok {
		return policy
	}
	if agent.MemoryPolicy != "" {
		a.log.Warn("unknown memory policy, using fallback",
			zap.String("agent", agent.ID), zap.String("policy", agent.MemoryPolicy))
	}
	if a.fallback == nil {
		return noopPolicy{}
	}
	return a.fallback
}

func renderRecent(messages []store.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg.Skipped || msg.Participant == store.ParticipantSystem {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(msg.Content)
	}
	return sb.String()
}

type noopPolicy struct{}

func (noopPolicy) Name() string { return "noop" }

func (noopPolicy) Rank(context.Context, string, []directory.Fragment) ([]string, error) {
	return nil, fmt.Errorf("no memory policy configured")
}
