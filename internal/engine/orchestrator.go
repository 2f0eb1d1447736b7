// Package engine runs conversations. One inbound user message triggers a
// burst: an initial round where every agent in the room responds
// concurrently, then up to a bounded number of follow-up rounds where
// agents respond sequentially in shuffled order until the conversation
// settles.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/config"
	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/memory"
	"github.com/flitsinc/go-rooms/internal/schema"
	"github.com/flitsinc/go-rooms/internal/store"
)

type Orchestrator struct {
	store    *store.Store
	dir      *directory.Directory
	pool     *ai.Pool
	selector memory.Selector
	bus      *eventbus.Bus
	cfg      config.Config
	log      *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	bursts map[string]*burst
	wg     sync.WaitGroup
}

// burst is one in-flight conversation run for a room. A new user message
// cancels the room's current burst and starts a fresh one.
type burst struct {
	cancel context.CancelFunc
}

func New(st *store.Store, dir *directory.Directory, pool *ai.Pool, selector memory.Selector, bus *eventbus.Bus, cfg config.Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      st,
		dir:        dir,
		pool:       pool,
		selector:   selector,
		bus:        bus,
		cfg:        cfg,
		log:        log,
		baseCtx:    ctx,
		baseCancel: cancel,
		bursts:     map[string]*burst{},
	}
}

// HandleUserMessage appends an externally-sourced message and (re)starts
// the room's burst. Any in-flight generations for the room are cancelled
// first; their output never reaches the log.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, roomID string, input store.MessageInput) (store.Message, error) {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.Message{}, err
	}

	o.interrupt(roomID)

	input.Role = store.RoleUser
	input.TouchRoom = true
	msg, err := o.store.AppendMessage(ctx, roomID, input)
	if err != nil {
		return store.Message{}, fmt.Errorf("append user message: %w", err)
	}
	o.publishMessage(msg)

	if !room.Paused {
		o.startBurst(roomID, false)
	}
	return msg, nil
}

// StartBurst kicks off a burst without a new message, used when a room is
// poked explicitly (for example right after agents join an empty room).
func (o *Orchestrator) StartBurst(roomID string) {
	o.interrupt(roomID)
	o.startBurst(roomID, false)
}

// RunRoomNow runs one autonomous burst synchronously. It returns false
// without doing anything when the room already has a burst in flight.
// Callers bound concurrency; cancelling ctx cancels the burst.
func (o *Orchestrator) RunRoomNow(ctx context.Context, roomID string) bool {
	o.mu.Lock()
	if _, busy := o.bursts[roomID]; busy {
		o.mu.Unlock()
		return false
	}
	burstCtx, cancel := context.WithCancel(o.baseCtx)
	b := &burst{cancel: cancel}
	o.bursts[roomID] = b
	o.wg.Add(1)
	o.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	defer o.wg.Done()
	defer o.finishBurst(roomID, b)

	o.runBurst(burstCtx, roomID, true)
	return true
}

// CancelRoom cancels the room's in-flight burst, if any. Used when a room
// is paused or cleared.
func (o *Orchestrator) CancelRoom(roomID string) {
	o.interrupt(roomID)
}

// Shutdown cancels all bursts and waits for them to drain or ctx to
// expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) interrupt(roomID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing := o.bursts[roomID]; existing != nil {
		existing.cancel()
		delete(o.bursts, roomID)
	}
}

func (o *Orchestrator) startBurst(roomID string, autonomous bool) {
	o.mu.Lock()
	ctx, cancel := context.WithCancel(o.baseCtx)
	b := &burst{cancel: cancel}
	o.bursts[roomID] = b
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.finishBurst(roomID, b)
		o.runBurst(ctx, roomID, autonomous)
	}()
}

func (o *Orchestrator) finishBurst(roomID string, b *burst) {
	b.cancel()
	o.mu.Lock()
	if o.bursts[roomID] == b {
		delete(o.bursts, roomID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishMessage(msg store.Message) {
	o.bus.Publish(eventbus.Event{
		Stream:  schema.StreamMessages,
		RoomID:  msg.RoomID,
		AgentID: msg.AgentID,
		Body:    msg.Content,
		Payload: map[string]any{"message": msg},
	})
}
