// Package scheduler drives autonomous conversation: rooms with recent
// activity and at least two agents keep talking even while the user is
// away.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flitsinc/go-rooms/internal/store"
)

// Runner runs one autonomous burst for a room, returning false when the
// room was busy.
type Runner interface {
	RunRoomNow(ctx context.Context, roomID string) bool
}

type Scheduler struct {
	store  *store.Store
	runner Runner
	every  time.Duration
	window time.Duration
	sem    *semaphore.Weighted
	log    *zap.Logger
}

func New(st *store.Store, runner Runner, every, window time.Duration, maxRooms int, log *zap.Logger) *Scheduler {
	if maxRooms < 1 {
		maxRooms = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		every:  every,
		window: window,
		sem:    semaphore.NewWeighted(int64(maxRooms)),
		log:    log,
	}
}

// Run ticks until ctx is done. Each tick picks up rooms active within the
// window and runs them, bounded by the room semaphore. Slot acquisition
// blocks so every eligible room runs; a slow tick just delays the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.window)
	rooms, err := s.store.ActiveRooms(ctx, cutoff)
	if err != nil {
		s.log.Warn("active room scan failed", zap.Error(err))
		return
	}
	for _, room := range rooms {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(roomID string) {
			defer s.sem.Release(1)
			if s.runner.RunRoomNow(ctx, roomID) {
				s.log.Debug("autonomous burst finished", zap.String("room", roomID))
			}
		}(room.ID)
	}
}
