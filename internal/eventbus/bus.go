package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is an ephemeral observer notification. The durable record of a
// conversation lives in the message store; the bus only fans events out to
// whoever is watching the room right now.
type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	RoomID    string         `json:"room_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	roomID  string
	streams map[string]struct{}
	ch      chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

func (b *Bus) Publish(event Event) Event {
	if event.Stream == "" {
		return Event{}
	}
	event.ID = ulid.Make().String()
	event.CreatedAt = time.Now().UTC()
	b.broadcast(event)
	return event
}

// Subscribe returns a channel of events for one room, filtered to the
// given streams (all streams when empty). The channel is closed when ctx
// is done.
func (b *Bus) Subscribe(ctx context.Context, roomID string, streams []string) <-chan Event {
	ch := make(chan Event, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{roomID: roomID, streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.roomID != "" && sub.roomID != event.RoomID {
			continue
		}
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[event.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}
