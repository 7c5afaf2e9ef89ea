// Package events is the lifecycle-event broadcaster. The core publishes
// discrete named events here; transports (websocket, logs) subscribe without
// the core knowing about them.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 64

// Bus fans lifecycle events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses events, and must fall back to the
// status query surface to resynchronize.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.Event)}
}

// Subscribe registers an observer. The returned cancel func must be called to
// release the subscription; the channel is closed by cancel.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, defaultSubscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount reports the current number of observers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to all current subscribers, dropping it for any
// subscriber that cannot keep up.
func (b *Bus) Publish(ev model.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("dropping lifecycle event for slow subscriber",
				"component", "event_bus", "event_type", ev.Type)
		}
	}
}

// PublishMessage publishes an event with just a message.
func (b *Bus) PublishMessage(t model.EventType, serverID, message string) {
	b.Publish(model.Event{Type: t, ServerID: serverID, Message: message})
}

// PublishProgress publishes an event carrying a percentage.
func (b *Bus) PublishProgress(t model.EventType, serverID, message string, percentage int) {
	b.Publish(model.Event{Type: t, ServerID: serverID, Message: message, Percentage: &percentage})
}
