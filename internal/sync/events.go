package sync

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a progress event emitted by the reconciler.
type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventFileSynced  EventType = "file_synced"
	EventFileFailed  EventType = "file_failed"
	EventRunFinished EventType = "run_finished"
)

// Event is a structured progress report. Consumers subscribe to a Bus
// instead of handing callbacks to the engine.
type Event struct {
	Type     EventType `json:"type"`
	ConfigID int64     `json:"config_id"`
	RunID    int64     `json:"run_id"`
	Trigger  string    `json:"trigger,omitempty"`
	Path     string    `json:"path,omitempty"`
	Action   string    `json:"action,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Status   RunStatus `json:"status,omitempty"`
	Counts   *Counts   `json:"counts,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers over buffered channels. A subscriber
// that falls behind loses events rather than stalling a sync.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
