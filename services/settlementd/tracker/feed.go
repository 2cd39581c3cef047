package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fundledger/services/settlementd/models"
)

// Event is a committed status transition.
type Event struct {
	TransactionID uuid.UUID         `json:"transactionId"`
	SourceType    models.SourceType `json:"sourceType"`
	SourceID      uuid.UUID         `json:"sourceId"`
	Status        models.TxStatus   `json:"status"`
	Hash          string            `json:"hash,omitempty"`
	Detail        string            `json:"detail,omitempty"`
	At            time.Time         `json:"at"`
}

// Feed fans committed transitions out to subscribers. Slow subscribers lose
// events rather than blocking the tracker.
type Feed struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Int64
}

// NewFeed constructs a feed with a per-subscriber buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan Event, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with buffer space.
func (f *Feed) Publish(ev Event) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded for full subscribers.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
