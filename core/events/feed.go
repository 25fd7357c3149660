package events

import (
	"sync"

	"escrowd/core/types"
)

// Payload is implemented by emitted events that expose their canonical record.
type Payload interface {
	Event() *types.Event
}

// Entry is a captured event together with its feed sequence number.
type Entry struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Feed is a bounded in-memory event sink. It retains the most recent events so
// external monitors can poll them over the gateway. Older entries are evicted
// once capacity is reached; sequence numbers keep growing across evictions.
type Feed struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	nextSeq  uint64
}

const defaultFeedCapacity = 256

// NewFeed builds a feed retaining up to capacity events. A non-positive
// capacity falls back to the default.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{capacity: capacity, nextSeq: 1}
}

// Emit implements the Emitter interface. Events that do not expose a payload
// record are dropped.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	carrier, ok := evt.(Payload)
	if !ok {
		return
	}
	record := carrier.Event()
	if record == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, Entry{Sequence: f.nextSeq, Event: record})
	f.nextSeq++
	if len(f.entries) > f.capacity {
		f.entries = f.entries[len(f.entries)-f.capacity:]
	}
}

// List returns up to limit entries with sequence numbers greater than afterSeq
// in emission order. A non-positive limit returns all retained matches.
func (f *Feed) List(afterSeq uint64, limit int) []Entry {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Entry, 0, len(f.entries))
	for _, entry := range f.entries {
		if entry.Sequence <= afterSeq {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
