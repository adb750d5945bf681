package audit

import (
	"context"
	"sync"
	"time"
)

// DefaultRingSize bounds the in-memory trail.
const DefaultRingSize = 4096

// Ring is a bounded in-memory Trail for tests and single-process setups.
// Oldest events fall off once the capacity is reached.
type Ring struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pub    Publisher
	source string
}

// NewRing builds an in-memory trail holding at most size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{size: size}
}

// AttachPublisher fans future appends out on sys.audit.event.
func (r *Ring) AttachPublisher(p Publisher, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub = p
	r.source = source
}

func (r *Ring) Append(_ context.Context, ev Event) (Event, error) {
	ev, err := prepare(ev)
	if err != nil {
		return Event{}, err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > r.size {
		r.events = r.events[len(r.events)-r.size:]
	}
	pub, source := r.pub, r.source
	r.mu.Unlock()

	publish(pub, source, ev)
	return ev, nil
}

func (r *Ring) Query(_ context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if !matches(f, ev) {
			continue
		}
		out = append(out, ev)
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Ring) Stats(_ context.Context, window time.Duration) (Stats, error) {
	if window <= 0 {
		window = defaultStatsWindow
	}
	to := time.Now().UTC()
	from := to.Add(-window)

	r.mu.RLock()
	defer r.mu.RUnlock()

	inWindow := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Time.Before(from) || ev.Time.After(to) {
			continue
		}
		inWindow = append(inWindow, ev)
	}
	return summarize(inWindow, from, to), nil
}

// Len reports how many events the ring currently holds.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
