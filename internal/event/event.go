// Package event carries the logical build-event stream.
//
// Events record decisions the executor made (a recipe spawned, a target
// confirmed fresh, a branch skipped). They are observational only: recording
// is inert and must never affect execution behavior. The CLI summary, the run
// journal and the tests are the consumers.
package event

import "sync"

// Kind is the stable discriminator for build events.
type Kind string

const (
	RecipeStarted Kind = "RecipeStarted"
	TargetBuilt   Kind = "TargetBuilt"
	TargetFresh   Kind = "TargetFresh"
	TargetFailed  Kind = "TargetFailed"
	TargetSkipped Kind = "TargetSkipped"
)

// Event is a single logical decision or transition.
type Event struct {
	Kind   Kind
	Target string

	// Cause names a related target (the failed upstream for a skip) or a
	// stable reason code ("missing-input", "aborted").
	Cause string
}

// Sink is the minimal interface the executor depends on.
//
// Record must be inert: it must not panic and must not return errors. Callers
// must assume Record may be a no-op.
type Sink interface {
	Record(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and guarantees inertness even if the sink is
// buggy. Panics from the sink are swallowed.
func SafeRecord(s Sink, e Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(e)
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far, in arrival order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
