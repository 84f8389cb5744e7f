package signal

import "sync"

// Event is a recorded emission.
type Event struct {
	Name         string
	Measurements Measurements
	Metadata     Metadata
}

// Recorder captures emitted events for inspection in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recorder and attaches it to the bus for all events.
func NewRecorder(bus *Bus) *Recorder {
	r := &Recorder{}
	bus.Attach("", r.handle)
	return r
}

func (r *Recorder) handle(event string, m Measurements, md Metadata) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Measurements: m, Metadata: md})
	r.mu.Unlock()
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the exact name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of events with the exact name.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}
