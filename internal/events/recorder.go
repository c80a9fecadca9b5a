package events

import (
	"sync"
	"time"

	"github.com/amaumene/ytgrab/internal/models"
)

// Recorder collects events in arrival order
type Recorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
	notify chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Record appends an event. It has the signature Bus.Subscribe expects.
func (r *Recorder) Record(ev models.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []models.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusEvent(nil), r.events...)
}

// States returns the distinct consecutive states recorded for a job
func (r *Recorder) States(jobID string) []models.JobState {
	var states []models.JobState
	for _, ev := range r.Events() {
		if ev.JobID != jobID {
			continue
		}
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
	}
	return states
}

// WaitFor blocks until match returns true for a recorded event or the
// timeout expires
func (r *Recorder) WaitFor(timeout time.Duration, match func(models.StatusEvent) bool) (models.StatusEvent, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		for _, ev := range r.Events() {
			if match(ev) {
				return ev, true
			}
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return models.StatusEvent{}, false
		}
	}
}

// WaitForState waits until a job reports the given state
func (r *Recorder) WaitForState(jobID string, state models.JobState, timeout time.Duration) bool {
	_, ok := r.WaitFor(timeout, func(ev models.StatusEvent) bool {
		return ev.JobID == jobID && ev.State == state
	})
	return ok
}
