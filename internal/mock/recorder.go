package mock

import (
	"context"
	"sync"
	"time"

	"st_trading/internal/core"
	"st_trading/internal/event"
)

// Recorder captures bus events for assertions. Publish on the bus waits
// for handlers, so after a synchronous publish the recorder is already
// complete; WaitFor covers events produced by background goroutines.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Subscribe attaches the recorder to a subject pattern.
func (r *Recorder) Subscribe(bus *event.Bus, pattern, name string) {
	bus.Subscribe(pattern, name, func(ctx context.Context, evt event.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, evt)
		return nil
	})
}

// Events returns a copy of everything captured so far.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// BySubject returns captured events with an exactly matching subject.
func (r *Recorder) BySubject(subject string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, evt := range r.events {
		if evt.Subject == subject {
			out = append(out, evt)
		}
	}
	return out
}

// Count reports how many events with the subject were captured.
func (r *Recorder) Count(subject string) int {
	return len(r.BySubject(subject))
}

// Last returns the most recent event with the subject, or a zero event.
func (r *Recorder) Last(subject string) (event.Event, bool) {
	events := r.BySubject(subject)
	if len(events) == 0 {
		return event.Event{}, false
	}
	return events[len(events)-1], true
}

// WaitFor polls until at least n events with the subject arrive or the
// timeout elapses. Returns whether the threshold was reached.
func (r *Recorder) WaitFor(subject string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count(subject) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reset clears the captured events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// NopLogger discards all output. Tests that assert behaviour rather
// than logging use it to keep output quiet.
type NopLogger struct{}

func (l *NopLogger) Debug(msg string, fields ...interface{})               {}
func (l *NopLogger) Info(msg string, fields ...interface{})                {}
func (l *NopLogger) Warn(msg string, fields ...interface{})                {}
func (l *NopLogger) Error(msg string, fields ...interface{})               {}
func (l *NopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *NopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *NopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }
