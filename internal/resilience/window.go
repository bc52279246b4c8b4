package resilience

import (
	"sync"
	"time"
)

// Window counts events inside a sliding time window. The stream controller
// uses one to detect media restart storms and another for segment-drop
// escalation (both "more than N within 60 s" rules).
//
// Safe for concurrent use.
type Window struct {
	span time.Duration
	now  func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewWindow creates a Window spanning the given duration.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span, now: time.Now}
}

// Observe records one event and returns the number of events currently
// inside the window, including this one.
func (w *Window) Observe() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.events = append(w.events, now)
	return len(w.events)
}

// Count returns the number of events currently inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.events)
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	w.events = w.events[i:]
}
