package reclaimer

import (
	"context"
	"sync"
	"time"
)

// ThrottleWindow implements Throttle by counting upstream ErrThrottled
// events observed over a rolling window (spec.md: "state-table write
// throttling over the last minute"). Once the window's event count
// reaches the configured threshold, Allow returns false and the
// reclaimer skips its cycle rather than adding load to a store already
// under pressure.
type ThrottleWindow struct {
	window    time.Duration
	threshold int

	mu     sync.Mutex
	events []time.Time
}

// NewThrottleWindow builds a signal that skips once threshold or more
// ErrThrottled events were observed within window. threshold <= 0 never
// skips.
func NewThrottleWindow(window time.Duration, threshold int) *ThrottleWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &ThrottleWindow{window: window, threshold: threshold}
}

// Observe records one upstream ErrThrottled occurrence. Safe to pass
// directly as a statetable.Ops.WithThrottleObserver callback.
func (w *ThrottleWindow) Observe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, time.Now())
}

// Allow implements Throttle.
func (w *ThrottleWindow) Allow(context.Context) bool {
	if w.threshold <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-w.window)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept
	return len(w.events) < w.threshold
}
