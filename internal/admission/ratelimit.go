package admission

import (
	"sync"
	"time"
)

const (
	defaultFailureLimit  = 5
	defaultFailureWindow = 60 * time.Second
)

// FailureWindow tracks failed login attempts for one client over a sliding
// window. State is owned by the client session and passed into the
// controller; it is a UX deterrent, not a security boundary.
type FailureWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	failures []time.Time
}

// WindowOption configures a FailureWindow.
type WindowOption func(*FailureWindow)

// WithWindowClock overrides the time source (useful for tests).
func WithWindowClock(fn func() time.Time) WindowOption {
	return func(w *FailureWindow) {
		if fn != nil {
			w.now = fn
		}
	}
}

// WithWindowLimit overrides the failure threshold and window duration.
func WithWindowLimit(limit int, window time.Duration) WindowOption {
	return func(w *FailureWindow) {
		if limit > 0 {
			w.limit = limit
		}
		if window > 0 {
			w.window = window
		}
	}
}

// NewFailureWindow returns a window locking after 5 failures in 60 seconds.
func NewFailureWindow(opts ...WindowOption) *FailureWindow {
	w := &FailureWindow{
		limit:  defaultFailureLimit,
		window: defaultFailureWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RecordFailure counts one failed attempt at the current instant.
func (w *FailureWindow) RecordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	w.failures = append(w.failures, now)
}

// Reset clears the window after a successful authentication.
func (w *FailureWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = nil
}

// Locked reports whether the client is locked out and, if so, how long
// until the earliest counted failure leaves the window.
func (w *FailureWindow) Locked() (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)
	if len(w.failures) < w.limit {
		return false, 0
	}
	return true, w.failures[0].Add(w.window).Sub(now)
}

// prune drops failures older than the window. Caller holds the lock.
func (w *FailureWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.failures) && !w.failures[idx].After(cutoff) {
		idx++
	}
	w.failures = w.failures[idx:]
}
