package throttle

import "time"

// TokenWindow accumulates token usage per fixed one-minute window,
// enforcing a tokens-per-minute budget in addition to time-based spacing.
type TokenWindow interface {
	// Projected returns the window sum as if estimated more tokens were
	// consumed right now.
	Projected(now time.Time, estimated int) int64

	// Add records consumed tokens in the current window.
	Add(now time.Time, tokens int)

	// RollWait returns the wait sufficient to roll into the next window.
	RollWait(now time.Time) time.Duration

	// Reset discards all accumulated usage.
	Reset()
}

// FixedWindow is the in-process TokenWindow: a single accumulator that
// resets on every minute boundary.
type FixedWindow struct {
	windowStart time.Time
	sum         int64
}

// NewFixedWindow creates an empty FixedWindow.
func NewFixedWindow() *FixedWindow {
	return &FixedWindow{}
}

// roll resets the accumulator when now has crossed into a new minute.
func (w *FixedWindow) roll(now time.Time) {
	start := now.Truncate(time.Minute)
	if !start.Equal(w.windowStart) {
		w.windowStart = start
		w.sum = 0
	}
}

// Projected implements TokenWindow.
func (w *FixedWindow) Projected(now time.Time, estimated int) int64 {
	w.roll(now)
	return w.sum + int64(estimated)
}

// Add implements TokenWindow.
func (w *FixedWindow) Add(now time.Time, tokens int) {
	if tokens <= 0 {
		return
	}
	w.roll(now)
	w.sum += int64(tokens)
}

// RollWait implements TokenWindow.
func (w *FixedWindow) RollWait(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

// Reset implements TokenWindow.
func (w *FixedWindow) Reset() {
	w.windowStart = time.Time{}
	w.sum = 0
}
