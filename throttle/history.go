package throttle

import (
	"time"

	"github.com/BaSui01/paceflow/types"
)

// History is a bounded FIFO ledger of request outcomes. It is the
// statistical basis for throttling decisions: recency views feed the
// success rate and hour-of-day views feed diurnal pattern learning.
//
// History is not safe for concurrent use on its own; the owning Throttle
// serializes all access behind its mutex.
type History struct {
	records []types.RequestRecord
	window  int
}

// NewHistory creates a History bounded to the most recent window records.
func NewHistory(window int) *History {
	return &History{
		records: make([]types.RequestRecord, 0, window),
		window:  window,
	}
}

// Record appends an outcome, evicting the oldest record once the bound
// is exceeded. It always succeeds.
func (h *History) Record(now time.Time, success bool, delayUsed time.Duration, tokens int) {
	h.records = append(h.records, types.RequestRecord{
		Timestamp: now,
		Success:   success,
		DelayUsed: delayUsed,
		Tokens:    tokens,
	})
	if len(h.records) > h.window {
		over := len(h.records) - h.window
		h.records = append(h.records[:0], h.records[over:]...)
	}
}

// Recent returns the last n records (fewer if the history is shorter),
// insertion order preserved.
func (h *History) Recent(n int) []types.RequestRecord {
	if n <= 0 {
		return nil
	}
	if n > len(h.records) {
		n = len(h.records)
	}
	out := make([]types.RequestRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// ByHourBucket returns the records whose timestamp falls in the given
// hour-of-day bucket (0-23), across all days.
func (h *History) ByHourBucket(hour int) []types.RequestRecord {
	var out []types.RequestRecord
	for _, r := range h.records {
		if r.Timestamp.Hour() == hour {
			out = append(out, r)
		}
	}
	return out
}

// SuccessRate computes the success fraction over the last n records.
// An empty history counts as fully healthy.
func (h *History) SuccessRate(n int) float64 {
	recent := h.Recent(n)
	if len(recent) == 0 {
		return 1.0
	}
	ok := 0
	for _, r := range recent {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(recent))
}

// Len returns the number of retained records.
func (h *History) Len() int {
	return len(h.records)
}

// Reset discards all records.
func (h *History) Reset() {
	h.records = h.records[:0]
}
