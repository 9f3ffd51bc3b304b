package throttle

import (
	"math"
	"sort"
	"time"

	"github.com/BaSui01/paceflow/types"
)

// Success-rate thresholds for delay adjustment. Above the high mark the
// system is overly conservative and the delay shrinks; below the low mark
// the system is getting rate-limited and the delay grows.
const (
	highSuccessRate = 0.95
	lowSuccessRate  = 0.80

	shrinkFactor   = 0.8
	growFactor     = 1.5
	streakExponent = 1.2
)

// Analyzer computes a suggested next delay from the request history.
// The median-over-hour-bucket baseline is a best-effort heuristic: it
// converges by observation, no optimality is claimed.
type Analyzer struct {
	// MinSamples is the record count below which the analyzer refuses to
	// adapt and returns the current delay unchanged.
	MinSamples int
}

// NewAnalyzer creates an Analyzer with the given minimum sample count.
// Values below 1 fall back to the default of 10.
func NewAnalyzer(minSamples int) *Analyzer {
	if minSamples < 1 {
		minSamples = 10
	}
	return &Analyzer{MinSamples: minSamples}
}

// Suggest returns the suggested next delay given the history, the success
// rate over the recency window, the consecutive rate-limit streak, and the
// delay currently in effect. The result is unclamped; the throttle clamps
// when folding it into its state.
func (a *Analyzer) Suggest(h *History, now time.Time, successRate float64, streak int, current time.Duration) time.Duration {
	if h.Len() < a.MinSamples {
		return current
	}

	bucket := h.ByHourBucket(now.Hour())
	if len(bucket) == 0 {
		bucket = h.Recent(h.Len())
	}
	suggested := medianDelay(bucket)

	switch {
	case successRate > highSuccessRate:
		suggested = time.Duration(float64(suggested) * shrinkFactor)
	case successRate < lowSuccessRate:
		suggested = time.Duration(float64(suggested) * growFactor)
	}

	if streak > 0 {
		suggested = time.Duration(float64(suggested) * math.Pow(streakExponent, float64(streak)))
	}

	return suggested
}

// medianDelay returns the median DelayUsed of the given records.
func medianDelay(records []types.RequestRecord) time.Duration {
	if len(records) == 0 {
		return 0
	}
	delays := make([]time.Duration, len(records))
	for i, r := range records {
		delays[i] = r.DelayUsed
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })

	mid := len(delays) / 2
	if len(delays)%2 == 1 {
		return delays[mid]
	}
	return (delays[mid-1] + delays[mid]) / 2
}
