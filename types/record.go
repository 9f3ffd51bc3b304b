package types

import "time"

// RequestRecord is one completed request attempt as observed by the throttle.
// Immutable once created; owned exclusively by the request history.
type RequestRecord struct {
	Timestamp time.Time
	Success   bool
	// DelayUsed is the inter-request delay in effect when the attempt
	// was issued.
	DelayUsed time.Duration
	// Tokens is the token count consumed by the attempt, 0 when unknown.
	Tokens int
}
