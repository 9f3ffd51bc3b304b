package types

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrorKind is the closed set of failure classes a backend call can report.
// The throttle and the fallback executor branch on ErrorKind, never on
// exception introspection of arbitrary error values.
type ErrorKind int

const (
	// KindNone means the call succeeded.
	KindNone ErrorKind = iota
	// KindRateLimited means the upstream refused the call with a 429-style
	// signal, optionally carrying an explicit Retry-After.
	KindRateLimited
	// KindTransient covers timeouts, 5xx responses, and dropped connections.
	KindTransient
	// KindFatal covers 4xx-style errors that retrying cannot fix.
	KindFatal
	// KindUnknown covers errors carrying no recognizable signal.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// CallResult is the typed outcome of a single backend call.
type CallResult struct {
	Kind ErrorKind
	// RetryAfter is the server-advertised wait, zero when absent.
	// Meaningful only for KindRateLimited.
	RetryAfter time.Duration
	// TokensUsed is the token count consumed by the call, 0 when unknown.
	TokensUsed int
	Err        error
}

// OK reports whether the call succeeded.
func (r CallResult) OK() bool {
	return r.Kind == KindNone
}

// Success builds a successful CallResult.
func Success(tokensUsed int) CallResult {
	return CallResult{Kind: KindNone, TokensUsed: tokensUsed}
}

// Failure builds a CallResult for the given kind and error.
func Failure(kind ErrorKind, err error) CallResult {
	return CallResult{Kind: kind, Err: err}
}

// RateLimited builds a KindRateLimited result with an optional Retry-After.
func RateLimited(retryAfter time.Duration, err error) CallResult {
	return CallResult{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// statusCarrier matches error types that expose an HTTP-like status code,
// the shape shared by provider SDK errors.
type statusCarrier interface {
	StatusCode() int
}

// retryAfterCarrier matches error types that expose a Retry-After value.
type retryAfterCarrier interface {
	RetryAfterDuration() time.Duration
}

// Classify adapts a foreign error into the closed CallResult contract.
// Errors produced inside this library keep their codes; HTTP-status-bearing
// errors map 429 to KindRateLimited, 5xx and timeouts to KindTransient and
// remaining 4xx to KindFatal. Anything else is KindUnknown.
func Classify(err error) CallResult {
	if err == nil {
		return Success(0)
	}

	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Code == ErrRateLimitExceeded || e.HTTPStatus == http.StatusTooManyRequests:
			return RateLimited(e.RetryAfter, err)
		case e.HTTPStatus >= 500:
			return Failure(KindTransient, err)
		case e.HTTPStatus >= 400:
			return Failure(KindFatal, err)
		}
	}

	var sc statusCarrier
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		switch {
		case status == http.StatusTooManyRequests:
			var rc retryAfterCarrier
			if errors.As(err, &rc) {
				return RateLimited(rc.RetryAfterDuration(), err)
			}
			return RateLimited(0, err)
		case status >= 500:
			return Failure(KindTransient, err)
		case status >= 400:
			return Failure(KindFatal, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Failure(KindTransient, err)
	}

	return Failure(KindUnknown, err)
}
