package throttle

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/paceflow/internal/metrics"
	"github.com/BaSui01/paceflow/types"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultLearningWindow = 100
	DefaultRecencyWindow  = 20
	DefaultAdaptationRate = 0.1
	DefaultMinDelay       = 100 * time.Millisecond
	DefaultMaxDelay       = 300 * time.Second
	DefaultSafetyMargin   = 0.8
	DefaultMaxWait        = 5 * time.Minute
	DefaultMinSamples     = 10
)

// escalationCap bounds the 2^streak escalation on repeated 429s.
const escalationCap = 8

// Options configures a Throttle. The zero value plus Validate yields the
// documented defaults; invalid combinations fail fast at construction.
type Options struct {
	// Name labels the rate-limit domain this throttle guards, typically
	// the backend name. Used for logging and metrics only.
	Name string

	// LearningWindow bounds the request history used for pattern
	// analysis. Must be >= 1.
	LearningWindow int

	// RecencyWindow is the record count the success rate is computed
	// over. Defaults to 20.
	RecencyWindow int

	// AdaptationRate is the exponential-moving-average weight with which
	// each success folds the suggested delay into the current delay.
	// Must be in [0, 1].
	AdaptationRate float64

	// MinDelay and MaxDelay are hard clamps on the learned delay.
	// MinDelay must be >= 0 and MaxDelay >= MinDelay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Jitter randomizes the required spacing by +-10% to avoid
	// thundering-herd synchronization across many callers.
	Jitter bool

	// TPMLimit enables token-budget throttling when > 0.
	TPMLimit int

	// SafetyMargin scales TPMLimit before the projected-usage check.
	// Defaults to 0.8 when TPMLimit is set.
	SafetyMargin float64

	// MaxWait is the budget above which an explicit or computed wait is
	// treated as fatal. Defaults to 5 minutes.
	MaxWait time.Duration

	// MinSamples gates adaptation until enough records exist.
	MinSamples int

	// Clock overrides the time source, for tests. Defaults to time.Now.
	Clock func() time.Time

	// Window overrides the token window, e.g. with a RedisWindow shared
	// across processes. Defaults to an in-process FixedWindow.
	Window TokenWindow
}

// Validate applies defaults and rejects invalid combinations.
func (o *Options) Validate() error {
	if o.LearningWindow == 0 {
		o.LearningWindow = DefaultLearningWindow
	}
	if o.LearningWindow < 1 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("learning_window must be >= 1, got %d", o.LearningWindow))
	}
	if o.AdaptationRate == 0 {
		o.AdaptationRate = DefaultAdaptationRate
	}
	if o.AdaptationRate < 0 || o.AdaptationRate > 1 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("adaptation_rate must be in [0, 1], got %g", o.AdaptationRate))
	}
	if o.MinDelay == 0 {
		o.MinDelay = DefaultMinDelay
	}
	if o.MinDelay < 0 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("min_delay must be >= 0, got %s", o.MinDelay))
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.MinDelay {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("max_delay %s must be >= min_delay %s", o.MaxDelay, o.MinDelay))
	}
	if o.TPMLimit < 0 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("tpm_limit must be >= 0, got %d", o.TPMLimit))
	}
	if o.SafetyMargin == 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.SafetyMargin <= 0 || o.SafetyMargin > 1 {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("safety_margin must be in (0, 1], got %g", o.SafetyMargin))
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = DefaultRecencyWindow
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Window == nil {
		o.Window = NewFixedWindow()
	}
	return nil
}

// LearningStats is a read-only snapshot of the throttle's learning state.
type LearningStats struct {
	SuccessRate      float64       `json:"success_rate"`
	CurrentDelay     time.Duration `json:"current_delay"`
	Consecutive429s  int           `json:"consecutive_429s"`
	RequestsAnalyzed int           `json:"requests_analyzed"`
	LearningWindow   int           `json:"learning_window"`
}

// Throttle is the single authority answering whether the caller must wait
// before the next request. All state is guarded by one mutex, so a Throttle
// is safe for concurrent use; the design still assumes one instance per
// backend+credential combination.
type Throttle struct {
	mu sync.Mutex

	opts     Options
	history  *History
	analyzer *Analyzer
	window   TokenWindow

	currentDelay    time.Duration
	consecutive429s int
	lastRequest     time.Time

	logger    *zap.Logger
	collector *metrics.Collector
}

// New creates a Throttle. Configuration violations are fatal here: the
// returned error carries types.ErrConfiguration and the throttle is nil.
func New(opts Options, logger *zap.Logger) (*Throttle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{
		opts:         opts,
		history:      NewHistory(opts.LearningWindow),
		analyzer:     NewAnalyzer(opts.MinSamples),
		window:       opts.Window,
		currentDelay: opts.MinDelay,
		logger: logger.With(
			zap.String("component", "throttle"),
			zap.String("backend", opts.Name),
		),
		collector: metrics.Default(),
	}, nil
}

// ShouldThrottle reports whether the caller must wait before issuing the
// next request, and for how long. ok is false when the call is clear to
// go; the throttle then considers it in flight and stamps the request
// time. The larger of the time-based and token-based required waits wins.
//
// estimatedTokens is the projected token cost of the request, 0 when
// unknown or when no TPM limit is configured.
func (t *Throttle) ShouldThrottle(estimatedTokens int) (wait time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Clock()

	var timeWait time.Duration
	if !t.lastRequest.IsZero() {
		required := t.currentDelay
		if t.opts.Jitter {
			// +-10% around the learned spacing.
			required = time.Duration(float64(required) * (0.9 + 0.2*rand.Float64()))
		}
		if elapsed := now.Sub(t.lastRequest); elapsed < required {
			timeWait = required - elapsed
		}
	}

	var tokenWait time.Duration
	if t.opts.TPMLimit > 0 && estimatedTokens > 0 {
		budget := int64(float64(t.opts.TPMLimit) * t.opts.SafetyMargin)
		if t.window.Projected(now, estimatedTokens) > budget {
			tokenWait = t.window.RollWait(now)
			t.collector.RecordWindowRejection(t.opts.Name)
		}
	}

	wait = timeWait
	reason := "spacing"
	if tokenWait > wait {
		wait = tokenWait
		reason = "token_budget"
	}
	if wait > 0 {
		t.collector.ObserveWait(t.opts.Name, reason, wait)
		return wait, true
	}

	t.lastRequest = now
	return 0, false
}

// OnSuccess records a successful request, resets the rate-limit streak,
// and folds the analyzer's suggested delay into the current delay with an
// exponential moving average, clamped to [MinDelay, MaxDelay].
//
// tokensUsed is the token count the request consumed, 0 when unknown.
func (t *Throttle) OnSuccess(tokensUsed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Clock()
	t.consecutive429s = 0
	t.history.Record(now, true, t.currentDelay, tokensUsed)
	if t.opts.TPMLimit > 0 {
		t.window.Add(now, tokensUsed)
	}

	rate := t.history.SuccessRate(t.opts.RecencyWindow)
	suggested := t.analyzer.Suggest(t.history, now, rate, t.consecutive429s, t.currentDelay)
	t.updateDelay(suggested)

	t.collector.RecordOutcome(t.opts.Name, "success")
}

// OnFailure records a failed request and, for rate-limit failures, answers
// how long to back off. Non-rate-limit failures are recorded for the
// statistics only and yield ok=false: this mechanism has no opinion on them.
//
// A rate-limit failure increments the streak. An explicit Retry-After is
// honored directly; an absent one yields an adaptive delay escalating with
// the streak. Either way, a wait exceeding the MaxWait budget returns a
// types.ErrRateLimitExceeded error instead, signaling that autonomous
// retrying is not advisable.
func (t *Throttle) OnFailure(result types.CallResult) (wait time.Duration, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Clock()

	if result.Kind != types.KindRateLimited {
		t.history.Record(now, false, t.currentDelay, 0)
		t.collector.RecordOutcome(t.opts.Name, result.Kind.String())
		return 0, false, nil
	}

	t.consecutive429s++
	t.history.Record(now, false, t.currentDelay, 0)
	t.collector.RecordOutcome(t.opts.Name, "rate_limited")

	if result.RetryAfter > 0 {
		wait = result.RetryAfter
	} else {
		streak := t.consecutive429s
		if streak > escalationCap {
			streak = escalationCap
		}
		wait = time.Duration(float64(t.currentDelay) * math.Pow(2, float64(streak)))
		if wait > t.opts.MaxDelay {
			wait = t.opts.MaxDelay
		}
	}

	if wait > t.opts.MaxWait {
		t.logger.Warn("rate-limit wait exceeds budget",
			zap.Duration("wait", wait),
			zap.Duration("budget", t.opts.MaxWait),
			zap.Int("consecutive_429s", t.consecutive429s),
		)
		return 0, false, types.NewError(types.ErrRateLimitExceeded,
			fmt.Sprintf("required wait %s exceeds budget %s", wait, t.opts.MaxWait)).
			WithBackend(t.opts.Name).
			WithRetryAfter(wait)
	}

	t.logger.Debug("backing off after rate limit",
		zap.Duration("wait", wait),
		zap.Int("consecutive_429s", t.consecutive429s),
	)
	t.collector.ObserveWait(t.opts.Name, "rate_limited", wait)
	return wait, true, nil
}

// ResetLearning discards all learned state: history cleared, delay back to
// MinDelay, streak zeroed, token window emptied. Idempotent.
func (t *Throttle) ResetLearning() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history.Reset()
	t.window.Reset()
	t.currentDelay = t.opts.MinDelay
	t.consecutive429s = 0
	t.lastRequest = time.Time{}
	t.collector.SetCurrentDelay(t.opts.Name, t.currentDelay)
}

// Stats returns a read-only snapshot of the learning state.
func (t *Throttle) Stats() LearningStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return LearningStats{
		SuccessRate:      t.history.SuccessRate(t.opts.RecencyWindow),
		CurrentDelay:     t.currentDelay,
		Consecutive429s:  t.consecutive429s,
		RequestsAnalyzed: t.history.Len(),
		LearningWindow:   t.opts.LearningWindow,
	}
}

// updateDelay folds suggested into the current delay via EMA and clamps.
// Callers must hold t.mu.
func (t *Throttle) updateDelay(suggested time.Duration) {
	rate := t.opts.AdaptationRate
	next := time.Duration((1-rate)*float64(t.currentDelay) + rate*float64(suggested))
	if next < t.opts.MinDelay {
		next = t.opts.MinDelay
	}
	if next > t.opts.MaxDelay {
		next = t.opts.MaxDelay
	}
	t.currentDelay = next
	t.collector.SetCurrentDelay(t.opts.Name, next)
}
