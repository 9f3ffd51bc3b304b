// Package fallback executes an ordered plan of backend/model steps,
// attempting each in turn until one succeeds. Every step's backend gets
// its own adaptive throttle, so failures on one backend never inflate
// another backend's delay estimate.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/paceflow/internal/metrics"
	"github.com/BaSui01/paceflow/throttle"
	"github.com/BaSui01/paceflow/types"
)

// tracerName identifies this package's otel tracer.
const tracerName = "github.com/BaSui01/paceflow/fallback"

// Step is one entry of a fallback plan: a backend, a model, an optional
// pool of key aliases, and the callable that performs the actual request.
// Steps are built per execution and discarded afterwards.
type Step struct {
	Backend    string
	Model      string
	KeyAliases []string
	// Invoke performs the call with the selected key alias ("" when the
	// step has no key pool) and reports the typed outcome.
	Invoke func(ctx context.Context, keyAlias string) types.CallResult
}

// StepFailure records one failed step attempt.
type StepFailure struct {
	StepIndex int
	Backend   string
	Model     string
	KeyAlias  string
	Kind      types.ErrorKind
	Err       error
}

// Outcome is the result of executing a fallback plan.
type Outcome struct {
	OK        bool
	RequestID string
	CallID    string
	// StepIndex is the index of the succeeding step, -1 when none did.
	StepIndex int
	Failures  []StepFailure
}

// Sleeper performs the actual suspension for an advisory wait. The
// executor never blocks outside of it.
type Sleeper func(ctx context.Context, d time.Duration) error

// defaultSleep waits on a timer, honoring context cancellation.
func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TokenEstimator projects the token cost of an input, feeding the TPM
// gate of each step's throttle.
type TokenEstimator interface {
	Estimate(text string) int
}

// Executor runs fallback plans. It lazily creates one throttle per
// backend from the options template, keyed by the step's Backend tag.
// Safe for concurrent use.
type Executor struct {
	mu        sync.Mutex
	template  throttle.Options
	throttles map[string]*throttle.Throttle

	estimator TokenEstimator
	sleep     Sleeper
	logger    *zap.Logger
	collector *metrics.Collector
	tracer    trace.Tracer
}

// NewExecutor creates an Executor whose per-backend throttles are built
// from the given options template (the template's Name is overridden with
// each backend tag). The template is validated here so a bad configuration
// fails fast rather than on the first execution.
func NewExecutor(template throttle.Options, estimator TokenEstimator, logger *zap.Logger) (*Executor, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		template:  template,
		throttles: make(map[string]*throttle.Throttle),
		estimator: estimator,
		sleep:     defaultSleep,
		logger:    logger.With(zap.String("component", "fallback_executor")),
		collector: metrics.Default(),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// SetSleeper replaces the suspension primitive, e.g. with a fake clock in
// tests. Must be called before Execute.
func (e *Executor) SetSleeper(s Sleeper) {
	if s != nil {
		e.sleep = s
	}
}

// ThrottleFor returns the throttle owning the given backend's rate-limit
// domain, creating it on first use.
func (e *Executor) ThrottleFor(backendName string) *throttle.Throttle {
	e.mu.Lock()
	defer e.mu.Unlock()

	if th, ok := e.throttles[backendName]; ok {
		return th
	}
	opts := e.template
	opts.Name = backendName
	th, err := throttle.New(opts, e.logger)
	if err != nil {
		// The template was validated in NewExecutor; only Name changed.
		panic(fmt.Sprintf("fallback: throttle construction failed from validated template: %v", err))
	}
	e.throttles[backendName] = th
	return th
}

// Execute runs the plan: for each step it waits as its backend's throttle
// advises, invokes the step (rotating through key aliases), and stops at
// the first success. On a failed attempt the outcome feeds that backend's
// throttle and the plan moves on. All steps failing yields an
// ErrAllStepsFailed error; a wait exceeding the throttle's budget
// surfaces ErrRateLimitExceeded immediately.
func (e *Executor) Execute(ctx context.Context, steps []Step, tags []string, input string) (Outcome, error) {
	start := time.Now()
	outcome := Outcome{
		RequestID: uuid.NewString(),
		StepIndex: -1,
	}

	ctx, span := e.tracer.Start(ctx, "fallback.Execute",
		trace.WithAttributes(
			attribute.String("request_id", outcome.RequestID),
			attribute.Int("steps", len(steps)),
			attribute.StringSlice("tags", tags),
		))
	defer span.End()

	if len(steps) == 0 {
		err := types.NewError(types.ErrConfiguration, "fallback plan has no steps")
		span.RecordError(err)
		return outcome, err
	}

	estimatedTokens := 0
	if e.estimator != nil && input != "" {
		estimatedTokens = e.estimator.Estimate(input)
	}

	var waited time.Duration
	var lastErr error

	for i, step := range steps {
		th := e.ThrottleFor(step.Backend)

		if err := e.waitForClearance(ctx, th, estimatedTokens, &waited); err != nil {
			span.RecordError(err)
			e.collector.ObserveFallbackDuration("aborted", time.Since(start))
			return outcome, err
		}

		keys := step.KeyAliases
		if len(keys) == 0 {
			keys = []string{""}
		}

		stepOK := false
		for _, key := range keys {
			callID := uuid.NewString()
			outcome.CallID = callID
			res := step.Invoke(ctx, key)

			if res.OK() {
				th.OnSuccess(res.TokensUsed)
				outcome.OK = true
				outcome.StepIndex = i
				stepOK = true
				e.collector.RecordFallbackStep(step.Backend, step.Model, "success")
				e.logger.Debug("step succeeded",
					zap.Int("step", i),
					zap.String("backend", step.Backend),
					zap.String("model", step.Model),
				)
				break
			}

			wait, shouldWait, err := th.OnFailure(res)
			outcome.Failures = append(outcome.Failures, StepFailure{
				StepIndex: i,
				Backend:   step.Backend,
				Model:     step.Model,
				KeyAlias:  key,
				Kind:      res.Kind,
				Err:       res.Err,
			})
			lastErr = res.Err
			e.collector.RecordFallbackStep(step.Backend, step.Model, res.Kind.String())
			e.logger.Warn("step attempt failed",
				zap.Int("step", i),
				zap.String("backend", step.Backend),
				zap.String("model", step.Model),
				zap.String("kind", res.Kind.String()),
				zap.Error(res.Err),
			)

			if err != nil {
				// Wait budget blown: autonomous retrying is not advisable.
				span.RecordError(err)
				e.collector.ObserveFallbackDuration("rate_limit_exceeded", time.Since(start))
				return outcome, err
			}
			if shouldWait {
				if err := e.budgetedSleep(ctx, wait, &waited); err != nil {
					span.RecordError(err)
					e.collector.ObserveFallbackDuration("aborted", time.Since(start))
					return outcome, err
				}
			}
		}

		if stepOK {
			break
		}
	}

	if !outcome.OK {
		err := types.NewError(types.ErrAllStepsFailed,
			fmt.Sprintf("all %d fallback steps failed", len(steps))).WithCause(lastErr)
		span.RecordError(err)
		e.collector.ObserveFallbackDuration("exhausted", time.Since(start))
		return outcome, err
	}

	e.collector.ObserveFallbackDuration("success", time.Since(start))
	return outcome, nil
}

// waitForClearance sleeps as the throttle advises until the request is
// clear to go or the context is cancelled.
func (e *Executor) waitForClearance(ctx context.Context, th *throttle.Throttle, estimatedTokens int, waited *time.Duration) error {
	for {
		wait, shouldWait := th.ShouldThrottle(estimatedTokens)
		if !shouldWait {
			return nil
		}
		if err := e.budgetedSleep(ctx, wait, waited); err != nil {
			return err
		}
	}
}

// budgetedSleep performs one advisory wait, accounting it against the
// cumulative wait budget of the running plan.
func (e *Executor) budgetedSleep(ctx context.Context, wait time.Duration, waited *time.Duration) error {
	if *waited+wait > e.template.MaxWait {
		return types.NewError(types.ErrRateLimitExceeded,
			fmt.Sprintf("cumulative wait %s would exceed budget %s", *waited+wait, e.template.MaxWait)).
			WithRetryAfter(wait)
	}
	*waited += wait
	return e.sleep(ctx, wait)
}
