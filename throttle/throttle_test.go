package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/paceflow/types"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestThrottle(t *testing.T, opts Options) (*Throttle, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Clock = clock.Now
	th, err := New(opts, nil)
	require.NoError(t, err)
	return th, clock
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "zero value gets defaults", opts: Options{}},
		{name: "negative learning window", opts: Options{LearningWindow: -1}, wantErr: true},
		{name: "adaptation rate above one", opts: Options{AdaptationRate: 1.5}, wantErr: true},
		{name: "adaptation rate negative", opts: Options{AdaptationRate: -0.1}, wantErr: true},
		{name: "negative min delay", opts: Options{MinDelay: -time.Second}, wantErr: true},
		{name: "max below min", opts: Options{MinDelay: 10 * time.Second, MaxDelay: time.Second}, wantErr: true},
		{name: "negative tpm limit", opts: Options{TPMLimit: -1}, wantErr: true},
		{name: "safety margin above one", opts: Options{TPMLimit: 1000, SafetyMargin: 1.5}, wantErr: true},
		{name: "valid full config", opts: Options{
			LearningWindow: 50,
			AdaptationRate: 0.2,
			MinDelay:       time.Second,
			MaxDelay:       time.Minute,
			TPMLimit:       90000,
			SafetyMargin:   0.8,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsConfiguration(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOptions_ValidateDefaults(t *testing.T) {
	opts := Options{}
	require.NoError(t, opts.Validate())

	assert.Equal(t, DefaultLearningWindow, opts.LearningWindow)
	assert.Equal(t, DefaultRecencyWindow, opts.RecencyWindow)
	assert.Equal(t, DefaultAdaptationRate, opts.AdaptationRate)
	assert.Equal(t, DefaultMinDelay, opts.MinDelay)
	assert.Equal(t, DefaultMaxDelay, opts.MaxDelay)
	assert.Equal(t, DefaultMaxWait, opts.MaxWait)
	assert.NotNil(t, opts.Clock)
	assert.NotNil(t, opts.Window)
}

func TestNew_ConfigurationFailsFast(t *testing.T) {
	th, err := New(Options{AdaptationRate: 2}, nil)
	require.Error(t, err)
	assert.Nil(t, th)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestShouldThrottle_FirstCallClear(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MinDelay: 5 * time.Second})

	wait, throttled := th.ShouldThrottle(0)
	assert.False(t, throttled)
	assert.Zero(t, wait)
}

func TestShouldThrottle_ImmediateRepeatWaits(t *testing.T) {
	th, clock := newTestThrottle(t, Options{MinDelay: 5 * time.Second})

	_, throttled := th.ShouldThrottle(0)
	require.False(t, throttled)

	// No time has passed: the full spacing remains.
	wait, throttled := th.ShouldThrottle(0)
	require.True(t, throttled)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 5*time.Second)

	// The deficit shrinks monotonically as time passes.
	clock.Advance(2 * time.Second)
	shorter, throttled := th.ShouldThrottle(0)
	require.True(t, throttled)
	assert.Less(t, shorter, wait)

	// After the full spacing has elapsed the call is clear.
	clock.Advance(3 * time.Second)
	wait, throttled = th.ShouldThrottle(0)
	assert.False(t, throttled)
	assert.Zero(t, wait)
}

func TestShouldThrottle_JitterBounds(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MinDelay: 10 * time.Second, Jitter: true})

	_, throttled := th.ShouldThrottle(0)
	require.False(t, throttled)

	for i := 0; i < 100; i++ {
		wait, throttled := th.ShouldThrottle(0)
		require.True(t, throttled)
		assert.GreaterOrEqual(t, wait, 9*time.Second-time.Millisecond)
		assert.LessOrEqual(t, wait, 11*time.Second+time.Millisecond)
	}
}

func TestShouldThrottle_TokenBudget(t *testing.T) {
	th, clock := newTestThrottle(t, Options{
		MinDelay:     time.Millisecond,
		TPMLimit:     1000,
		SafetyMargin: 0.8,
	})

	// Budget is 800; a projected 900 must wait for the window roll.
	wait, throttled := th.ShouldThrottle(900)
	require.True(t, throttled)
	assert.Equal(t, time.Minute-clock.Now().Sub(clock.Now().Truncate(time.Minute)), wait)

	// Within budget the call is clear.
	_, throttled = th.ShouldThrottle(100)
	assert.False(t, throttled)
}

func TestShouldThrottle_TokenBudgetAfterUsage(t *testing.T) {
	th, clock := newTestThrottle(t, Options{
		MinDelay:     time.Millisecond,
		TPMLimit:     1000,
		SafetyMargin: 0.8,
	})

	_, throttled := th.ShouldThrottle(100)
	require.False(t, throttled)
	th.OnSuccess(700)

	clock.Advance(10 * time.Millisecond)
	// 700 already consumed this minute: 200 more overflows the 800 budget.
	wait, throttled := th.ShouldThrottle(200)
	require.True(t, throttled)
	assert.Greater(t, wait, time.Duration(0))

	// Rolling into the next minute clears the accumulator.
	clock.Advance(time.Minute)
	_, throttled = th.ShouldThrottle(200)
	assert.False(t, throttled)
}

func TestUpdateDelay_EMAExact(t *testing.T) {
	th, _ := newTestThrottle(t, Options{
		AdaptationRate: 0.2,
		MinDelay:       time.Second,
		MaxDelay:       100 * time.Second,
	})
	th.currentDelay = 10 * time.Second

	th.updateDelay(20 * time.Second)

	// (1-0.2)*10 + 0.2*20 = 12.
	assert.Equal(t, 12*time.Second, th.currentDelay)
}

func TestUpdateDelay_Clamps(t *testing.T) {
	th, _ := newTestThrottle(t, Options{
		AdaptationRate: 1.0,
		MinDelay:       time.Second,
		MaxDelay:       10 * time.Second,
	})

	th.updateDelay(time.Hour)
	assert.Equal(t, 10*time.Second, th.currentDelay)

	th.updateDelay(0)
	assert.Equal(t, time.Second, th.currentDelay)
}

func TestOnFailure_NonRateLimitHasNoOpinion(t *testing.T) {
	th, _ := newTestThrottle(t, Options{})

	wait, shouldWait, err := th.OnFailure(types.Failure(types.KindTransient, assert.AnError))
	require.NoError(t, err)
	assert.False(t, shouldWait)
	assert.Zero(t, wait)

	// The failure is still recorded for the statistics.
	stats := th.Stats()
	assert.Equal(t, 1, stats.RequestsAnalyzed)
	assert.Zero(t, stats.Consecutive429s)
}

func TestOnFailure_EscalatingWaits(t *testing.T) {
	th, _ := newTestThrottle(t, Options{
		MinDelay: time.Second,
		MaxDelay: 300 * time.Second,
		MaxWait:  10 * time.Minute,
	})

	var prev time.Duration
	for i := 0; i < 6; i++ {
		wait, shouldWait, err := th.OnFailure(types.RateLimited(0, assert.AnError))
		require.NoError(t, err)
		require.True(t, shouldWait)
		assert.GreaterOrEqual(t, wait, prev, "waits must be non-decreasing")
		prev = wait
	}
	assert.Equal(t, 6, th.Stats().Consecutive429s)
}

func TestOnFailure_HonorsRetryAfter(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MaxWait: time.Minute})

	wait, shouldWait, err := th.OnFailure(types.RateLimited(42*time.Second, assert.AnError))
	require.NoError(t, err)
	require.True(t, shouldWait)
	assert.Equal(t, 42*time.Second, wait)
}

func TestOnFailure_RetryAfterOverBudget(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MaxWait: time.Minute})

	wait, shouldWait, err := th.OnFailure(types.RateLimited(2*time.Minute, assert.AnError))
	require.Error(t, err)
	assert.True(t, types.IsRateLimitExceeded(err))
	assert.False(t, shouldWait)
	assert.Zero(t, wait)
}

func TestOnFailure_BudgetBoundaryIsInclusive(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MaxWait: time.Minute})

	// Exactly the budget is still honored; only exceeding it raises.
	_, shouldWait, err := th.OnFailure(types.RateLimited(time.Minute, assert.AnError))
	require.NoError(t, err)
	assert.True(t, shouldWait)
}

func TestOnSuccess_ResetsStreak(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MaxWait: time.Hour})

	for i := 0; i < 3; i++ {
		_, _, err := th.OnFailure(types.RateLimited(0, assert.AnError))
		require.NoError(t, err)
	}
	require.Equal(t, 3, th.Stats().Consecutive429s)

	th.OnSuccess(0)
	assert.Zero(t, th.Stats().Consecutive429s)
}

func TestResetLearning(t *testing.T) {
	th, _ := newTestThrottle(t, Options{MinDelay: time.Second, MaxWait: time.Hour})

	_, throttled := th.ShouldThrottle(0)
	require.False(t, throttled)
	th.OnSuccess(100)
	_, _, err := th.OnFailure(types.RateLimited(0, assert.AnError))
	require.NoError(t, err)

	th.ResetLearning()

	stats := th.Stats()
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, time.Second, stats.CurrentDelay)
	assert.Zero(t, stats.Consecutive429s)
	assert.Zero(t, stats.RequestsAnalyzed)

	// Idempotent: a second reset leaves the same state.
	th.ResetLearning()
	assert.Equal(t, stats, th.Stats())
}

func TestStats_Snapshot(t *testing.T) {
	th, _ := newTestThrottle(t, Options{LearningWindow: 42})

	th.OnSuccess(0)
	th.OnSuccess(0)

	stats := th.Stats()
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 2, stats.RequestsAnalyzed)
	assert.Equal(t, 42, stats.LearningWindow)
}

// TestDelayBoundsInvariant verifies that no sequence of successes and
// failures can push the learned delay outside [MinDelay, MaxDelay].
func TestDelayBoundsInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minDelay := time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(rt, "min"))
		maxDelay := minDelay + time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "span"))

		clock := newFakeClock()
		th, err := New(Options{
			MinDelay:       minDelay,
			MaxDelay:       maxDelay,
			AdaptationRate: rapid.Float64Range(0, 1).Draw(rt, "rate"),
			LearningWindow: rapid.IntRange(1, 200).Draw(rt, "window"),
			MaxWait:        time.Hour,
			Clock:          clock.Now,
		}, nil)
		if err != nil {
			rt.Skip()
		}

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(rt, "advance")))
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				th.OnSuccess(rapid.IntRange(0, 1000).Draw(rt, "tokens"))
			case 1:
				_, _, _ = th.OnFailure(types.RateLimited(0, assert.AnError))
			case 2:
				_, _, _ = th.OnFailure(types.Failure(types.KindTransient, assert.AnError))
			}

			delay := th.Stats().CurrentDelay
			if delay < minDelay || delay > maxDelay {
				rt.Fatalf("current delay %s escaped [%s, %s]", delay, minDelay, maxDelay)
			}
		}
	})
}
