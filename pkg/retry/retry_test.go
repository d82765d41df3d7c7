package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func TestPermanentCategoriesNeverRetry(t *testing.T) {
	r := New(Options{})
	for _, cat := range []types.ErrorCategory{types.ErrorAuth, types.ErrorDataParse, types.ErrorInternal} {
		delay, ok := r.Decision(cat, 1)
		assert.False(t, ok, "category %s must not retry", cat)
		assert.Zero(t, delay)
		assert.False(t, r.Retryable(cat))
	}
}

func TestTransientCategoriesRetry(t *testing.T) {
	r := New(Options{})
	for _, cat := range []types.ErrorCategory{types.ErrorTransientNetwork, types.ErrorTimeout, types.ErrorResource, types.ErrorUnknown} {
		_, ok := r.Decision(cat, 1)
		assert.True(t, ok, "category %s must retry", cat)
	}
}

func TestCeilingStopsRetries(t *testing.T) {
	r := New(Options{Ceiling: 3})
	_, ok := r.Decision(types.ErrorTransientNetwork, 2)
	assert.True(t, ok)
	_, ok = r.Decision(types.ErrorTransientNetwork, 3)
	assert.False(t, ok)
	_, ok = r.Decision(types.ErrorTransientNetwork, 10)
	assert.False(t, ok)
}

func TestPerCategoryCeilingOverride(t *testing.T) {
	r := New(Options{
		Ceiling: 5,
		Policies: map[types.ErrorCategory]Policy{
			types.ErrorTimeout: {Strategy: Linear, Base: time.Second, Ceiling: 2},
		},
	})
	assert.Equal(t, 2, r.Ceiling(types.ErrorTimeout))
	assert.Equal(t, 5, r.Ceiling(types.ErrorTransientNetwork))

	_, ok := r.Decision(types.ErrorTimeout, 2)
	assert.False(t, ok)
	_, ok = r.Decision(types.ErrorTransientNetwork, 2)
	assert.True(t, ok)
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	capAt := time.Second
	r := New(Options{Base: base, Factor: 2, Cap: capAt, Ceiling: 10})

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		delay, ok := r.Decision(types.ErrorTransientNetwork, attempt)
		assert.True(t, ok)
		// Jitter adds at most delay/4, so the un-jittered value is bounded.
		assert.LessOrEqual(t, delay, capAt+capAt/4)
		if attempt > 1 && prev < capAt {
			assert.Greater(t, delay, prev/2, "backoff should trend upward before the cap")
		}
		prev = delay
	}
}

func TestLinearBackoffScalesWithAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	r := New(Options{Base: base, Cap: time.Minute, Ceiling: 10})

	d1, ok := r.Decision(types.ErrorTimeout, 1)
	assert.True(t, ok)
	d4, ok := r.Decision(types.ErrorTimeout, 4)
	assert.True(t, ok)

	// attempt 1: [base, 1.25*base); attempt 4: [4*base, 5*base)
	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+base/2)
	assert.GreaterOrEqual(t, d4, 4*base)
}

func TestJitterBounds(t *testing.T) {
	base := 200 * time.Millisecond
	r := New(Options{Base: base, Cap: time.Minute, Ceiling: 10,
		Policies: map[types.ErrorCategory]Policy{
			types.ErrorUnknown: {Strategy: Fixed, Base: base},
		},
	})

	for i := 0; i < 50; i++ {
		delay, ok := r.Decision(types.ErrorUnknown, 1)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, delay, base)
		assert.LessOrEqual(t, delay, base+base/4)
	}
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "NONE", None.String())
	assert.Equal(t, "FIXED", Fixed.String())
	assert.Equal(t, "LINEAR", Linear.String())
	assert.Equal(t, "EXPONENTIAL", Exponential.String())
}
