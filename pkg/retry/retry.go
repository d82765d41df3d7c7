package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Strategy selects the backoff curve for a failure category.
type Strategy int

const (
	// None never retries; the failure is treated as permanent.
	None Strategy = iota

	// Fixed waits the base delay between every attempt.
	Fixed

	// Linear waits base multiplied by the attempt number.
	Linear

	// Exponential waits base multiplied by factor^(attempt-1), capped.
	Exponential
)

func (s Strategy) String() string {
	switch s {
	case None:
		return "NONE"
	case Fixed:
		return "FIXED"
	case Linear:
		return "LINEAR"
	case Exponential:
		return "EXPONENTIAL"
	default:
		return "UNKNOWN"
	}
}

// Policy binds one failure category to a backoff curve and ceiling.
type Policy struct {
	Strategy Strategy
	Base     time.Duration
	Factor   float64
	Cap      time.Duration

	// Ceiling overrides the retrier-wide attempt ceiling when > 0.
	Ceiling int
}

// Options configure a Retrier.
type Options struct {
	// Ceiling is the maximum attempt count before dead-lettering.
	Ceiling int

	// Base, Factor and Cap seed the default policies.
	Base   time.Duration
	Factor float64
	Cap    time.Duration

	// Policies override the per-category defaults.
	Policies map[types.ErrorCategory]Policy
}

// Retrier decides whether and when a failed work item runs again.
type Retrier struct {
	policies map[types.ErrorCategory]Policy
	ceiling  int

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Retrier. Transient categories default to backoff curves
// matched to their failure mode; permanent categories never retry.
func New(opts Options) *Retrier {
	if opts.Ceiling <= 0 {
		opts.Ceiling = 5
	}
	if opts.Base <= 0 {
		opts.Base = 500 * time.Millisecond
	}
	if opts.Factor <= 1 {
		opts.Factor = 2.0
	}
	if opts.Cap <= 0 {
		opts.Cap = 30 * time.Second
	}

	policies := map[types.ErrorCategory]Policy{
		types.ErrorTransientNetwork: {Strategy: Exponential, Base: opts.Base, Factor: opts.Factor, Cap: opts.Cap},
		types.ErrorTimeout:          {Strategy: Linear, Base: opts.Base, Cap: opts.Cap},
		types.ErrorResource:         {Strategy: Fixed, Base: opts.Cap / 2},
		types.ErrorAuth:             {Strategy: None},
		types.ErrorDataParse:        {Strategy: None},
		types.ErrorInternal:         {Strategy: None},
		types.ErrorUnknown:          {Strategy: Fixed, Base: opts.Base},
	}
	for cat, p := range opts.Policies {
		policies[cat] = p
	}

	return &Retrier{
		policies: policies,
		ceiling:  opts.Ceiling,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decision reports whether the given attempt should retry and, if so,
// after what delay. attempt is the count of attempts already made.
func (r *Retrier) Decision(category types.ErrorCategory, attempt int) (time.Duration, bool) {
	p, ok := r.policies[category]
	if !ok {
		p = Policy{Strategy: Fixed, Base: 500 * time.Millisecond}
	}
	if p.Strategy == None {
		return 0, false
	}

	ceiling := r.ceiling
	if p.Ceiling > 0 {
		ceiling = p.Ceiling
	}
	if attempt >= ceiling {
		return 0, false
	}

	var delay time.Duration
	switch p.Strategy {
	case Fixed:
		delay = p.Base
	case Linear:
		delay = time.Duration(attempt) * p.Base
	case Exponential:
		delay = time.Duration(float64(p.Base) * math.Pow(p.Factor, float64(attempt-1)))
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	return r.jitter(delay), true
}

// Ceiling returns the effective attempt ceiling for a category.
func (r *Retrier) Ceiling(category types.ErrorCategory) int {
	if p, ok := r.policies[category]; ok && p.Ceiling > 0 {
		return p.Ceiling
	}
	return r.ceiling
}

// Retryable reports whether the category ever retries.
func (r *Retrier) Retryable(category types.ErrorCategory) bool {
	p, ok := r.policies[category]
	return ok && p.Strategy != None
}

// jitter adds a random component in [0, delay/4) so synchronized
// failures don't retry in lockstep.
func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	r.mu.Lock()
	j := time.Duration(r.rng.Int63n(int64(delay)/4 + 1))
	r.mu.Unlock()
	return delay + j
}
