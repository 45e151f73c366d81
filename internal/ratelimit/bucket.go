// Package ratelimit implements C1, the adaptive rate and burst controller:
// a token bucket whose target rate and back-off factor react to the
// success/failure feedback of the caller it serves.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxWait        = 5 * time.Second
	maxBackoff     = 4.0
	minBackoff     = 1.0
	maxRateFactor  = 1.5
	throttleBackoff = 2.0
	errorBackoff    = 1.5
)

// Stats is a read-only snapshot of a Bucket's internal state.
type Stats struct {
	Name             string
	Rate             float64
	Burst            int
	Tokens           float64
	BackoffFactor    float64
	Successes        int64
	Failures         int64
	Throttled        int64
	Total            int64
	ConsecutiveOK    int64
	ConsecutiveFail  int64
}

// Bucket is one named caller's token bucket, built on golang.org/x/time/rate
// for the underlying refill arithmetic and layered with the adaptive
// back-off policy from spec §4.1.
type Bucket struct {
	mu       sync.Mutex
	name     string
	rBase    float64
	r        float64
	burst    int
	limiter  *rate.Limiter
	backoff  float64

	successes, failures, throttled, total int64
	consecOK, consecFail                  int64
}

// New creates a per-caller bucket with target rate r (req/s) and burst B.
func New(name string, r float64, burst int) *Bucket {
	if r < 1 {
		r = 1
	}
	return &Bucket{
		name:    name,
		rBase:   r,
		r:       r,
		burst:   burst,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
		backoff: minBackoff,
	}
}

// Acquire blocks (cooperatively) until a token is available. A token that
// is already in the bucket is consumed at once; otherwise the wait honors
// both the bucket's natural refill and the back-off floor imposed after errors.
// It never returns an error; repeated throttled waits are just counted.
func (b *Bucket) Acquire(ctx context.Context) {
	b.mu.Lock()
	b.total++
	reservation := b.limiter.ReserveN(time.Now(), 1)
	delay := reservation.Delay()
	floor := time.Duration(float64(time.Second) / b.r * b.backoff)
	if delay > 0 && floor > delay {
		delay = floor
	}
	if delay <= 0 {
		b.mu.Unlock()
		return
	}
	b.throttled++
	b.mu.Unlock()

	// Wait out the single reservation above in maxWait-sized slices rather
	// than re-reserving on every clamped iteration, which would otherwise
	// consume a fresh token per slice and compound the limiter's owed debt.
	for delay > 0 {
		wait := delay
		if wait > maxWait {
			wait = maxWait
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			reservation.Cancel()
			return
		case <-t.C:
		}
		delay -= wait
	}
}

// ReportSuccess records a successful call and relaxes back-off/rate caps
// per the consecutive-success thresholds in spec §4.1.
func (b *Bucket) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.consecOK++
	b.consecFail = 0

	if b.consecOK >= 20 && b.backoff > minBackoff {
		b.backoff = math.Max(minBackoff, b.backoff*0.9)
	}
	if b.consecOK >= 50 && b.r < b.rBase*maxRateFactor {
		b.r = math.Min(b.rBase*maxRateFactor, b.r*1.05)
		b.limiter.SetLimit(rate.Limit(b.r))
	}
}

// ReportError records a failed call. kind/message are matched against the
// venue's throttling vocabulary; throttle signals cut the rate in half and
// double the back-off factor, non-throttle errors escalate more gently.
func (b *Bucket) ReportError(kind, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.consecFail++

	if isThrottleSignal(kind, message) {
		b.backoff = math.Min(maxBackoff, b.backoff*throttleBackoff)
		b.r = math.Max(1, b.r*0.5)
		b.limiter.SetLimit(rate.Limit(b.r))
		b.consecOK = 0
		return
	}

	b.consecOK = 0
	if b.consecFail >= 5 {
		b.backoff = math.Min(2.0, b.backoff*errorBackoff)
	}
}

// UpdateBaseRate hot-replaces the target rate and resets the back-off
// factor; the burst capacity is unchanged, and tokens already in the
// bucket stay capped at it by the underlying limiter.
func (b *Bucket) UpdateBaseRate(newRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if newRate < 1 {
		newRate = 1
	}
	b.rBase = newRate
	b.r = newRate
	b.backoff = minBackoff
	b.limiter.SetLimit(rate.Limit(newRate))
}

// UpdateBurst hot-replaces the burst capacity B.
func (b *Bucket) UpdateBurst(burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.burst = burst
	b.limiter.SetBurst(burst)
}

// Stats returns a read-only snapshot.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:            b.name,
		Rate:            b.r,
		Burst:           b.burst,
		Tokens:          b.limiter.TokensAt(time.Now()),
		BackoffFactor:   b.backoff,
		Successes:       b.successes,
		Failures:        b.failures,
		Throttled:       b.throttled,
		Total:           b.total,
		ConsecutiveOK:   b.consecOK,
		ConsecutiveFail: b.consecFail,
	}
}

func isThrottleSignal(kind, message string) bool {
	for _, needle := range []string{"429", "rate limit", "too many requests", "throttle"} {
		if containsFold(kind, needle) || containsFold(message, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if haystack == "" || needle == "" {
		return false
	}
	return indexFold(haystack, needle) >= 0
}

// indexFold is a tiny ASCII-case-insensitive substring search, avoiding a
// strings.ToLower allocation on every error report on the hot path.
func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], substr[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
