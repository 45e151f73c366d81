package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

func okProbes() map[string]Prober {
	return map[string]Prober{
		"redis": func(ctx context.Context) error { return nil },
	}
}

func statsWith(successes, failures int64) func() []ratelimit.Stats {
	return func() []ratelimit.Stats {
		return []ratelimit.Stats{{Successes: successes, Failures: failures}}
	}
}

func TestTickHealthyClearsLatch(t *testing.T) {
	s := New(okProbes(), statsWith(100, 0), time.Minute)
	s.latch.set(true)

	s.tick(context.Background())

	assert.Equal(t, Healthy, s.Snapshot().Status)
	assert.False(t, s.Latch().Active())
}

func TestTickDegradedDoesNotEngageLatch(t *testing.T) {
	s := New(okProbes(), statsWith(80, 20), time.Minute)

	s.tick(context.Background())

	assert.Equal(t, Degraded, s.Snapshot().Status)
	assert.False(t, s.Latch().Active())
}

func TestTickCriticalEngagesLatch(t *testing.T) {
	s := New(okProbes(), statsWith(1, 99), time.Minute)

	s.tick(context.Background())

	assert.Equal(t, Critical, s.Snapshot().Status)
	assert.True(t, s.Latch().Active())
}

func TestTickProbeFailureIsCritical(t *testing.T) {
	probes := map[string]Prober{
		"redis": func(ctx context.Context) error { return assertErr{} },
	}
	s := New(probes, statsWith(100, 0), time.Minute)

	s.tick(context.Background())

	assert.Equal(t, Critical, s.Snapshot().Status)
	assert.Equal(t, "liveness check failed", s.Snapshot().Probes["redis"])
}

func TestTickUnknownProbeIsNotCritical(t *testing.T) {
	probes := map[string]Prober{
		"analytics": func(ctx context.Context) error { return ErrUnknown },
	}
	s := New(probes, statsWith(100, 0), time.Minute)

	s.tick(context.Background())

	assert.Equal(t, Healthy, s.Snapshot().Status)
	assert.Equal(t, "unknown", s.Snapshot().Probes["analytics"])
}

func TestTickPopulatesProcessFacts(t *testing.T) {
	s := New(okProbes(), statsWith(100, 0), time.Minute)

	s.tick(context.Background())

	assert.Greater(t, s.Snapshot().Process.Goroutines, 0)
}

type assertErr struct{}

func (assertErr) Error() string { return "liveness check failed" }
