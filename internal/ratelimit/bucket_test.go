package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireDoesNotBlockWithinBurst(t *testing.T) {
	b := New("test", 10, 5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	b.Acquire(ctx)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestReportErrorThrottleSignalHalvesRate(t *testing.T) {
	b := New("test", 10, 5)
	b.ReportError("429", "too many requests")

	stats := b.Stats()
	assert.Equal(t, 5.0, stats.Rate)
	assert.Greater(t, stats.BackoffFactor, minBackoff)
	assert.Equal(t, int64(1), stats.Failures)
}

func TestReportErrorNonThrottleEscalatesAfterFiveConsecutive(t *testing.T) {
	b := New("test", 10, 5)
	for i := 0; i < 5; i++ {
		b.ReportError("network", "connection reset")
	}

	stats := b.Stats()
	assert.Equal(t, int64(5), stats.ConsecutiveFail)
	assert.Greater(t, stats.BackoffFactor, minBackoff)
}

func TestReportSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("test", 10, 5)
	b.ReportError("network", "timeout")
	b.ReportSuccess()

	stats := b.Stats()
	assert.Equal(t, int64(0), stats.ConsecutiveFail)
	assert.Equal(t, int64(1), stats.ConsecutiveOK)
}

func TestUpdateBaseRateResetsBackoff(t *testing.T) {
	b := New("test", 10, 5)
	b.ReportError("429", "rate limit")
	assert.Greater(t, b.Stats().BackoffFactor, minBackoff)

	b.UpdateBaseRate(20)

	stats := b.Stats()
	assert.Equal(t, minBackoff, stats.BackoffFactor)
	assert.Equal(t, 20.0, stats.Rate)
}

func TestNewClampsSubOneRateToOne(t *testing.T) {
	b := New("test", 0, 5)
	assert.Equal(t, 1.0, b.Stats().Rate)
}

func TestIsThrottleSignalCaseInsensitive(t *testing.T) {
	assert.True(t, isThrottleSignal("", "Too Many Requests"))
	assert.True(t, isThrottleSignal("RATE_LIMIT", ""))
	assert.False(t, isThrottleSignal("network", "connection refused"))
}
