// Package health implements C8, the health & failover supervisor: periodic
// liveness probes feeding a process-wide failover latch read by C6.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	gopsutil "github.com/shirou/gopsutil/v3/process"

	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

// Status is the taxonomy surfaced via C10.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Critical Status = "critical"
)

// Latch is the single process-wide failover flag (spec §3), safe for
// concurrent reads from every C6 session and writes only from C8.
type Latch struct {
	active     atomic.Bool
	lastChange atomic.Int64 // UnixNano
}

// Active reports whether new upstream sessions should suspend.
func (l *Latch) Active() bool { return l.active.Load() }

func (l *Latch) set(active bool) {
	if l.active.Swap(active) != active {
		l.lastChange.Store(time.Now().UnixNano())
	}
}

// LastChange is the monotonic-ish time of the latch's last transition.
func (l *Latch) LastChange() time.Time {
	return time.Unix(0, l.lastChange.Load())
}

// Prober is a named liveness check; the analytics probe may return ErrUnknown
// when no real probe is wired, per spec §9's correction of the source's
// placeholder-true ClickHouse check.
type Prober func(ctx context.Context) error

// ErrUnknown signals a probe with no reachable liveness method.
var ErrUnknown = &unknownError{}

type unknownError struct{}

func (*unknownError) Error() string { return "health: liveness unknown" }

// ProcessFacts are process-level vitals folded into each Snapshot,
// independent of any upstream probe.
type ProcessFacts struct {
	Goroutines  int
	OpenFDs     int32
	RSSBytes    uint64
}

// Snapshot is the status payload exposed by C10.
type Snapshot struct {
	Status      Status
	Reason      string
	Throughput  float64
	ErrorRate   float64
	Probes      map[string]string // name -> "ok"|"unknown"|error text
	Process     ProcessFacts
	LastChecked time.Time
}

// Supervisor runs the periodic probe loop described in spec §4.8.
type Supervisor struct {
	latch *Latch

	probes  map[string]Prober
	buckets func() []ratelimit.Stats

	interval        time.Duration
	degradedInterval time.Duration

	pid int32

	mu       sync.RWMutex
	snapshot Snapshot
}

// New builds a supervisor. buckets returns a snapshot of every C1 bucket
// currently registered, used to compute aggregate throughput/error_rate.
func New(probes map[string]Prober, buckets func() []ratelimit.Stats, interval time.Duration) *Supervisor {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{
		latch:            &Latch{},
		probes:           probes,
		buckets:          buckets,
		interval:         interval,
		degradedInterval: 5 * time.Second,
		pid:              int32(os.Getpid()),
		snapshot:         Snapshot{Status: Healthy, Probes: map[string]string{}},
	}
}

// processFacts reads this process's own vitals; a read failure (e.g. an
// unsupported OS) yields a zero-value ProcessFacts rather than an error,
// since these facts are advisory and never gate the latch.
func (s *Supervisor) processFacts() ProcessFacts {
	facts := ProcessFacts{Goroutines: runtime.NumGoroutine()}

	proc, err := gopsutil.NewProcess(s.pid)
	if err != nil {
		return facts
	}
	if fds, err := proc.NumFDs(); err == nil {
		facts.OpenFDs = fds
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		facts.RSSBytes = mem.RSS
	}
	return facts
}

// Latch exposes the failover latch read by C6.
func (s *Supervisor) Latch() *Latch { return s.latch }

// Snapshot returns the last computed status.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Run loops until ctx is cancelled, probing every interval (shortened to
// degradedInterval while the latch is active).
func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.tick(ctx)

		wait := s.interval
		if s.latch.Active() {
			wait = s.degradedInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	results := make(map[string]string, len(s.probes))
	healthy := true
	var reason string

	for name, probe := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := probe(pctx)
		cancel()

		switch {
		case err == nil:
			results[name] = "ok"
		case err == ErrUnknown:
			results[name] = "unknown"
		default:
			results[name] = err.Error()
			healthy = false
			reason = name + ": " + err.Error()
		}
	}

	throughput, errorRate := aggregate(s.buckets())
	degraded := false
	if throughput < 0.5 {
		healthy = false
		reason = "throughput below 0.5"
	} else if throughput < 0.8 {
		degraded = true
		reason = "throughput below 0.8"
	}
	if errorRate > 0.25 {
		healthy = false
		reason = "error_rate above 0.25"
	} else if errorRate > 0.1 {
		degraded = true
		reason = "error_rate above 0.1"
	}

	status := Healthy
	switch {
	case !healthy:
		status = Critical
		s.latch.set(true)
		log.Warn().Str("reason", reason).Msg("health: failover latch engaged")
	case degraded:
		status = Degraded
		if s.latch.Active() {
			log.Info().Msg("health: failover latch cleared")
		}
		s.latch.set(false)
		log.Warn().Str("reason", reason).Msg("health: degraded")
	default:
		if s.latch.Active() {
			log.Info().Msg("health: failover latch cleared")
		}
		s.latch.set(false)
	}

	s.mu.Lock()
	s.snapshot = Snapshot{
		Status:      status,
		Reason:      reason,
		Throughput:  throughput,
		ErrorRate:   errorRate,
		Probes:      results,
		Process:     s.processFacts(),
		LastChecked: time.Now(),
	}
	s.mu.Unlock()
}

func aggregate(stats []ratelimit.Stats) (throughput, errorRate float64) {
	var successes, total int64
	for _, s := range stats {
		successes += s.Successes
		total += s.Successes + s.Failures
	}
	if total == 0 {
		return 1, 0
	}
	throughput = float64(successes) / float64(total)
	return throughput, 1 - throughput
}
