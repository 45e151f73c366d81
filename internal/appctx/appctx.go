// Package appctx wires C1-C10 plus the analytical-store boundary and
// backfill worker into one running application, built from a resolved
// Config.
package appctx

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/analytics"
	"github.com/sawpanic/marketfeed/internal/backfill"
	"github.com/sawpanic/marketfeed/internal/breaker"
	"github.com/sawpanic/marketfeed/internal/capability"
	"github.com/sawpanic/marketfeed/internal/catalog"
	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/controlplane"
	"github.com/sawpanic/marketfeed/internal/fanout"
	"github.com/sawpanic/marketfeed/internal/health"
	"github.com/sawpanic/marketfeed/internal/metrics"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
	"github.com/sawpanic/marketfeed/internal/sink"
	"github.com/sawpanic/marketfeed/internal/symbols"
	"github.com/sawpanic/marketfeed/internal/upstream"
)

// App owns every constructed component and the background goroutines
// driving them, torn down in reverse construction order by Stop.
type App struct {
	cfg *config.Config

	catalogBucket  *ratelimit.Bucket
	catalogBreaker *breaker.Breaker
	catalogClient  *catalog.HTTPClient

	ingestionBucket *ratelimit.Bucket

	sink *sink.RedisSink

	manager *symbols.Manager

	broker     *fanout.Broker
	supervisor *health.Supervisor
	policy     *capability.Policy

	metrics *metrics.Registry

	analytics analytics.Sink
	backfill  *backfill.Worker

	httpServer *http.Server

	sessMu     sync.Mutex
	sessions   []*upstream.Session
	runCtx     context.Context
	cancelFunc context.CancelFunc
}

// New constructs every component without starting any background work;
// call Start to begin serving.
func New(cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}

	catalogBucket := ratelimit.New("catalog", 8, 16)
	catalogBreaker := breaker.New(breaker.Config{Name: "catalog"})
	catalogCreds := catalog.Credentials{
		APIKey: cfg.Credentials.APIKey, SecretKey: cfg.Credentials.SecretKey, Passphrase: cfg.Credentials.Passphrase,
	}
	catalogClient := catalog.New(cfg.CatalogBaseURL, catalogBucket, catalogBreaker, catalogCreds)

	redisSink := sink.New(sink.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		PoolSize:     cfg.Topology.RedisPoolSize,
		StreamMaxLen: cfg.Topology.StreamMaxLen,
		DedupWindow:  time.Duration(cfg.Topology.DedupWindowSecs) * time.Second,
		OrderbookTTL: time.Duration(cfg.Topology.OrderbookTTLSecs) * time.Second,
	})

	broker := fanout.New(cfg.Topology.DebounceMS, cfg.Topology.BatchIntervalMS)
	if cfg.NatsURL != "" {
		if err := broker.EnableBus(cfg.NatsURL); err != nil {
			log.Warn().Err(err).Msg("appctx: fan-out bus unavailable, falling back to local-only broadcast")
		}
	}

	ingestionBucket := ratelimit.New("ingestion", 8, 16)

	var mgr *symbols.Manager

	capCreds := capability.Credentials{
		APIKey: cfg.Credentials.APIKey, SecretKey: cfg.Credentials.SecretKey, Passphrase: cfg.Credentials.Passphrase,
	}
	policy := capability.New(capCreds,
		func(ctx context.Context, creds capability.Credentials) error {
			_, err := catalogClient.ListSpotSymbols(ctx)
			return err
		},
		func(ctx context.Context, p capability.Profile) error {
			return mgr.Reconcile(ctx, symbolsProfile(p, cfg))
		},
		func(ctx context.Context, p capability.Profile) error {
			return app.recycleSessions(ctx, p)
		},
	)
	policy.AddRateUpdater(ingestionBucket.UpdateBaseRate)
	policy.AddRateUpdater(catalogBucket.UpdateBaseRate)

	mgr = symbols.New(catalogClient, symbolsProfile(policy.Profile(), cfg))

	analyticsSink, err := analytics.Select(
		analytics.ClickHouseConfig{Host: cfg.ClickHouseHost, Port: cfg.ClickHousePort, User: cfg.ClickHouseUser, Password: cfg.ClickHousePassword},
		analytics.PostgresConfig{DSN: cfg.PostgresDSN},
	)
	if err != nil {
		log.Warn().Err(err).Msg("appctx: analytical store unavailable")
	}

	probes := map[string]health.Prober{
		"redis":   redisSink.Ping,
		"catalog": catalogClient.Ping,
	}
	if analyticsSink != nil {
		probes["analytics"] = analyticsSink.Ping
	} else {
		probes["analytics"] = func(ctx context.Context) error { return health.ErrUnknown }
	}

	supervisor := health.New(probes, func() []ratelimit.Stats {
		return []ratelimit.Stats{ingestionBucket.Stats(), catalogBucket.Stats()}
	}, time.Duration(cfg.Topology.HealthIntervalS)*time.Second)

	backfillWorker := backfill.New(backfill.Config{
		Enabled:      cfg.BackfillEnabled,
		PollInterval: 5 * time.Minute,
		BatchWindow:  5 * time.Minute,
	}, redisSink, analyticsSink, func() []model.SubscriptionGroup {
		var groups []model.SubscriptionGroup
		for _, market := range policy.Profile().Markets {
			groups = append(groups, mgr.Groups(market)...)
		}
		return groups
	})

	metricsRegistry, promReg := metrics.NewRegistry()
	redisSink.SetMetrics(metricsRegistry)

	cp := controlplane.New(policy, mgr, broker, supervisor, promReg)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.HTTPHost, cfg.HTTPPort),
		Handler:      cp.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	app.catalogBucket = catalogBucket
	app.catalogBreaker = catalogBreaker
	app.catalogClient = catalogClient
	app.ingestionBucket = ingestionBucket
	app.sink = redisSink
	app.manager = mgr
	app.broker = broker
	app.supervisor = supervisor
	app.policy = policy
	app.analytics = analyticsSink
	app.backfill = backfillWorker
	app.httpServer = httpServer
	app.metrics = metricsRegistry

	return app, nil
}

// Start brings every background goroutine up: health supervision, one
// upstream session per subscription group, the backfill worker, and the
// control-plane HTTP server. It returns once construction completes;
// callers should select on ctx.Done() or a signal channel afterward.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	if err := a.manager.Initialize(runCtx); err != nil {
		cancel()
		return fmt.Errorf("appctx: initialize symbol manager: %w", err)
	}

	go a.supervisor.Run(runCtx)
	go a.backfill.Run(runCtx)
	go a.pumpMetrics(runCtx)

	a.runCtx = runCtx
	if err := a.recycleSessions(runCtx, a.policy.Profile()); err != nil {
		cancel()
		return fmt.Errorf("appctx: build initial sessions: %w", err)
	}

	go func() {
		log.Info().Str("addr", a.httpServer.Addr).Msg("appctx: control plane listening")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("appctx: control plane server error")
		}
	}()

	return nil
}

// recycleSessions stops every running C6 session and recreates them
// from the manager's current groups under the given profile, so a
// credential change takes effect on the next symbol group/channel-set
// snapshot instead of only at the next process restart. It is the
// SessionRecycler passed to C9's capability.Policy, and is also what
// Start uses to stand up the initial session set.
func (a *App) recycleSessions(ctx context.Context, p capability.Profile) error {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	if a.runCtx == nil {
		return nil
	}

	for _, s := range a.sessions {
		s.Stop()
	}
	a.sessions = a.sessions[:0]

	privileged := p.Tier == capability.TierPrivileged
	for _, market := range p.Markets {
		for _, group := range a.manager.Groups(market) {
			session := upstream.New(group, privileged, a.sink, a.broker, a.ingestionBucket, a.supervisor.Latch())
			session.SetMetrics(a.metrics)
			a.sessions = append(a.sessions, session)
			go session.Run(a.runCtx)
		}
	}

	log.Info().Int("sessions", len(a.sessions)).Bool("privileged", privileged).Msg("appctx: sessions recycled for new capability profile")
	return nil
}

// pumpMetrics periodically copies the already-computed health/fan-out/
// rate-limit/breaker state into the Prometheus registry. It owns no
// state of its own; every value it sets comes from a Snapshot/Stats/
// Metrics accessor another component already maintains.
func (a *App) pumpMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if a.supervisor.Latch().Active() {
			a.metrics.FailoverLatch.Set(1)
		} else {
			a.metrics.FailoverLatch.Set(0)
		}

		for _, stats := range []struct {
			name string
			b    *ratelimit.Bucket
		}{{"catalog", a.catalogBucket}, {"ingestion", a.ingestionBucket}} {
			s := stats.b.Stats()
			a.metrics.RateLimitTokens.WithLabelValues(stats.name).Set(s.Tokens)
			a.metrics.RateLimitErrors.WithLabelValues(stats.name).Set(float64(s.Failures))
		}

		a.metrics.BreakerState.WithLabelValues("catalog").Set(float64(a.catalogBreaker.State()))

		fm := a.broker.Metrics()
		a.metrics.FanoutClients.Set(float64(fm.TotalConnections))
		a.metrics.FanoutSent.Set(float64(fm.MessagesSent))
		a.metrics.FanoutErrors.Set(float64(fm.ErrorsCount))
	}
}

func symbolsProfile(p capability.Profile, cfg *config.Config) symbols.Profile {
	return symbols.Profile{
		Markets:             p.Markets,
		MaxSymbolsPerGroup:  p.MaxSymbolsPerGroup,
		MaxSymbolsPerMarket: cfg.Topology.MaxSymbolsPublic,
		MinVolume24h:        cfg.Topology.MinVolume24h,
	}
}

// Stop tears the application down in reverse construction order.
func (a *App) Stop(ctx context.Context) error {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.sessMu.Lock()
	for _, s := range a.sessions {
		s.Stop()
	}
	a.sessMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("appctx: control plane shutdown error")
	}

	if err := a.sink.Close(); err != nil {
		log.Warn().Err(err).Msg("appctx: sink close error")
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			log.Warn().Err(err).Msg("appctx: analytics close error")
		}
	}

	log.Info().Msg("appctx: shutdown complete")
	return nil
}
