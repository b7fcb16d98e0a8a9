package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Guard owns every long-lived component of a running detector.
type Guard struct {
	Config     *Config
	Store      Store
	Detector   *Detector
	Dispatcher *Dispatcher
	Patterns   *PatternEngine
	Authz      *AuthzEngine
	Behavior   *BehaviorDetector
	Watcher    *PolicyWatcher
	Ledger     *DetectionLedger
	Limiter    *IngestRateLimiter
	Metrics    *Metrics
	Logger     zerolog.Logger

	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewGuard builds the components described by cfg. The caller must Close the
// returned guard.
func NewGuard(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Guard, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	validator := NewDefaultConfigValidator()
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range validator.Warnings {
		logger.Warn().Msg(w)
	}

	g := &Guard{
		Config:          cfg,
		Logger:          logger,
		Metrics:         NewMetrics(),
		Ledger:          NewDetectionLedger(cfg.LedgerTTL()),
		Limiter:         NewIngestRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		Patterns:        NewPatternEngine(nil),
		cleanupInterval: time.Minute,
		stopChan:        make(chan struct{}),
	}

	store, err := openStore(ctx, cfg.Storage, g.Metrics)
	if err != nil {
		return nil, err
	}
	g.Store = store

	policy, err := cfg.Policy()
	if err != nil {
		g.Store.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}
	g.Authz, err = NewAuthzEngine(policy, logger.With().Str("stage", "authz").Logger())
	if err != nil {
		g.Store.Close()
		return nil, err
	}
	if cfg.Authz.Watch {
		g.Watcher, err = NewPolicyWatcher(cfg.Authz.PolicyFile, g.Authz, logger)
		if err != nil {
			g.Store.Close()
			return nil, fmt.Errorf("policy watcher: %w", err)
		}
	}

	g.Behavior = NewBehaviorDetector(cfg.Behavior, NewInMemoryWindowStore(),
		WithBehaviorLogger(logger.With().Str("stage", "behavior").Logger()),
		WithBehaviorMetrics(g.Metrics))

	g.Dispatcher = NewDispatcher(g.Store,
		WithDispatchTimeout(cfg.NotifyTimeout()),
		WithRecipientResolver(NewRecipientResolver(cfg.Notifier.Email.Admins)),
		WithDispatcherMetrics(g.Metrics),
		WithDispatcherLogger(logger.With().Str("stage", "notify").Logger()))
	if cfg.Notifier.Email.Enabled {
		g.Dispatcher.Register(NewEmailSender(cfg.Notifier.Email))
	}
	if cfg.Notifier.Slack.Enabled {
		g.Dispatcher.Register(NewSlackSender(cfg.Notifier.Slack))
	}

	g.Detector, err = NewDetector(DetectorDeps{
		Records:    g.Store,
		Findings:   g.Store,
		Patterns:   g.Patterns,
		Authz:      g.Authz,
		Behavior:   g.Behavior,
		Dispatcher: g.Dispatcher,
		Ledger:     g.Ledger,
		Metrics:    g.Metrics,
		Logger:     logger,
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func openStore(ctx context.Context, cfg StorageConfig, metrics *Metrics) (Store, error) {
	var backing Store
	switch cfg.Driver {
	case "memory":
		backing = NewInMemoryStore()
	case "sqlite", "":
		s, err := OpenSQLiteStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		backing = s
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if cfg.RecordCacheSize <= 0 {
		return backing, nil
	}
	ttl, err := parseDurationOr(cfg.RecordCacheTTL, 5*time.Minute)
	if err != nil {
		ttl = 5 * time.Minute
	}
	return NewCachedStore(backing, cfg.RecordCacheSize, ttl, metrics), nil
}

// Start launches the policy watcher and the cleanup routine.
func (g *Guard) Start() error {
	if g.Watcher != nil {
		if err := g.Watcher.Start(); err != nil {
			return err
		}
	}
	g.startCleanupRoutine()
	return nil
}

func (g *Guard) startCleanupRoutine() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Ledger.Cleanup()
				if n := g.Limiter.Cleanup(); n > 0 {
					g.Logger.Debug().Int("buckets", n).Msg("dropped idle rate limit buckets")
				}
			case <-g.stopChan:
				return
			}
		}
	}()
}

// HealthCheck reports whether the store and limiter are usable.
func (g *Guard) HealthCheck(ctx context.Context) error {
	if err := g.Store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return g.Limiter.HealthCheck()
}

// Close stops background work and releases the store.
func (g *Guard) Close() error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stopChan)
		g.wg.Wait()
		if g.Watcher != nil {
			err = errors.Join(err, g.Watcher.Stop())
		}
		if g.Store != nil {
			err = errors.Join(err, g.Store.Close())
		}
	})
	return err
}
