// Package runner owns the long-running service: it constructs every
// component explicitly, fans feed events out to a worker pool, and sweeps the
// state store on a schedule. No component is a global; the runner's lifecycle
// is the program's lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/takumi-oki/restockd/internal/app/config"
	"github.com/takumi-oki/restockd/internal/domain/identity"
	"github.com/takumi-oki/restockd/internal/domain/pacing"
	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/domain/threat"
	"github.com/takumi-oki/restockd/internal/infra/repository/journal"
	"github.com/takumi-oki/restockd/internal/infra/repository/statestore"
	"github.com/takumi-oki/restockd/internal/interface/external/feed"
	"github.com/takumi-oki/restockd/internal/pkg/logging"
	"github.com/takumi-oki/restockd/internal/usecase/orchestrator"
)

// signalCacheSize bounds the signal cache; entries also expire on the
// configured TTL so stale observations never drive a reset.
const signalCacheSize = 1024

// Runner wires and drives all components.
type Runner struct {
	cfg config.Config

	store      *statestore.Store
	journal    *journal.Journal
	orch       *orchestrator.Orchestrator
	pool       *identity.Pool
	pacer      *pacing.Controller
	classifier *threat.Classifier
	feed       feed.Feed

	signals *expirable.LRU[string, statestore.StockSignal]
	cron    *cron.Cron

	executorOverride orchestrator.Executor

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option overrides a component Build would otherwise construct.
type Option func(*Runner)

// WithExecutor supplies the purchase executor. Required for real mode, where
// checkout automation lives outside this module.
func WithExecutor(e orchestrator.Executor) Option {
	return func(r *Runner) { r.executorOverride = e }
}

// WithFeed replaces the governed mock feed, for embedding a real checker.
func WithFeed(f feed.Feed) Option {
	return func(r *Runner) { r.feed = f }
}

// Build constructs a Runner and all its components from configuration.
func Build(cfg config.Config, fsys afero.Fs, opts ...Option) (*Runner, error) {
	r := &Runner{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}

	r.store = statestore.New(fsys, cfg.StateFile(), cfg.LockFile(),
		statestore.WithStuckTimeout(cfg.StuckTimeout()))
	r.journal = journal.New(fsys, cfg.JournalFile())

	seeds := make([]identity.Seed, 0, len(cfg.Identities()))
	for _, s := range cfg.Identities() {
		seeds = append(seeds, identity.Seed{
			Credential:    s.Credential,
			HeaderProfile: s.HeaderProfile,
			RoutingTag:    s.RoutingTag,
		})
	}
	r.pool = identity.NewPool(cfg.IdentityCooldown(), seeds...)
	r.pacer = pacing.NewController(pacing.Params{
		ExplorationRate:  cfg.ExplorationRate(),
		BreakerThreshold: cfg.BreakerThreshold(),
		BreakerCooldown:  cfg.BreakerCooldown(),
		MinDelay:         cfg.MinDelay(),
		MaxDelay:         cfg.MaxDelay(),
	})
	r.classifier = threat.NewClassifier(cfg.LatencySpikeStreak())

	executor, err := r.buildExecutor()
	if err != nil {
		return nil, err
	}
	r.orch = orchestrator.New(r.store, r.journal, executor, orchestrator.Params{
		ExecutorTimeout: cfg.ExecutorTimeout(),
		RealAttempts:    cfg.Mode() == config.ModeReal,
	})

	if r.feed == nil {
		wl, err := feed.LoadWatchlist(fsys, cfg.Watchlist())
		if err != nil {
			return nil, err
		}
		r.feed = feed.NewGovernedFeed(wl, feed.NewMockProber(0.1, 0), r.pool, r.pacer, r.classifier)
	}
	return r, nil
}

func (r *Runner) buildExecutor() (orchestrator.Executor, error) {
	if r.executorOverride != nil {
		return r.executorOverride, nil
	}
	switch r.cfg.Mode() {
	case config.ModeMock:
		return orchestrator.NewMockExecutor(r.cfg.MockSuccessRate()), nil
	case config.ModeDisabled:
		return orchestrator.DisabledExecutor{}, nil
	case config.ModeReal:
		return nil, errors.New("real mode requires an external executor (see WithExecutor)")
	default:
		return nil, fmt.Errorf("unknown execution mode %q", r.cfg.Mode())
	}
}

// Start launches the feed, the worker pool, and the reconciliation schedule.
// It returns immediately; Stop tears everything down.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.signals = expirable.NewLRU[string, statestore.StockSignal](signalCacheSize, nil, r.cfg.SignalTTL())

	events := make(chan feed.StockEvent, 256)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.feed.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error("feed stopped: %v", err)
		}
	}()

	for i := 0; i < r.cfg.Workers(); i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(ctx, events)
		}()
	}

	r.cron = cron.New()
	spec := "@every " + r.cfg.ReconcileInterval().String()
	if _, err := r.cron.AddFunc(spec, r.reconcile); err != nil {
		r.cancel()
		return fmt.Errorf("failed to schedule reconcile: %w", err)
	}
	r.cron.Start()

	r.started = true
	logging.Info("runner started: mode=%s workers=%d reconcile=%s",
		r.cfg.Mode(), r.cfg.Workers(), r.cfg.ReconcileInterval())
	return nil
}

// Stop cancels all loops and waits for them to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	<-r.cron.Stop().Done()
	r.wg.Wait()
	r.started = false
	logging.Info("runner stopped")
}

// worker consumes availability events: record the signal for reconciliation,
// then let the orchestrator gate and run the attempt.
func (r *Runner) worker(ctx context.Context, events <-chan feed.StockEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.signals.Add(ev.ProductID, statestore.StockSignal{
				InStock:    ev.InStock,
				ObservedAt: ev.ObservedAt,
			})
			if err := r.orch.OnStockEvent(ctx, ev.ProductID, ev.Title, ev.InStock); err != nil {
				logging.Error("event handling failed: product=%s: %v", ev.ProductID, err)
			}
		}
	}
}

// reconcile sweeps the store against the freshest signals. TTL expiry means
// a product nobody observed recently simply carries no signal.
func (r *Runner) reconcile() {
	signals := make(map[string]statestore.StockSignal, r.signals.Len())
	for _, id := range r.signals.Keys() {
		if sig, ok := r.signals.Peek(id); ok {
			signals[id] = sig
		}
	}

	reset, err := r.store.Reconcile(signals)
	if err != nil {
		logging.Error("reconcile failed: %v", err)
		return
	}
	if reset > 0 {
		logging.Info("reconcile corrected %d state(s)", reset)
	}
}

// Snapshot is the read-only observability view.
type Snapshot struct {
	States     map[string]purchase.State `json:"purchase_states"`
	Pacing     pacing.Stats              `json:"pacing"`
	Identities identity.Health           `json:"identity_pool"`
	Threat     threat.Window             `json:"threat_window"`
}

// Snapshot collects purchase states and learning statistics.
func (r *Runner) Snapshot() (Snapshot, error) {
	states, err := r.store.SnapshotAll()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		States:     states,
		Pacing:     r.pacer.Snapshot(),
		Identities: r.pool.Health(),
		Threat:     r.classifier.WindowAssessment(),
	}, nil
}

// ReplaceWatchlist hands a reloaded watchlist to the governed feed. A no-op
// when a custom feed was injected.
func (r *Runner) ReplaceWatchlist(wl feed.Watchlist) {
	if governed, ok := r.feed.(*feed.GovernedFeed); ok {
		governed.Replace(wl)
	}
}
