package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takumi-oki/restockd/internal/app/config"
	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/interface/external/feed"
	"github.com/takumi-oki/restockd/internal/usecase/orchestrator"
)

// scriptedFeed replays fixed events, then idles until cancelled.
type scriptedFeed struct {
	events []feed.StockEvent
}

func (s scriptedFeed) Run(ctx context.Context, out chan<- feed.StockEvent) error {
	for _, ev := range s.events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type instantExecutor struct{}

func (instantExecutor) Execute(ctx context.Context, productID string) (orchestrator.Result, error) {
	return orchestrator.Result{Success: true, OrderRef: "ORD-424242-01", Elapsed: time.Millisecond}, nil
}

func testParams(dir string) config.Params {
	return config.Params{
		Home:                 dir,
		StateFile:            filepath.Join(dir, "state.json"),
		LockFile:             filepath.Join(dir, "state.lock"),
		JournalFile:          filepath.Join(dir, "attempts.ndjson"),
		Watchlist:            filepath.Join(dir, "watchlist.yaml"),
		Mode:                 config.ModeMock,
		Workers:              2,
		ExecutorTimeoutSec:   5,
		MockSuccessRate:      1.0,
		StuckTimeoutSec:      60,
		ReconcileIntervalSec: 1,
		SignalTTLSec:         300,
		IdentityCooldownSec:  1,
		BreakerThreshold:     3,
		BreakerCooldownSec:   300,
		ExplorationRate:      0.2,
		MinDelaySec:          0.01,
		MaxDelaySec:          0.05,
		LatencySpikeStreak:   3,
		StderrLevel:          "error",
	}
}

func TestBuild_RealModeNeedsExecutor(t *testing.T) {
	cfg := config.NewAppConfig(func() config.Params {
		p := testParams(t.TempDir())
		p.Mode = config.ModeReal
		return p
	}())

	_, err := Build(cfg, afero.NewOsFs(), WithFeed(scriptedFeed{}))
	assert.Error(t, err)
}

func TestBuild_LoadsWatchlistForDefaultFeed(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewAppConfig(testParams(dir))

	// Missing watchlist fails the default governed feed
	_, err := Build(cfg, afero.NewOsFs())
	require.Error(t, err)

	wl := "products:\n  - id: \"10001\"\n    title: \"Box\"\n"
	require.NoError(t, afero.WriteFile(afero.NewOsFs(), cfg.Watchlist(), []byte(wl), 0o644))
	r, err := Build(cfg, afero.NewOsFs())
	require.NoError(t, err)
	assert.NotNil(t, r.feed)
}

func TestRunner_PurchaseAndReconcileCycle(t *testing.T) {
	dir := t.TempDir()
	// One worker keeps event handling ordered: purchase first, reset signal after
	params := testParams(dir)
	params.Workers = 1
	cfg := config.NewAppConfig(params)

	script := scriptedFeed{events: []feed.StockEvent{
		{ProductID: "P1", Title: "Box", InStock: true, ObservedAt: time.Now()},
		{ProductID: "P1", Title: "Box", InStock: false, ObservedAt: time.Now()},
	}}
	r, err := Build(cfg, afero.NewOsFs(), WithFeed(script), WithExecutor(instantExecutor{}))
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	// The in-stock event drives a purchase; the out-of-stock signal plus the
	// cron sweep then resets the product for the next drop.
	deadline := time.After(10 * time.Second)
	for {
		snap, err := r.Snapshot()
		require.NoError(t, err)
		st, ok := snap.States["P1"]
		if ok && st.Status == purchase.StatusReady && st.AttemptCount == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("P1 never completed the cycle, state: %+v", st)
		case <-time.After(50 * time.Millisecond):
		}
	}

	records, err := r.journal.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, purchase.OutcomePurchased, records[0].Outcome)
	assert.Equal(t, "ORD-424242-01", records[0].OrderRef)
}

func TestRunner_StartTwiceFails(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewAppConfig(testParams(dir))

	r, err := Build(cfg, afero.NewOsFs(), WithFeed(scriptedFeed{}), WithExecutor(instantExecutor{}))
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	r.Stop()

	// Stop is idempotent
	r.Stop()
}

func TestSnapshot_IncludesLearningState(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewAppConfig(testParams(dir))

	r, err := Build(cfg, afero.NewOsFs(), WithFeed(scriptedFeed{}), WithExecutor(instantExecutor{}))
	require.NoError(t, err)

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Pacing.CurrentStrategy)
	assert.NotEmpty(t, snap.Pacing.SessionID)
	assert.Zero(t, snap.Identities.Total)
	assert.Zero(t, snap.Threat.Samples)
	assert.Empty(t, snap.States)
}
