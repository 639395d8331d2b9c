// Package feed supplies availability events for watched products. Checks run
// through a governed loop: every probe acquires an identity, waits out the
// pacing delay, has its response classified, and reports the outcome back.
// The real HTTP prober lives outside this repo; a mock prober stands in for
// offline runs.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/takumi-oki/restockd/internal/domain/identity"
	"github.com/takumi-oki/restockd/internal/domain/pacing"
	"github.com/takumi-oki/restockd/internal/domain/threat"
	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

// StockEvent is one availability observation for one product.
type StockEvent struct {
	ProductID  string
	Title      string
	InStock    bool
	ObservedAt time.Time
}

// Feed emits availability events until the context is done.
type Feed interface {
	Run(ctx context.Context, events chan<- StockEvent) error
}

// WatchItem is one watched product.
type WatchItem struct {
	ID       string `yaml:"id"`
	Title    string `yaml:"title"`
	Priority int    `yaml:"priority"`
}

// Watchlist is the parsed watchlist file, highest priority first.
type Watchlist struct {
	Products []WatchItem `yaml:"products"`
}

// LoadWatchlist parses a watchlist YAML file. Titles are NFC-normalized so
// visually identical vendor titles compare equal. Duplicate and empty IDs are
// rejected.
func LoadWatchlist(fsys afero.Fs, path string) (Watchlist, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return Watchlist{}, fmt.Errorf("failed to read watchlist %s: %w", path, err)
	}

	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return Watchlist{}, fmt.Errorf("failed to parse watchlist %s: %w", path, err)
	}

	seen := make(map[string]bool, len(wl.Products))
	for i := range wl.Products {
		item := &wl.Products[i]
		if item.ID == "" {
			return Watchlist{}, fmt.Errorf("watchlist %s: product %d has no id", path, i)
		}
		if seen[item.ID] {
			return Watchlist{}, fmt.Errorf("watchlist %s: duplicate product id %s", path, item.ID)
		}
		seen[item.ID] = true
		item.Title = norm.NFC.String(item.Title)
	}

	sort.SliceStable(wl.Products, func(i, j int) bool {
		return wl.Products[i].Priority > wl.Products[j].Priority
	})
	return wl, nil
}

// Prober performs one availability check presenting the given identity.
// The returned Response feeds the classifier; InStock is the parsed answer.
type Prober interface {
	Probe(ctx context.Context, item WatchItem, id identity.Identity) (inStock bool, resp threat.Response, err error)
}

// GovernedFeed walks the watchlist in priority order, one governed probe at a
// time: pacing delay, identity acquisition, probe, classification, outcome
// reporting. Blocking signals penalize the identity used.
type GovernedFeed struct {
	mu        sync.Mutex
	watchlist Watchlist

	prober     Prober
	pool       *identity.Pool
	pacer      *pacing.Controller
	classifier *threat.Classifier
}

func NewGovernedFeed(wl Watchlist, prober Prober, pool *identity.Pool, pacer *pacing.Controller, classifier *threat.Classifier) *GovernedFeed {
	return &GovernedFeed{
		watchlist:  wl,
		prober:     prober,
		pool:       pool,
		pacer:      pacer,
		classifier: classifier,
	}
}

// Replace swaps the watchlist, used by the file watcher on reload.
func (f *GovernedFeed) Replace(wl Watchlist) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchlist = wl
}

func (f *GovernedFeed) items() []WatchItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WatchItem(nil), f.watchlist.Products...)
}

// Run probes every watched product in rounds until ctx is done. The pacing
// delay runs before each probe; no lock is held while sleeping or probing.
func (f *GovernedFeed) Run(ctx context.Context, events chan<- StockEvent) error {
	for {
		items := f.items()
		if len(items) == 0 {
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		for _, item := range items {
			if err := f.probeOne(ctx, item, events); err != nil {
				return err
			}
		}
	}
}

// probeOne runs one governed check. Only ctx errors propagate; probe and
// classification trouble is data for the learning loops.
func (f *GovernedFeed) probeOne(ctx context.Context, item WatchItem, events chan<- StockEvent) error {
	delay, decision := f.pacer.NextDelay(f.classifier.WindowAssessment().AvgLevel)
	logging.Debug("next check in %s: product=%s strategy=%s pattern=%s",
		delay.Round(time.Millisecond), item.ID, decision.Strategy, decision.Pattern)
	if err := sleep(ctx, delay); err != nil {
		return err
	}

	id, err := f.pool.Acquire()
	hasIdentity := err == nil
	if err != nil && !errors.Is(err, identity.ErrEmptyPool) {
		return err
	}

	inStock, resp, err := f.prober.Probe(ctx, item, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn("probe failed: product=%s: %v", item.ID, err)
		if hasIdentity {
			f.pool.Report(id.Credential, false)
		}
		f.pacer.RecordResult(false, 0, 0)
		return nil
	}

	assessment := f.classifier.Classify(resp)
	success := resp.Status >= 200 && resp.Status < 300
	if hasIdentity {
		if blockingSignal(assessment) {
			f.pool.Penalize(id.Credential)
		} else {
			f.pool.Report(id.Credential, success)
		}
	}
	f.pacer.RecordResult(success, resp.Latency, assessment.Level)

	if !success {
		return nil
	}
	event := StockEvent{
		ProductID:  item.ID,
		Title:      item.Title,
		InStock:    inStock,
		ObservedAt: time.Now().UTC(),
	}
	select {
	case events <- event:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// blockingSignal reports whether the server explicitly pushed back.
func blockingSignal(a threat.Assessment) bool {
	for _, flag := range a.Flags {
		if flag == threat.FlagRateLimited || flag == threat.FlagForbidden {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockProber simulates the retail endpoint: plausible latency, an in-stock
// flip at the configured odds, and occasional rate-limit pushback.
type MockProber struct {
	mu          sync.Mutex
	inStockOdds float64
	blockOdds   float64
	rng         *rand.Rand
}

// NewMockProber creates a mock prober. inStockOdds defaults to 0.1.
func NewMockProber(inStockOdds, blockOdds float64) *MockProber {
	if inStockOdds <= 0 {
		inStockOdds = 0.1
	}
	return &MockProber{
		inStockOdds: inStockOdds,
		blockOdds:   blockOdds,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockProber) Probe(ctx context.Context, item WatchItem, id identity.Identity) (bool, threat.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latency := time.Duration(50+m.rng.Intn(100)) * time.Millisecond
	if m.rng.Float64() < m.blockOdds {
		return false, threat.Response{Status: 429, Latency: latency, Body: "slow down"}, nil
	}

	inStock := m.rng.Float64() < m.inStockOdds
	stock := "sold_out"
	if inStock {
		stock = "available"
	}
	body := fmt.Sprintf(`{"product_id":%q,"stock":%q}`, item.ID, stock)
	return inStock, threat.Response{Status: 200, Latency: latency, Body: body}, nil
}
