// Package pacing decides the delay before the next outbound request. A small
// bandit over discrete strategies learns which timing profile succeeds,
// layered with an independent cadence pattern and a hard circuit breaker for
// runs of consecutive failures.
package pacing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

// Strategy is a learned timing profile.
type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyModerate     Strategy = "moderate"
	StrategyConservative Strategy = "conservative"
	StrategyStealth      Strategy = "stealth"
)

// strategyOrder fixes iteration order for selection and snapshots.
var strategyOrder = []Strategy{
	StrategyAggressive,
	StrategyModerate,
	StrategyConservative,
	StrategyStealth,
}

// Pattern is a cadence shape layered on top of the strategy.
type Pattern string

const (
	PatternBurst  Pattern = "burst"
	PatternSteady Pattern = "steady"
	PatternRandom Pattern = "random"
	PatternHuman  Pattern = "human"
)

var patternOrder = []Pattern{PatternBurst, PatternSteady, PatternRandom, PatternHuman}

// shape holds a pattern's base delay, jitter width and special-pause length,
// in seconds.
type shape struct {
	base     float64
	variance float64
	cooldown float64
}

var patternShapes = map[Pattern]shape{
	PatternBurst:  {base: 15, variance: 5, cooldown: 120},
	PatternSteady: {base: 25, variance: 10},
	PatternRandom: {base: 30, variance: 20},
	PatternHuman:  {base: 45, variance: 30, cooldown: 180},
}

// strategyStats is the learned record for one strategy. avgDelay is an
// exponential moving average in seconds.
type strategyStats struct {
	successes int
	failures  int
	avgDelay  float64
}

// Initial per-strategy average delays, slowest for stealth.
var initialAvgDelay = map[Strategy]float64{
	StrategyAggressive:   10,
	StrategyModerate:     20,
	StrategyConservative: 30,
	StrategyStealth:      60,
}

const (
	// Multiplier dynamics: grow per failure, shrink per low-threat success.
	backoffFactor   = 1.5
	recoveryFactor  = 0.9
	multiplierCap   = 5.0
	multiplierFloor = 0.5

	// lowThreat is the level under which a success is allowed to speed the
	// pace back up.
	lowThreat = 0.1

	// highThreat scales delays up linearly: x(1 + 2*threat) above it.
	highThreat       = 0.3
	threatScale      = 2.0
	avgDelayDecay    = 0.9
	burstEvery       = 3
	humanPauseChance = 0.3

	// minSessionRequests is how much data a session needs before strategy
	// re-selection kicks in.
	minSessionRequests = 5

	// A run of this many failures re-rolls the pattern early.
	patternFailureLimit = 2
)

// Params configures a Controller. Zero values fall back to defaults.
type Params struct {
	ExplorationRate  float64
	BreakerThreshold int
	BreakerCooldown  time.Duration
	MinDelay         time.Duration
	MaxDelay         time.Duration
}

func (p *Params) applyDefaults() {
	if p.ExplorationRate <= 0 {
		p.ExplorationRate = 0.2
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 3
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = 5 * time.Minute
	}
	if p.MinDelay <= 0 {
		p.MinDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 3 * time.Minute
	}
}

// Decision explains one delay for logging and observability.
type Decision struct {
	Strategy        Strategy `json:"strategy"`
	Pattern         Pattern  `json:"pattern"`
	SessionID       string   `json:"session_id"`
	SessionRequests int      `json:"session_requests"`
	Multiplier      float64  `json:"multiplier"`
	Threat          float64  `json:"threat"`
	BreakerOpen     bool     `json:"breaker_open"`
}

// Controller is safe for concurrent use. The lock covers only in-memory
// bookkeeping; callers sleep outside it.
type Controller struct {
	mu     sync.Mutex
	params Params

	strategy Strategy
	pattern  Pattern
	stats    map[Strategy]*strategyStats

	sessionID       string
	sessionStart    time.Time
	sessionRequests int

	multiplier          float64
	consecutiveFailures int

	breakerOpen     bool
	breakerOpenedAt time.Time

	rng *rand.Rand
	now func() time.Time
}

// NewController starts in the most conservative corner: stealth strategy,
// human pattern. Learning moves it faster only when responses allow.
func NewController(params Params) *Controller {
	params.applyDefaults()
	c := &Controller{
		params:     params,
		strategy:   StrategyStealth,
		pattern:    PatternHuman,
		stats:      make(map[Strategy]*strategyStats),
		multiplier: 1.0,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
	for _, s := range strategyOrder {
		c.stats[s] = &strategyStats{avgDelay: initialAvgDelay[s]}
	}
	c.resetSession()
	return c
}

func (c *Controller) resetSession() {
	c.sessionID = uuid.NewString()
	c.sessionStart = c.now()
	c.sessionRequests = 0
}

// NextDelay computes the pause before the next request. While the breaker is
// open every call returns the fixed breaker cooldown; otherwise the delay is
// mean(pattern base, strategy average) scaled by the adaptive multiplier and
// threat, jittered, and clamped to the configured envelope.
func (c *Controller) NextDelay(threatLevel float64) (time.Duration, Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeCloseBreaker()
	if c.breakerOpen {
		return c.params.BreakerCooldown, Decision{
			Strategy:    c.strategy,
			Pattern:     c.pattern,
			SessionID:   c.sessionID,
			Multiplier:  c.multiplier,
			Threat:      threatLevel,
			BreakerOpen: true,
		}
	}

	if c.sessionRequests > minSessionRequests {
		c.strategy = c.selectStrategy()
	}
	if c.shouldChangePattern() {
		c.pattern = patternOrder[c.rng.Intn(len(patternOrder))]
		c.resetSession()
	}

	sh := patternShapes[c.pattern]
	stats := c.stats[c.strategy]

	seconds := (sh.base + stats.avgDelay) / 2
	seconds *= c.multiplier
	if threatLevel > highThreat {
		seconds *= 1 + threatScale*threatLevel
	}
	seconds += c.rng.Float64()*2*sh.variance - sh.variance

	switch c.pattern {
	case PatternBurst:
		if c.sessionRequests > 0 && c.sessionRequests%burstEvery == 0 {
			seconds = sh.cooldown
		}
	case PatternHuman:
		if c.rng.Float64() < humanPauseChance {
			seconds = 30 + c.rng.Float64()*90
		}
	}

	delay := c.clamp(time.Duration(seconds * float64(time.Second)))
	stats.avgDelay = stats.avgDelay*avgDelayDecay + delay.Seconds()*(1-avgDelayDecay)

	return delay, Decision{
		Strategy:        c.strategy,
		Pattern:         c.pattern,
		SessionID:       c.sessionID,
		SessionRequests: c.sessionRequests,
		Multiplier:      c.multiplier,
		Threat:          threatLevel,
	}
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d < c.params.MinDelay {
		return c.params.MinDelay
	}
	if d > c.params.MaxDelay {
		return c.params.MaxDelay
	}
	return d
}

// RecordResult is the only write path into the learned statistics. Successes
// reset the failure run and (when threat is low) speed the pace back up;
// failures back off geometrically and feed the breaker.
func (c *Controller) RecordResult(success bool, responseTime time.Duration, threatLevel float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionRequests++
	stats := c.stats[c.strategy]

	if success {
		stats.successes++
		c.consecutiveFailures = 0
		if threatLevel < lowThreat {
			c.multiplier = max(multiplierFloor, c.multiplier*recoveryFactor)
		}
		return
	}

	stats.failures++
	c.consecutiveFailures++
	c.multiplier = min(multiplierCap, c.multiplier*backoffFactor)

	if c.consecutiveFailures >= c.params.BreakerThreshold && !c.breakerOpen {
		c.breakerOpen = true
		c.breakerOpenedAt = c.now()
		logging.Warn("pacing circuit breaker opened after %d consecutive failures", c.consecutiveFailures)
	}
}

// maybeCloseBreaker auto-closes once the cooldown has elapsed, resetting the
// failure run and the multiplier to baseline.
func (c *Controller) maybeCloseBreaker() {
	if !c.breakerOpen {
		return
	}
	if c.now().Sub(c.breakerOpenedAt) <= c.params.BreakerCooldown {
		return
	}
	c.breakerOpen = false
	c.consecutiveFailures = 0
	c.multiplier = 1.0
	c.resetSession()
	logging.Info("pacing circuit breaker closed, resuming normal pacing")
}

// score weighs a strategy's success rate against its speed. Untested
// strategies score neutral so exploration can reach them.
func score(stats *strategyStats) float64 {
	total := stats.successes + stats.failures
	if total == 0 {
		return 0.5
	}
	successRate := float64(stats.successes) / float64(total)
	speedBonus := 1.0 / max(0.1, stats.avgDelay)
	return successRate*0.8 + speedBonus*0.2
}

// selectStrategy is epsilon-greedy: explore uniformly with probability
// ExplorationRate, otherwise exploit the best score.
func (c *Controller) selectStrategy() Strategy {
	if c.rng.Float64() < c.params.ExplorationRate {
		return strategyOrder[c.rng.Intn(len(strategyOrder))]
	}
	best := StrategyConservative
	bestScore := 0.0
	for _, s := range strategyOrder {
		if sc := score(c.stats[s]); sc > bestScore {
			bestScore = sc
			best = s
		}
	}
	return best
}

// shouldChangePattern re-rolls the cadence after a randomized request count
// or session age, or early after a short run of failures, so no fixed rhythm
// emerges.
func (c *Controller) shouldChangePattern() bool {
	if c.consecutiveFailures >= patternFailureLimit {
		return true
	}
	if c.sessionRequests > 10+c.rng.Intn(11) {
		return true
	}
	age := c.now().Sub(c.sessionStart)
	return age > time.Duration(300+c.rng.Intn(301))*time.Second
}

// Stats is the observability snapshot of the controller.
type Stats struct {
	CurrentStrategy     Strategy             `json:"current_strategy"`
	CurrentPattern      Pattern              `json:"current_pattern"`
	SessionID           string               `json:"session_id"`
	TotalRequests       int                  `json:"total_requests"`
	OverallSuccessRate  float64              `json:"overall_success_rate"`
	Multiplier          float64              `json:"current_multiplier"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	BreakerOpen         bool                 `json:"circuit_breaker_open"`
	StrategyScores      map[Strategy]float64 `json:"strategy_scores"`
}

// Snapshot returns current learning state for the observability API.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		CurrentStrategy:     c.strategy,
		CurrentPattern:      c.pattern,
		SessionID:           c.sessionID,
		Multiplier:          c.multiplier,
		ConsecutiveFailures: c.consecutiveFailures,
		BreakerOpen:         c.breakerOpen,
		StrategyScores:      make(map[Strategy]float64, len(strategyOrder)),
	}
	successes := 0
	for _, s := range strategyOrder {
		stats := c.stats[s]
		st.TotalRequests += stats.successes + stats.failures
		successes += stats.successes
		st.StrategyScores[s] = score(stats)
	}
	if st.TotalRequests > 0 {
		st.OverallSuccessRate = float64(successes) / float64(st.TotalRequests)
	}
	return st
}
