// Package threat scores HTTP responses into a continuous [0,1] threat level
// with discrete warning flags. Detection signals are data consumed by the
// pacing controller and identity pool, never errors.
package threat

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Score weights. Heuristic starting points, not measured quantities.
const (
	weightRateLimit    = 0.9
	weightForbidden    = 0.7
	weightSoftBan      = 0.5
	weightHTTPError    = 0.3
	weightLatencySpike = 0.4
	weightEmptyBody    = 0.4
	weightBotKeyword   = 0.6

	// actionThreshold is the level above which the caller should change
	// behavior (slow down, rotate identity).
	actionThreshold = 0.3

	// latencySpikeFactor: a response slower than this multiple of the clean
	// baseline counts toward the spike streak.
	latencySpikeFactor = 2.0

	historySize  = 100
	baselineSize = 50
)

// Flag is a discrete warning raised by one response.
type Flag string

const (
	FlagRateLimited  Flag = "rate_limited"
	FlagForbidden    Flag = "forbidden"
	FlagSoftBan      Flag = "soft_ban"
	FlagHTTPError    Flag = "http_error"
	FlagLatencySpike Flag = "latency_spike"
	FlagEmptyBody    Flag = "empty_body"
	FlagBotKeyword   Flag = "bot_keyword"
)

// botKeywords are body fragments that identify a block page served with a
// success status.
var botKeywords = []string{
	"captcha",
	"robot",
	"automated",
	"unusual traffic",
	"access denied",
	"verify you are human",
}

// Response is the classifier's view of one HTTP exchange. Malformed is set by
// the caller when a success body fails vendor-side parsing; the classifier
// itself never interprets wire formats.
type Response struct {
	Status    int
	Latency   time.Duration
	Body      string
	Malformed bool
}

func (r Response) success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Assessment is the classification of one response. Ephemeral; consumed
// immediately and aggregated into the rolling window.
type Assessment struct {
	Level        float64 `json:"threat_level"`
	Flags        []Flag  `json:"warning_flags,omitempty"`
	ActionNeeded bool    `json:"action_needed"`
}

// Classifier accumulates a latency baseline from clean successes and a
// bounded history of recent assessments. Safe for concurrent use.
type Classifier struct {
	mu sync.Mutex

	// spikeStreak counts consecutive slow responses; the latency weight
	// fires only once the streak reaches spikeStreakLen.
	spikeStreak    int
	spikeStreakLen int

	cleanLatencies []time.Duration
	history        []Assessment
}

// NewClassifier creates a classifier. streak is the number of consecutive
// slow responses required before latency counts as a threat; values < 1 fall
// back to 3.
func NewClassifier(streak int) *Classifier {
	if streak < 1 {
		streak = 3
	}
	return &Classifier{spikeStreakLen: streak}
}

// Classify scores one response. The latency baseline updates only from clean
// successes, so sustained blocking cannot poison it upward.
func (c *Classifier) Classify(resp Response) Assessment {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		score float64
		flags []Flag
	)

	switch {
	case resp.Status == http.StatusTooManyRequests:
		score += weightRateLimit
		flags = append(flags, FlagRateLimited)
	case resp.Status == http.StatusForbidden:
		score += weightForbidden
		flags = append(flags, FlagForbidden)
	case resp.Status == http.StatusNotFound:
		// Watched product endpoints normally return 200; not-found here
		// is a soft ban, not a missing page.
		score += weightSoftBan
		flags = append(flags, FlagSoftBan)
	case !resp.success():
		score += weightHTTPError
		flags = append(flags, FlagHTTPError)
	}

	if c.slowAgainstBaseline(resp.Latency) {
		c.spikeStreak++
		if c.spikeStreak >= c.spikeStreakLen {
			score += weightLatencySpike
			flags = append(flags, FlagLatencySpike)
		}
	} else {
		c.spikeStreak = 0
	}

	if resp.success() {
		if strings.TrimSpace(resp.Body) == "" || resp.Malformed {
			score += weightEmptyBody
			flags = append(flags, FlagEmptyBody)
		}
		if keyword := matchBotKeyword(resp.Body); keyword != "" {
			score += weightBotKeyword
			flags = append(flags, FlagBotKeyword)
		}
	}

	if score > 1.0 {
		score = 1.0
	}

	assessment := Assessment{
		Level:        score,
		Flags:        flags,
		ActionNeeded: score > actionThreshold,
	}

	if resp.success() && score == 0 {
		c.recordCleanLatency(resp.Latency)
	}
	c.record(assessment)
	return assessment
}

func matchBotKeyword(body string) string {
	lowered := strings.ToLower(body)
	for _, keyword := range botKeywords {
		if strings.Contains(lowered, keyword) {
			return keyword
		}
	}
	return ""
}

// slowAgainstBaseline compares against the rolling median of clean-success
// latencies. No baseline yet means nothing is slow.
func (c *Classifier) slowAgainstBaseline(latency time.Duration) bool {
	baseline := c.baselineLocked()
	if baseline <= 0 || latency <= 0 {
		return false
	}
	return float64(latency) > latencySpikeFactor*float64(baseline)
}

func (c *Classifier) baselineLocked() time.Duration {
	n := len(c.cleanLatencies)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, c.cleanLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (c *Classifier) recordCleanLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	c.cleanLatencies = append(c.cleanLatencies, latency)
	if len(c.cleanLatencies) > baselineSize {
		c.cleanLatencies = c.cleanLatencies[1:]
	}
}

func (c *Classifier) record(a Assessment) {
	c.history = append(c.history, a)
	if len(c.history) > historySize {
		c.history = c.history[1:]
	}
}

// Baseline returns the current clean-success latency median, for
// observability.
func (c *Classifier) Baseline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baselineLocked()
}

// Window aggregates the bounded assessment history.
type Window struct {
	Samples    int          `json:"samples"`
	AvgLevel   float64      `json:"avg_level"`
	MaxLevel   float64      `json:"max_level"`
	ActionRate float64      `json:"action_rate"`
	FlagCounts map[Flag]int `json:"flag_counts,omitempty"`
}

// WindowAssessment summarizes the recent history (last 100 responses) for the
// observability snapshot.
func (c *Classifier) WindowAssessment() Window {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := Window{Samples: len(c.history)}
	if w.Samples == 0 {
		return w
	}

	w.FlagCounts = make(map[Flag]int)
	var sum float64
	actions := 0
	for _, a := range c.history {
		sum += a.Level
		if a.Level > w.MaxLevel {
			w.MaxLevel = a.Level
		}
		if a.ActionNeeded {
			actions++
		}
		for _, f := range a.Flags {
			w.FlagCounts[f]++
		}
	}
	w.AvgLevel = sum / float64(w.Samples)
	w.ActionRate = float64(actions) / float64(w.Samples)
	return w
}
