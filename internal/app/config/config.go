package config

import (
	"fmt"
	"time"
)

// Mode selects how purchase attempts are executed.
// It is decided once at startup and never changes at runtime.
type Mode string

const (
	// ModeReal drives the external checkout automation.
	ModeReal Mode = "real"
	// ModeMock simulates checkout with configurable outcomes.
	ModeMock Mode = "mock"
	// ModeDisabled observes stock but never attempts a purchase.
	ModeDisabled Mode = "disabled"
)

// ParseMode converts a settings string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReal, ModeMock, ModeDisabled:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown execution mode %q (expected real, mock, or disabled)", s)
	}
}

// IdentitySeed is one configured request identity bundle.
// The credential/header/routing values are opaque data to this program.
type IdentitySeed struct {
	Credential    string
	HeaderProfile string
	RoutingTag    string
}

// Config provides read-only access to application configuration.
// This interface abstracts the configuration source (settings file or
// defaults) so the app layer doesn't depend on infrastructure details.
type Config interface {
	// Paths
	Home() string        // Base directory for restockd state
	StateFile() string   // Persisted purchase state map (JSON)
	LockFile() string    // Cross-process advisory lock file
	JournalFile() string // Append-only attempt journal (NDJSON)
	LogFile() string     // Rotating log file ("" disables file logging)
	Watchlist() string   // Watched products file (YAML)

	// Execution
	Mode() Mode
	Workers() int
	ExecutorTimeout() time.Duration
	MockSuccessRate() float64

	// State store policy
	StuckTimeout() time.Duration
	ReconcileInterval() time.Duration
	SignalTTL() time.Duration

	// Identity pool
	IdentityCooldown() time.Duration
	Identities() []IdentitySeed

	// Pacing controller
	BreakerThreshold() int
	BreakerCooldown() time.Duration
	ExplorationRate() float64
	MinDelay() time.Duration
	MaxDelay() time.Duration

	// Response classifier
	LatencySpikeStreak() int

	// Logging
	StderrLevel() string

	// Metadata
	ConfigSource() string // "file" or "default"
	SettingPath() string  // Path to the settings file if loaded from one
}

// AppConfig is the concrete implementation of Config.
type AppConfig struct {
	home        string
	stateFile   string
	lockFile    string
	journalFile string
	logFile     string
	watchlist   string

	mode               Mode
	workers            int
	executorTimeoutSec int
	mockSuccessRate    float64

	stuckTimeoutSec      int
	reconcileIntervalSec int
	signalTTLSec         int

	identityCooldownSec int
	identities          []IdentitySeed

	breakerThreshold   int
	breakerCooldownSec int
	explorationRate    float64
	minDelaySec        float64
	maxDelaySec        float64

	latencySpikeStreak int

	stderrLevel string

	configSource string
	settingPath  string
}

// Params carries every recognized option into NewAppConfig.
// Infrastructure loaders fill it after applying defaults and validation.
type Params struct {
	Home        string
	StateFile   string
	LockFile    string
	JournalFile string
	LogFile     string
	Watchlist   string

	Mode               Mode
	Workers            int
	ExecutorTimeoutSec int
	MockSuccessRate    float64

	StuckTimeoutSec      int
	ReconcileIntervalSec int
	SignalTTLSec         int

	IdentityCooldownSec int
	Identities          []IdentitySeed

	BreakerThreshold   int
	BreakerCooldownSec int
	ExplorationRate    float64
	MinDelaySec        float64
	MaxDelaySec        float64

	LatencySpikeStreak int

	StderrLevel string

	ConfigSource string
	SettingPath  string
}

// NewAppConfig builds an AppConfig from validated parameters.
func NewAppConfig(p Params) *AppConfig {
	return &AppConfig{
		home:                 p.Home,
		stateFile:            p.StateFile,
		lockFile:             p.LockFile,
		journalFile:          p.JournalFile,
		logFile:              p.LogFile,
		watchlist:            p.Watchlist,
		mode:                 p.Mode,
		workers:              p.Workers,
		executorTimeoutSec:   p.ExecutorTimeoutSec,
		mockSuccessRate:      p.MockSuccessRate,
		stuckTimeoutSec:      p.StuckTimeoutSec,
		reconcileIntervalSec: p.ReconcileIntervalSec,
		signalTTLSec:         p.SignalTTLSec,
		identityCooldownSec:  p.IdentityCooldownSec,
		identities:           p.Identities,
		breakerThreshold:     p.BreakerThreshold,
		breakerCooldownSec:   p.BreakerCooldownSec,
		explorationRate:      p.ExplorationRate,
		minDelaySec:          p.MinDelaySec,
		maxDelaySec:          p.MaxDelaySec,
		latencySpikeStreak:   p.LatencySpikeStreak,
		stderrLevel:          p.StderrLevel,
		configSource:         p.ConfigSource,
		settingPath:          p.SettingPath,
	}
}

func (c *AppConfig) Home() string        { return c.home }
func (c *AppConfig) StateFile() string   { return c.stateFile }
func (c *AppConfig) LockFile() string    { return c.lockFile }
func (c *AppConfig) JournalFile() string { return c.journalFile }
func (c *AppConfig) LogFile() string     { return c.logFile }
func (c *AppConfig) Watchlist() string   { return c.watchlist }

func (c *AppConfig) Mode() Mode { return c.mode }

func (c *AppConfig) Workers() int { return c.workers }

func (c *AppConfig) ExecutorTimeout() time.Duration {
	return time.Duration(c.executorTimeoutSec) * time.Second
}

func (c *AppConfig) MockSuccessRate() float64 { return c.mockSuccessRate }

func (c *AppConfig) StuckTimeout() time.Duration {
	return time.Duration(c.stuckTimeoutSec) * time.Second
}

func (c *AppConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.reconcileIntervalSec) * time.Second
}

func (c *AppConfig) SignalTTL() time.Duration {
	return time.Duration(c.signalTTLSec) * time.Second
}

func (c *AppConfig) IdentityCooldown() time.Duration {
	return time.Duration(c.identityCooldownSec) * time.Second
}

func (c *AppConfig) Identities() []IdentitySeed { return c.identities }

func (c *AppConfig) BreakerThreshold() int { return c.breakerThreshold }

func (c *AppConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.breakerCooldownSec) * time.Second
}

func (c *AppConfig) ExplorationRate() float64 { return c.explorationRate }

func (c *AppConfig) MinDelay() time.Duration {
	return time.Duration(c.minDelaySec * float64(time.Second))
}

func (c *AppConfig) MaxDelay() time.Duration {
	return time.Duration(c.maxDelaySec * float64(time.Second))
}

func (c *AppConfig) LatencySpikeStreak() int { return c.latencySpikeStreak }

func (c *AppConfig) StderrLevel() string { return c.stderrLevel }

func (c *AppConfig) ConfigSource() string { return c.configSource }
func (c *AppConfig) SettingPath() string  { return c.settingPath }
