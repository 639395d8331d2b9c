package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/takumi-oki/restockd/internal/app/config"
)

// RawIdentity is one identity bundle as it appears in the settings file.
type RawIdentity struct {
	Credential    string `koanf:"credential" json:"credential"`
	HeaderProfile string `koanf:"header_profile" json:"header_profile"`
	RoutingTag    string `koanf:"routing_tag" json:"routing_tag"`
}

// RawSettings represents the structure of the setting.json / setting.yaml
// file. Pointer fields distinguish "absent" from zero values so that
// applyDefaults only fills what the user left out.
type RawSettings struct {
	// Paths
	Home        *string `koanf:"home" json:"home"`
	StateFile   *string `koanf:"state_file" json:"state_file"`
	LockFile    *string `koanf:"lock_file" json:"lock_file"`
	JournalFile *string `koanf:"journal_file" json:"journal_file"`
	LogFile     *string `koanf:"log_file" json:"log_file"`
	Watchlist   *string `koanf:"watchlist" json:"watchlist"`

	// Execution
	Mode               *string  `koanf:"mode" json:"mode"`
	Workers            *int     `koanf:"workers" json:"workers"`
	ExecutorTimeoutSec *int     `koanf:"executor_timeout_sec" json:"executor_timeout_sec"`
	MockSuccessRate    *float64 `koanf:"mock_success_rate" json:"mock_success_rate"`

	// State store policy
	StuckTimeoutSec      *int `koanf:"stuck_timeout_sec" json:"stuck_timeout_sec"`
	ReconcileIntervalSec *int `koanf:"reconcile_interval_sec" json:"reconcile_interval_sec"`
	SignalTTLSec         *int `koanf:"signal_ttl_sec" json:"signal_ttl_sec"`

	// Identity pool
	IdentityCooldownSec *int          `koanf:"identity_cooldown_sec" json:"identity_cooldown_sec"`
	Identities          []RawIdentity `koanf:"identities" json:"identities"`

	// Pacing controller
	BreakerThreshold   *int     `koanf:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldownSec *int     `koanf:"breaker_cooldown_sec" json:"breaker_cooldown_sec"`
	ExplorationRate    *float64 `koanf:"exploration_rate" json:"exploration_rate"`
	MinDelaySec        *float64 `koanf:"min_delay_sec" json:"min_delay_sec"`
	MaxDelaySec        *float64 `koanf:"max_delay_sec" json:"max_delay_sec"`

	// Response classifier
	LatencySpikeStreak *int `koanf:"latency_spike_streak" json:"latency_spike_streak"`

	// Logging
	StderrLevel *string `koanf:"stderr_level" json:"stderr_level"`
}

// LoadSettings loads configuration from setting.json or setting.yaml under
// baseDir. Priority: settings file > defaults. A missing file is not an
// error; it simply yields defaults.
func LoadSettings(baseDir string) (*config.AppConfig, error) {
	settings := &RawSettings{}
	configSource := "default"
	settingPath := ""

	for _, name := range []string{"setting.json", "setting.yaml", "setting.yml"} {
		candidate := filepath.Join(baseDir, name)
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		if err := parseSettings(data, candidate, settings); err != nil {
			return nil, err
		}
		configSource = "file"
		settingPath = candidate
		break
	}

	applyDefaults(settings, baseDir)

	if err := validate(settings); err != nil {
		return nil, err
	}

	return buildAppConfig(settings, configSource, settingPath)
}

// parseSettings decodes raw file bytes into settings, picking the parser by
// file extension.
func parseSettings(data []byte, path string, settings *RawSettings) error {
	k := koanf.New(".")

	var parser koanf.Parser
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		parser = kyaml.Parser()
	} else {
		parser = kjson.Parser()
	}

	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", settings, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills in default values for any nil fields
func applyDefaults(settings *RawSettings, baseDir string) {
	strDefault := func(p **string, v string) {
		if *p == nil {
			*p = &v
		}
	}
	intDefault := func(p **int, v int) {
		if *p == nil {
			*p = &v
		}
	}
	floatDefault := func(p **float64, v float64) {
		if *p == nil {
			*p = &v
		}
	}

	strDefault(&settings.Home, baseDir)
	home := *settings.Home
	strDefault(&settings.StateFile, filepath.Join(home, "var", "purchase_states.json"))
	strDefault(&settings.LockFile, filepath.Join(home, "var", "purchase_states.lock"))
	strDefault(&settings.JournalFile, filepath.Join(home, "var", "attempts.ndjson"))
	strDefault(&settings.LogFile, filepath.Join(home, "var", "restockd.log"))
	strDefault(&settings.Watchlist, filepath.Join(home, "watchlist.yaml"))

	strDefault(&settings.Mode, string(config.ModeMock))
	intDefault(&settings.Workers, 4)
	intDefault(&settings.ExecutorTimeoutSec, 120)
	floatDefault(&settings.MockSuccessRate, 0.7)

	intDefault(&settings.StuckTimeoutSec, 60)
	intDefault(&settings.ReconcileIntervalSec, 30)
	intDefault(&settings.SignalTTLSec, 300)

	intDefault(&settings.IdentityCooldownSec, 45)

	intDefault(&settings.BreakerThreshold, 3)
	intDefault(&settings.BreakerCooldownSec, 300)
	floatDefault(&settings.ExplorationRate, 0.2)
	floatDefault(&settings.MinDelaySec, 0.5)
	floatDefault(&settings.MaxDelaySec, 180)

	intDefault(&settings.LatencySpikeStreak, 3)

	strDefault(&settings.StderrLevel, "info")
}

// validate rejects settings no component can run with. It assumes
// applyDefaults has already run, so every pointer is non-nil.
func validate(s *RawSettings) error {
	if _, err := config.ParseMode(*s.Mode); err != nil {
		return err
	}
	if *s.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", *s.Workers)
	}
	for name, v := range map[string]int{
		"executor_timeout_sec":   *s.ExecutorTimeoutSec,
		"stuck_timeout_sec":      *s.StuckTimeoutSec,
		"reconcile_interval_sec": *s.ReconcileIntervalSec,
		"signal_ttl_sec":         *s.SignalTTLSec,
		"identity_cooldown_sec":  *s.IdentityCooldownSec,
		"breaker_threshold":      *s.BreakerThreshold,
		"breaker_cooldown_sec":   *s.BreakerCooldownSec,
		"latency_spike_streak":   *s.LatencySpikeStreak,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	for name, v := range map[string]float64{
		"exploration_rate":  *s.ExplorationRate,
		"mock_success_rate": *s.MockSuccessRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}
	if *s.MinDelaySec <= 0 {
		return fmt.Errorf("min_delay_sec must be positive, got %g", *s.MinDelaySec)
	}
	if *s.MaxDelaySec < *s.MinDelaySec {
		return fmt.Errorf("max_delay_sec (%g) must be >= min_delay_sec (%g)",
			*s.MaxDelaySec, *s.MinDelaySec)
	}
	return nil
}

// buildAppConfig converts validated RawSettings into the immutable AppConfig.
func buildAppConfig(s *RawSettings, configSource, settingPath string) (*config.AppConfig, error) {
	mode, err := config.ParseMode(*s.Mode)
	if err != nil {
		return nil, err
	}

	seeds := make([]config.IdentitySeed, 0, len(s.Identities))
	for _, id := range s.Identities {
		seeds = append(seeds, config.IdentitySeed{
			Credential:    id.Credential,
			HeaderProfile: id.HeaderProfile,
			RoutingTag:    id.RoutingTag,
		})
	}

	return config.NewAppConfig(config.Params{
		Home:                 *s.Home,
		StateFile:            *s.StateFile,
		LockFile:             *s.LockFile,
		JournalFile:          *s.JournalFile,
		LogFile:              *s.LogFile,
		Watchlist:            *s.Watchlist,
		Mode:                 mode,
		Workers:              *s.Workers,
		ExecutorTimeoutSec:   *s.ExecutorTimeoutSec,
		MockSuccessRate:      *s.MockSuccessRate,
		StuckTimeoutSec:      *s.StuckTimeoutSec,
		ReconcileIntervalSec: *s.ReconcileIntervalSec,
		SignalTTLSec:         *s.SignalTTLSec,
		IdentityCooldownSec:  *s.IdentityCooldownSec,
		Identities:           seeds,
		BreakerThreshold:     *s.BreakerThreshold,
		BreakerCooldownSec:   *s.BreakerCooldownSec,
		ExplorationRate:      *s.ExplorationRate,
		MinDelaySec:          *s.MinDelaySec,
		MaxDelaySec:          *s.MaxDelaySec,
		LatencySpikeStreak:   *s.LatencySpikeStreak,
		StderrLevel:          *s.StderrLevel,
		ConfigSource:         configSource,
		SettingPath:          settingPath,
	}), nil
}
