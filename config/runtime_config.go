// Package config holds the runtime configuration of a module loader and the
// code that feeds it from files and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// Load error policies.
const (
	OnLoadErrorAbort = "abort"
	OnLoadErrorSkip  = "skip"
)

// RuntimeConfig configures a Runtime. Durations are Go duration strings.
type RuntimeConfig struct {
	// ModuleListToLoad is a space-separated list of package paths, loaded in
	// the order given.
	ModuleListToLoad string `yaml:"module_list_to_load" json:"module_list_to_load" toml:"module_list_to_load" env:"MODLOADER_MODULE_LIST_TO_LOAD"`
	// ModuleRepository is a directory whose packages are all loaded after the
	// explicit list.
	ModuleRepository string `yaml:"module_repository" json:"module_repository" toml:"module_repository" env:"MODLOADER_MODULE_REPOSITORY"`

	PlatformVersion string `yaml:"platform_version" json:"platform_version" toml:"platform_version" env:"MODLOADER_PLATFORM_VERSION" default:"1.0.0" required:"true"`
	OnLoadError     string `yaml:"on_load_error" json:"on_load_error" toml:"on_load_error" env:"MODLOADER_ON_LOAD_ERROR" default:"abort" required:"true"`
	StartupTimeout  string `yaml:"startup_timeout" json:"startup_timeout" toml:"startup_timeout" env:"MODLOADER_STARTUP_TIMEOUT" default:"30s"`
	StopTimeout     string `yaml:"stop_timeout" json:"stop_timeout" toml:"stop_timeout" env:"MODLOADER_STOP_TIMEOUT" default:"30s"`
	ExtractDir      string `yaml:"extract_dir" json:"extract_dir" toml:"extract_dir" env:"MODLOADER_EXTRACT_DIR"`
	LoadConcurrency int    `yaml:"load_concurrency" json:"load_concurrency" toml:"load_concurrency" env:"MODLOADER_LOAD_CONCURRENCY" default:"4"`

	// RescanSchedule is a cron spec (for example "@every 30s") for polling
	// packages for changes. Empty disables polling.
	RescanSchedule string `yaml:"rescan_schedule" json:"rescan_schedule" toml:"rescan_schedule" env:"MODLOADER_RESCAN_SCHEDULE"`
	WatchDebounce  string `yaml:"watch_debounce" json:"watch_debounce" toml:"watch_debounce" env:"MODLOADER_WATCH_DEBOUNCE" default:"500ms"`
}

// Default returns a config with every default applied.
func Default() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	_ = ApplyDefaults(cfg)
	return cfg
}

// Modules returns the entries of ModuleListToLoad.
func (c *RuntimeConfig) Modules() []string {
	return strings.Fields(c.ModuleListToLoad)
}

// StartupTimeoutDuration returns the per-module startup bound. Zero means
// unbounded.
func (c *RuntimeConfig) StartupTimeoutDuration() time.Duration {
	return parseDuration(c.StartupTimeout)
}

// StopTimeoutDuration returns the bound for a whole shutdown sequence.
func (c *RuntimeConfig) StopTimeoutDuration() time.Duration {
	return parseDuration(c.StopTimeout)
}

// WatchDebounceDuration returns how long the watcher waits for a burst of
// changes to settle.
func (c *RuntimeConfig) WatchDebounceDuration() time.Duration {
	return parseDuration(c.WatchDebounce)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks every field and reports all problems at once.
func (c *RuntimeConfig) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	var errs []error

	if len(c.Modules()) == 0 && c.ModuleRepository == "" {
		errs = append(errs, ErrNoModuleSource)
	}
	if _, err := semver.NewVersion(c.PlatformVersion); err != nil {
		errs = append(errs, fmt.Errorf("%w: platform_version %q: %w", ErrInvalidConfig, c.PlatformVersion, err))
	}
	switch c.OnLoadError {
	case OnLoadErrorAbort, OnLoadErrorSkip:
	default:
		errs = append(errs, fmt.Errorf("%w: on_load_error must be %q or %q, got %q", ErrInvalidConfig, OnLoadErrorAbort, OnLoadErrorSkip, c.OnLoadError))
	}
	for name, value := range map[string]string{
		"startup_timeout": c.StartupTimeout,
		"stop_timeout":    c.StopTimeout,
		"watch_debounce":  c.WatchDebounce,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s %q: %w", ErrInvalidConfig, name, value, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name))
		}
	}
	if c.LoadConcurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: load_concurrency must be at least 1, got %d", ErrInvalidConfig, c.LoadConcurrency))
	}
	if c.RescanSchedule != "" {
		if _, err := cron.ParseStandard(c.RescanSchedule); err != nil {
			errs = append(errs, fmt.Errorf("%w: rescan_schedule %q: %w", ErrInvalidConfig, c.RescanSchedule, err))
		}
	}
	return errors.Join(errs...)
}
