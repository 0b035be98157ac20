package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOPILOT_SCHEDULER_CONCURRENCY.
const EnvPrefix = "AUTOPILOT"

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := newViper()

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.autopilot/config.yaml
// Project: .autopilot/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// GlobalPath returns ~/.autopilot/config.yaml.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

// ProjectPath returns .autopilot/config.yaml relative to the working directory.
func ProjectPath() string {
	return filepath.Join(DirName, "config.yaml")
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Validate checks value ranges.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if cfg.Scheduler.Concurrency < 1 {
		errs = append(errs, errors.New("scheduler.concurrency must be at least 1"))
	}
	if cfg.Scheduler.MaxFailures < 1 {
		errs = append(errs, errors.New("scheduler.max_failures must be at least 1"))
	}
	if cfg.Decompose.ComplexityThreshold <= 0 {
		errs = append(errs, errors.New("decompose.complexity_threshold must be positive"))
	}
	switch cfg.Decompose.Generator {
	case GeneratorArchetype, GeneratorBackend:
	default:
		errs = append(errs, fmt.Errorf("decompose.generator %q must be %q or %q", cfg.Decompose.Generator, GeneratorArchetype, GeneratorBackend))
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if cfg.Retry.RandomizationFactor < 0 || cfg.Retry.RandomizationFactor > 1 {
		errs = append(errs, errors.New("retry.randomization_factor must be within 0-1"))
	}
	if cfg.Backend.Command == "" {
		errs = append(errs, errors.New("backend.command is required"))
	}
	switch cfg.Workspace.Strategy {
	case "ort", "ours", "theirs":
	default:
		errs = append(errs, fmt.Errorf("workspace.strategy %q must be ort, ours or theirs", cfg.Workspace.Strategy))
	}
	if cfg.Workspace.Dir == "" {
		errs = append(errs, errors.New("workspace.dir is required"))
	}
	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
