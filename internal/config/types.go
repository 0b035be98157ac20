package config

import (
	"time"

	"github.com/aristath/autopilot/internal/backend"
)

// Generator names accepted by decompose.generator.
const (
	GeneratorArchetype = "archetype"
	GeneratorBackend   = "backend"
)

// SchedulerConfig controls the autonomous run loop.
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"` // Failed tasks are requeued while failureCount is below this
}

// DecomposeConfig controls how large tasks are split.
type DecomposeConfig struct {
	ComplexityThreshold float64 `mapstructure:"complexity_threshold" yaml:"complexity_threshold"` // Hours
	Generator           string  `mapstructure:"generator" yaml:"generator"`                       // "archetype" or "backend"
}

// RetryConfig mirrors backend.RetryConfig.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig mirrors backend.BreakerSettings.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// BackendConfig defines the CLI used to execute tasks and generate subtasks.
type BackendConfig struct {
	Type         string   `mapstructure:"type" yaml:"type"`                             // "claude" or "command"
	Command      string   `mapstructure:"command" yaml:"command"`                       // Binary name
	Args         []string `mapstructure:"args" yaml:"args,omitempty"`                   // Extra args; "{prompt}" marks the prompt position
	WorkDir      string   `mapstructure:"work_dir" yaml:"work_dir,omitempty"`           // Defaults to the current directory
	Model        string   `mapstructure:"model" yaml:"model,omitempty"`                 // Model override
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"` // Claude only
}

// WorkspaceConfig controls per-task git worktree isolation.
type WorkspaceConfig struct {
	Isolate    bool   `mapstructure:"isolate" yaml:"isolate"`
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch,omitempty"` // Defaults to the current branch
	Dir        string `mapstructure:"dir" yaml:"dir"`                           // Relative to the repository root
	Strategy   string `mapstructure:"strategy" yaml:"strategy"`                 // "ort", "ours" or "theirs"
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"` // Rotated with lumberjack when set
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Decompose DecomposeConfig `mapstructure:"decompose" yaml:"decompose"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Backend   BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// Policy converts the retry settings for the backend package.
func (r RetryConfig) Policy() backend.RetryConfig {
	return backend.RetryConfig{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		MaxElapsedTime:      r.MaxElapsedTime,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// Settings converts the breaker settings for the backend package.
func (b BreakerConfig) Settings() backend.BreakerSettings {
	return backend.BreakerSettings{MaxFailures: b.MaxFailures, OpenTimeout: b.OpenTimeout}
}

// Adapter converts the backend section into a backend.Config.
func (b BackendConfig) Adapter() backend.Config {
	return backend.Config{
		Type:         b.Type,
		Command:      b.Command,
		Args:         append([]string(nil), b.Args...),
		WorkDir:      b.WorkDir,
		Model:        b.Model,
		SystemPrompt: b.SystemPrompt,
	}
}
