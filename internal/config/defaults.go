package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/aristath/autopilot/internal/backend"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".autopilot"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	retry := backend.DefaultRetryConfig()
	breaker := backend.DefaultBreakerSettings()
	return &Config{
		Scheduler: SchedulerConfig{
			PollInterval: 3 * time.Second,
			Concurrency:  1,
			MaxFailures:  3,
		},
		Decompose: DecomposeConfig{
			ComplexityThreshold: 4.0,
			Generator:           GeneratorArchetype,
		},
		Retry: RetryConfig{
			InitialInterval:     retry.InitialInterval,
			MaxInterval:         retry.MaxInterval,
			MaxElapsedTime:      retry.MaxElapsedTime,
			Multiplier:          retry.Multiplier,
			RandomizationFactor: retry.RandomizationFactor,
		},
		Breaker: BreakerConfig{
			MaxFailures: breaker.MaxFailures,
			OpenTimeout: breaker.OpenTimeout,
		},
		Backend: BackendConfig{
			Type:    backend.TypeClaude,
			Command: "claude",
		},
		Workspace: WorkspaceConfig{
			Dir:      filepath.Join(DirName, "worktrees"),
			Strategy: "ort",
		},
		Store: StoreConfig{
			Path: filepath.Join("~", DirName, "autopilot.db"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// setDefaults registers DefaultConfig on v. Keys match the mapstructure tags.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.concurrency", d.Scheduler.Concurrency)
	v.SetDefault("scheduler.max_failures", d.Scheduler.MaxFailures)

	v.SetDefault("decompose.complexity_threshold", d.Decompose.ComplexityThreshold)
	v.SetDefault("decompose.generator", d.Decompose.Generator)

	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.max_elapsed_time", d.Retry.MaxElapsedTime)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.randomization_factor", d.Retry.RandomizationFactor)

	v.SetDefault("breaker.max_failures", d.Breaker.MaxFailures)
	v.SetDefault("breaker.open_timeout", d.Breaker.OpenTimeout)

	v.SetDefault("backend.type", d.Backend.Type)
	v.SetDefault("backend.command", d.Backend.Command)
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.system_prompt", "")

	v.SetDefault("workspace.isolate", d.Workspace.Isolate)
	v.SetDefault("workspace.base_branch", "")
	v.SetDefault("workspace.dir", d.Workspace.Dir)
	v.SetDefault("workspace.strategy", d.Workspace.Strategy)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
}
