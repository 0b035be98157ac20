package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/config"
)

// globalFlags holds flags available to all commands.
type globalFlags struct {
	Verbose    bool
	Quiet      bool
	DBPath     string // Overrides store.path
	ConfigPath string // Replaces the project config file
}

// cli carries state shared by the subcommands once the root pre-run has loaded it.
type cli struct {
	flags  globalFlags
	cfg    *config.Config
	logger zerolog.Logger
	logs   io.Closer

	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut, logger: zerolog.Nop()}

	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous task scheduler",
		Long: `autopilot turns a project plan into prioritized, dependency-ordered tasks,
splits large tasks into subtasks, runs them through a CLI backend and rolls
progress up from goals to milestones, features and projects.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.logs != nil {
				return c.logs.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().BoolVarP(&c.flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&c.flags.Quiet, "quiet", "q", false, "only log warnings and errors")
	cmd.PersistentFlags().StringVar(&c.flags.DBPath, "db", "", "task database path (overrides store.path)")
	cmd.PersistentFlags().StringVar(&c.flags.ConfigPath, "config", "", "project config file (default .autopilot/config.yaml)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(
		newRunCmd(c),
		newStatusCmd(c),
		newPlanCmd(c),
		newValidateCmd(c),
		newRequeueCmd(c),
		newSkipCmd(c),
		newProgressCmd(c),
		newHistoryCmd(c),
		newConfigCmd(c),
	)
	return cmd
}

func (c *cli) setup() error {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return err
	}
	projectPath := config.ProjectPath()
	if c.flags.ConfigPath != "" {
		projectPath = c.flags.ConfigPath
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}
	if c.flags.DBPath != "" {
		cfg.Store.Path = c.flags.DBPath
	}
	c.cfg = cfg

	logger, logs, err := newLogger(cfg.Log, c.flags.Verbose, c.flags.Quiet, c.errOut)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	c.logger, c.logs = logger, logs
	return nil
}
