package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aristath/autopilot/internal/config"
)

// newLogger builds the root logger. The returned closer is non-nil when a log
// file is open.
func newLogger(cfg config.LogConfig, verbose, quiet bool, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := selectLevel(cfg.Level, verbose, quiet)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	writer := selectOutput(stderr)
	var closer io.Closer
	if cfg.File != "" {
		path, err := config.ExpandHome(cfg.File)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		writer = zerolog.MultiLevelWriter(writer, file)
		closer = file
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), closer, nil
}

// selectLevel: flags win over the configured level.
func selectLevel(configured string, verbose, quiet bool) (zerolog.Level, error) {
	switch {
	case verbose:
		return zerolog.DebugLevel, nil
	case quiet:
		return zerolog.WarnLevel, nil
	case configured == "":
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(configured))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level %q: %w", configured, err)
	}
	return level, nil
}

// selectOutput uses the console writer on a terminal and JSON otherwise.
func selectOutput(stderr io.Writer) io.Writer {
	if f, ok := stderr.(*os.File); ok && term.IsTerminal(int(f.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
	}
	return stderr
}
