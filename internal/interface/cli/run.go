package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/takumi-oki/restockd/internal/app/runner"
	infraconfig "github.com/takumi-oki/restockd/internal/infra/config"
	"github.com/takumi-oki/restockd/internal/interface/external/feed"
	"github.com/takumi-oki/restockd/internal/pkg/logging"
)

func newRunCmd(home *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitor and purchase loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(resolveHome(*home))
		},
	}
}

func runService(home string) error {
	cfg, err := infraconfig.LoadSettings(home)
	if err != nil {
		return err
	}
	initLogging(cfg.StderrLevel(), cfg.LogFile())
	logging.Info("settings loaded: source=%s mode=%s", cfg.ConfigSource(), cfg.Mode())

	r, err := runner.Build(cfg, afero.NewOsFs())
	if err != nil {
		return fmt.Errorf("failed to build runner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx); err != nil {
		return err
	}

	// Hot reload keeps a long-running monitor on the current watchlist
	go func() {
		err := feed.WatchFile(ctx, cfg.Watchlist(), r.ReplaceWatchlist)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn("watchlist watcher stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logging.Info("shutdown signal received")
	r.Stop()
	return nil
}

// initLogging tees the leveled logger into stderr and, when configured, a
// size-rotated log file.
func initLogging(level, logFile string) {
	var sink io.Writer = os.Stderr
	if logFile != "" {
		sink = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	logging.InitGlobalLogger(level, sink)
}
