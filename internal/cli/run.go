package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-record-sync/config"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Watch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Follow the change stream and upload local edits",
		Long: `Start a sync session for the configured identity.

The session applies remote changes to the local cache, drains queued local
edits every sync.drain_interval and reconnects with backoff when the stream
fails. Status changes are printed as they happen. The session ends on
SIGINT or SIGTERM.

The owner filter needs a trusted owner id, so run requires either
auth.jwt_secret, to verify the token, or an explicit auth.owner_id.

With --watch the config file is observed and a changed logging.level takes
effect without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "reload the log level when the config file changes")

	return cmd
}

func runSync(cmd *cobra.Command, opts *RunOptions) error {
	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	// The owner id filters inbound events, so it must not come from a
	// token nobody verified.
	if a.cfg.Auth.JWTSecret == "" && a.cfg.Auth.OwnerID == "" {
		return NewExitError(ExitCommandError, "run requires auth.jwt_secret or auth.owner_id")
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := newPrinter(opts.RootOptions, cmd.OutOrStdout())
	obs := synckit.ObserverFuncs{
		StatusChange: func(s synckit.Status) {
			_ = out.Success(map[string]string{"status": string(s)}, "status: "+string(s))
		},
		RecordUpdated: func(key string, rec synckit.CachedRecord) {
			a.logger.Info("Record updated", "key", key, "record_type", rec.RecordType, "version", rec.Version)
		},
		RecordDeleted: func(key string) {
			a.logger.Info("Record deleted", "key", key)
		},
		Error: func(err error) {
			_ = out.Error(err)
		},
	}

	ctrl, err := synckit.NewController(a.remote, a.cache, a.identity, a.syncOptions(synckit.WithObserver(obs))...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create controller", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start sync", err)
	}

	var wg sync.WaitGroup
	if interval := a.cfg.Sync.DrainInterval; interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drainLoop(ctx, a, ctrl, interval)
		}()
	}

	if opts.Watch && opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, a.logger.Logger)
		if err != nil {
			a.logger.Warn("Config hot reload disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = w.Run(ctx, func(cfg *config.Config, err error) {
					reloadLevel(a, opts.RootOptions, cfg, err)
				})
			}()
		}
	}

	<-ctx.Done()
	a.logger.Info("Shutting down sync session")
	ctrl.Stop()
	wg.Wait()
	return nil
}

// drainLoop replays queued edits on a fixed interval. Overlap with the
// controller's own drain on connect is resolved by the drainer.
func drainLoop(ctx context.Context, a *app, ctrl *synckit.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ctrl.Drain(ctx)
			switch {
			case err == nil:
				if n > 0 {
					a.logger.Info("Periodic drain applied edits", "applied", n)
				}
			case errors.Is(err, synckit.ErrDrainInProgress), ctx.Err() != nil:
			default:
				a.logger.Warn("Periodic drain failed", "applied", n, "error", err)
			}
		}
	}
}

func reloadLevel(a *app, opts *RootOptions, cfg *config.Config, err error) {
	if err != nil {
		a.logger.Warn("Ignoring invalid config change", "error", err)
		return
	}
	if opts.LogLevel != "" {
		// The flag wins over the file.
		return
	}
	if cfg.Logging.Level == a.cfg.Logging.Level {
		return
	}
	if a.level.SetFromString(cfg.Logging.Level) {
		a.logger.Info("Log level changed", "from", a.cfg.Logging.Level, "to", cfg.Logging.Level)
		a.cfg.Logging.Level = cfg.Logging.Level
	}
}
