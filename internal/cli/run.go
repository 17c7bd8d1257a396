package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Offline bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Run the sync engine: drain and pull on every interval, when the server
announces changes and when connectivity returns. Retries are sent as soon
as their backoff expires. Synced queue entries are pruned periodically.

With remote.notify set, a websocket to the server tracks connectivity;
the engine goes offline while it is down.

Example:
  tillsync run --config /etc/tillsync.yaml
  tillsync run --db ./pos.db --verbose`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "start offline and wait for the notifier to connect")
	return cmd
}

func runSync(cmd *cobra.Command, opts *RunOptions) error {
	a, err := openApp(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.log.Error("error closing database", "error", closeErr)
		}
	}()

	client, err := a.remoteClient()
	if err != nil {
		return err
	}
	var engOpts []engine.Option
	if opts.Offline {
		engOpts = append(engOpts, engine.StartOffline())
	}
	eng := a.engine(client, engOpts...)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if a.cfg.Remote.Notify {
		n := remote.NewNotifier(a.cfg.Remote.BaseURL, eng,
			remote.WithNotifierToken(a.cfg.Remote.Token),
			remote.WithNotifierLogger(a.log))
		g.Go(func() error { return n.Run(gctx) })
	}
	if a.cfg.Sync.PruneAfter > 0 {
		g.Go(func() error { return pruneLoop(gctx, a.q, a.cfg.Sync.PruneAfter, a.log) })
	}

	a.log.Info("sync starting", "db", a.cfg.DBPath, "remote", client.BaseURL())
	fmt.Fprintln(cmd.OutOrStdout(), "Sync running. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync error", err)
	}

	a.log.Info("sync stopped gracefully")
	return nil
}

// pruneLoop removes synced entries older than keep. It runs at keep/4
// intervals, at most hourly.
func pruneLoop(ctx context.Context, q *queue.Queue, keep time.Duration, log *slog.Logger) error {
	every := min(keep/4, time.Hour)
	if every <= 0 {
		every = time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := q.Prune(ctx, keep)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("prune: %w", err)
			}
			if n > 0 {
				log.Info("pruned synced queue entries", "count", n)
			}
		}
	}
}
