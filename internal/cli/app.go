package cli

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/repo"
	"github.com/roach88/tillsync/internal/store"
)

// app is what every command works with: configuration, the open database
// and the stores over it.
type app struct {
	cfg   config.Config
	db    *store.DB
	q     *queue.Queue
	repos *repo.Set
	log   *slog.Logger
	out   *OutputFormatter

	closers []io.Closer
}

// openApp loads configuration, sets up logging and opens the database.
// Migrations run on open unless skipMigrations is set.
func openApp(cmd *cobra.Command, opts *RootOptions, skipMigrations bool) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}

	a := &app{
		cfg: cfg,
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}
	a.log = a.newLogger(cmd.ErrOrStderr(), opts.Verbose)
	slog.SetDefault(a.log)

	var storeOpts []store.Option
	if skipMigrations {
		storeOpts = append(storeOpts, store.SkipMigrations())
	}
	a.log.Debug("opening database", "path", cfg.DBPath)
	db, err := store.Open(cfg.DBPath, storeOpts...)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitFailure, "failed to open database", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	a.q = queue.New(db, queue.WithConfig(cfg.Queue()))
	a.repos = repo.NewSet(db, a.q)
	return a, nil
}

// newLogger logs text to stderr, or JSON to a rotating file when log.file
// is configured.
func (a *app) newLogger(stderr io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	if a.cfg.Log.File == "" {
		return slog.New(slog.NewTextHandler(stderr, hopts))
	}
	lj := &lumberjack.Logger{
		Filename:   a.cfg.Log.File,
		MaxSize:    a.cfg.Log.MaxSizeMB,
		MaxBackups: a.cfg.Log.MaxBackups,
		MaxAge:     a.cfg.Log.MaxAgeDays,
	}
	a.closers = append(a.closers, lj)
	return slog.New(slog.NewJSONHandler(lj, hopts))
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// remoteClient builds the HTTP remote from configuration.
func (a *app) remoteClient() (*remote.Client, error) {
	if a.cfg.Remote.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "remote.base_url is not configured")
	}
	return remote.NewClient(a.cfg.Remote.BaseURL,
		remote.WithToken(a.cfg.Remote.Token),
		remote.WithHTTPClient(&http.Client{Timeout: a.cfg.Remote.Timeout}),
	), nil
}

// engine builds a sync engine over r.
func (a *app) engine(r engine.Remote, opts ...engine.Option) *engine.Engine {
	base := []engine.Option{
		engine.WithLogger(a.log),
		engine.WithBatchSize(a.cfg.Sync.BatchSize),
		engine.WithRequestTimeout(a.cfg.Remote.Timeout),
		engine.WithInterval(a.cfg.Sync.Interval),
		engine.WithDeferDelay(a.cfg.Sync.DeferDelay),
	}
	if len(a.cfg.Sync.PullTypes) > 0 {
		base = append(base, engine.WithPullTypes(a.cfg.Sync.PullTypes...))
	}
	return engine.New(a.db, a.q, a.repos, r, append(base, opts...)...)
}
