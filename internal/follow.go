package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/starford/draftsync/internal/channel"
	"github.com/starford/draftsync/internal/notecache"
	"github.com/starford/draftsync/internal/reconcile"
	"github.com/starford/draftsync/internal/restclient"
	"github.com/starford/draftsync/internal/session"
	"github.com/starford/draftsync/internal/visibility"
)

// follower is the client-side sync core wired against a remote backend.
type follower struct {
	cfg      ClientConfig
	logger   *slog.Logger
	session  *session.Session
	channels *channel.Registry
	engine   *reconcile.Engine
	watcher  *visibility.Watcher
}

func newFollower(cfg ClientConfig, logger *slog.Logger) (*follower, error) {
	client, err := restclient.New(cfg.ServerURL, cfg.Token)
	if err != nil {
		return nil, err
	}

	sess := session.New()
	if err := sess.Login(cfg.Owner.Owner()); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	channels := channel.NewRegistry(channel.NewWebsocketDialer(cfg.Token, cfg.ConnectTimeout), logger)
	engine := reconcile.New(notecache.New(), channels, client, sess,
		reconcile.WithLogger(logger),
		reconcile.WithSaveDebounce(cfg.SaveDebounce),
		reconcile.WithSavedPulse(cfg.SavedPulse),
	)

	wopts := []visibility.Option{
		visibility.WithLogger(logger),
		visibility.WithParallelConnects(cfg.MaxParallelConnects),
		visibility.WithConnectTimeout(cfg.ConnectTimeout),
	}
	if cfg.ConnectRate.PerSecond > 0 {
		wopts = append(wopts, visibility.WithConnectRate(cfg.ConnectRate.PerSecond, cfg.ConnectRate.Burst))
	}
	watcher := visibility.New(channels, sess, client.AddressFor, engine.HandleIncomingNote, wopts...)

	// Logging out drops every channel and all cached notes.
	sess.OnLogout(engine.ClearAll)
	sess.OnLogout(watcher.Reset)

	return &follower{
		cfg:      cfg,
		logger:   logger,
		session:  sess,
		channels: channels,
		engine:   engine,
		watcher:  watcher,
	}, nil
}

// logSnapshots logs a summary of every cache revision until ctx is done.
func (f *follower) logSnapshots(ctx context.Context) {
	ch := f.engine.Subscribe()
	defer f.engine.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			others := 0
			for _, notes := range snap.OtherNotes() {
				others += len(notes)
			}
			f.logger.Info("notes changed",
				slog.Uint64("revision", snap.Revision),
				slog.Int("own", len(snap.OwnNotes())),
				slog.Int("others", others),
				slog.Int("highlighted", len(snap.Highlights())))
		}
	}
}

// shutdown sends pending saves, then logs out, which clears every channel and the cache.
func (f *follower) shutdown() {
	f.engine.Close()
	f.session.Logout()
}

// RunFollow runs the sync core against client.server_url until ctx is done or
// a shutdown signal arrives. SIGHUP retries channels that failed to open.
func RunFollow(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	if err := cfg.Client.Validate(); err != nil {
		return err
	}
	out := app.output
	if out == nil {
		out = os.Stdout
	}
	logger := newLogger(out, cfg.App.LogLevel)

	f, err := newFollower(cfg.Client, logger)
	if err != nil {
		return err
	}
	defer f.shutdown()

	logger.Info("Following backend",
		slog.String("server_url", cfg.Client.ServerURL),
		slog.Int64("project_id", cfg.Client.Scope.ProjectID),
		slog.String("step_name", cfg.Client.Scope.StepName),
		slog.String("visible_file", cfg.Client.VisibleFile))

	g, gCtx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gCtx)
	defer cancel()

	g.Go(func() error {
		f.logSnapshots(runCtx)
		return nil
	})

	// A failed snapshot leaves the cache empty; live pushes still apply.
	_ = f.engine.FetchSnapshot(runCtx, cfg.Client.Scope)

	visible := make(chan []int64)
	g.Go(func() error {
		return visibility.NewFileSource(cfg.Client.VisibleFile, logger).Run(runCtx, visible)
	})
	g.Go(func() error {
		return f.watcher.Run(runCtx, visible)
	})
	g.Go(func() error {
		return runConsole(runCtx, app.input, f)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-hup:
				res := f.watcher.Refresh(runCtx)
				logger.Info("channels refreshed",
					slog.Int("opened", len(res.Opened)),
					slog.Int("failed", len(res.Failed)))
			}
		}
	})

	g.Go(func() error {
		waitForShutdown(runCtx, logger)
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Follow error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Follow stopped")
	return nil
}
