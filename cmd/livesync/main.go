// livesync serves a project's filesystem as a live instance tree.
//
// Features:
// - Recursive filesystem watching with debounced, coalesced passes
// - Snapshot diffing into ordered, replayable patches
// - Long-poll subscriptions with cursor resync
// - Prometheus metrics & structured logging (zap)
// - Optional HS256 bearer auth
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livesync/livesync/internal/api"
	"github.com/livesync/livesync/internal/auth"
	"github.com/livesync/livesync/internal/config"
	"github.com/livesync/livesync/internal/events"
	"github.com/livesync/livesync/internal/logging"
	"github.com/livesync/livesync/internal/metrics"
	"github.com/livesync/livesync/internal/project"
	"github.com/livesync/livesync/internal/session"
	"github.com/livesync/livesync/internal/vfs"
	"github.com/livesync/livesync/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	issueToken  bool
	tokenClient string
	tokenTTL    time.Duration
	projectPath string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "livesync:", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	opts, listenSet, err := parseFlags(cfg, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	authHandler := auth.New(cfg.AuthSecret)
	if opts.issueToken {
		token, err := authHandler.GenerateToken(opts.tokenClient, opts.tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	p, err := project.LoadFuzzy(opts.projectPath)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if p.ServePort != nil && !listenSet {
		cfg.ListenAddr = ":" + strconv.Itoa(*p.ServePort)
	}

	logging.Info("livesync starting",
		zap.String("project", p.Name),
		zap.String("project_file", p.FileLocation),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.Bool("auth", authHandler.Enabled()))

	w, sess, err := start(p, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return sess.Run(ctx, w.Batches()) })

	srv := api.NewServer(sess, authHandler, cfg.PollTimeout)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serve(ctx, g, "api server", httpServer)

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		serve(ctx, g, "metrics server", metricsServer)
	}

	err = g.Wait()
	logging.Info("shut down")
	return err
}

// start creates the watcher and then the session. Watching begins before
// the initial build so edits made while it runs are reported.
func start(p *project.Project, cfg *config.Config) (*watcher.Watcher, *session.LiveSession, error) {
	var roots []string
	for _, ref := range p.SyncPoints() {
		root, err := vfs.Canonicalize(ref.Path)
		if err != nil {
			return nil, nil, err
		}
		roots = append(roots, root)
	}
	w, err := watcher.New(roots, watcher.Options{Debounce: cfg.Debounce})
	if err != nil {
		return nil, nil, fmt.Errorf("start watcher: %w", err)
	}

	sess, err := session.New(p, session.Options{
		Strict: cfg.StrictFiles,
		Retention: events.Options{
			MaxMessages: cfg.RetentionCount,
			MaxAge:      cfg.RetentionAge,
		},
	})
	if err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("start session: %w", err)
	}
	return w, sess, nil
}

// serve runs server under g and shuts it down once ctx is done.
func serve(ctx context.Context, g *errgroup.Group, name string, server *http.Server) {
	g.Go(func() error {
		logging.Info(name+" listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn(name+" shutdown incomplete", zap.Error(err))
			server.Close()
		}
		return nil
	})
}

// parseFlags overlays command-line flags on cfg. It reports whether the
// listen address was given explicitly.
func parseFlags(cfg *config.Config, args []string) (options, bool, error) {
	var opts options
	flagSet := pflag.NewFlagSet("livesync", pflag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: livesync [flags] [project path]\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "API listen address (overrides the project's servePort)")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics listen address; empty disables it")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")
	flagSet.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "quiet period before a batch of changes is processed")
	flagSet.IntVar(&cfg.RetentionCount, "retain", cfg.RetentionCount, "number of change messages kept for subscribers")
	flagSet.DurationVar(&cfg.RetentionAge, "retain-age", cfg.RetentionAge, "age after which change messages are dropped")
	flagSet.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "default long-poll timeout for subscribers")
	flagSet.BoolVar(&cfg.StrictFiles, "strict", cfg.StrictFiles, "reject files no rule classifies")
	flagSet.BoolVar(&opts.issueToken, "issue-token", false, "print a bearer token signed with LIVESYNC_AUTH_SECRET and exit")
	flagSet.StringVar(&opts.tokenClient, "token-client", "studio", "client name stamped into issued tokens")
	flagSet.DurationVar(&opts.tokenTTL, "token-ttl", 0, "lifetime of issued tokens; 0 never expires")

	if err := flagSet.Parse(args); err != nil {
		return opts, false, err
	}

	opts.projectPath = "."
	switch rest := flagSet.Args(); len(rest) {
	case 0:
	case 1:
		opts.projectPath = rest[0]
	default:
		return opts, false, fmt.Errorf("unexpected argument: %s", rest[1])
	}
	return opts, flagSet.Changed("listen"), nil
}
