// Package app assembles the service: configuration, store, policy
// engine, HTTP server, and the background audit consumer, with graceful
// shutdown on SIGINT/SIGTERM.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dlnkd/internal/config"
	"dlnkd/internal/crypto"
	"dlnkd/internal/infrastructure"
	"dlnkd/internal/license"
	"dlnkd/internal/policy"
	"dlnkd/internal/store"
	"dlnkd/internal/transport/web"
)

// auditQueueCapacity bounds the in-flight audit backlog.
const auditQueueCapacity = 4096

// gatePruneInterval controls how often idle rate-limit subjects are
// evicted.
const gatePruneInterval = 10 * time.Minute

// App is the assembled service.
type App struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Store  store.Store
	Audit  *store.Recorder
	Engine *policy.Engine
	Gate   *policy.Gate
	server *http.Server
}

// New builds the full dependency graph from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewCipher([]byte(cfg.Security.MasterSecret), []byte(cfg.Security.Salt))
	if err != nil {
		return nil, err
	}

	st, err := store.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	audit := store.NewRecorder(st, auditQueueCapacity, logger)
	engine := policy.NewEngine(st, license.NewCodec(cipher), cipher,
		crypto.NewTOTPManager(cfg.Security.TOTPIssuer), audit, cfg, logger)
	gate := policy.NewGate(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)

	srv := web.NewServer(engine, st, audit, gate, cfg, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &App{
		Cfg:    cfg,
		Logger: logger,
		Store:  st,
		Audit:  audit,
		Engine: engine,
		Gate:   gate,
		server: httpServer,
	}, nil
}

// Run serves until the context is cancelled or a signal arrives, then
// shuts down in order: HTTP first, audit drain second, store last.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server starting", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := a.Audit.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(gatePruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Gate.Prune(time.Hour)
				a.Engine.RefreshMetrics()
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	// The audit consumer has drained by now; release the store.
	if cerr := a.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	infrastructure.CloseLogger()
	return err
}
