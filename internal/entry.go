// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/formsync/internal/api"
	"github.com/starford/formsync/internal/mcpserver"
	"github.com/starford/formsync/internal/rules"
	"github.com/starford/formsync/internal/sse"
	"github.com/starford/formsync/internal/storage"
	"github.com/starford/formsync/internal/workspace"
)

// runtime is the wired application shared by the HTTP and MCP entry points.
type runtime struct {
	cfg     *Config
	logger  *slog.Logger
	backend storage.Backend
	owned   bool
	ws      *workspace.Manager
	broker  *sse.Broker
}

func setup(opts []Option, logOut io.Writer) (*runtime, error) {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		// Initialize structured JSON logger.
		logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
		slog.SetDefault(logger)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt := &runtime{cfg: cfg, logger: logger, backend: app.backend}
	if rt.backend == nil {
		b, err := openBackend(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		rt.backend = b
		rt.owned = true
	}

	rt.broker = sse.NewBroker(2 * time.Second)
	rt.ws = workspace.New(rt.backend, cfg.Workspace(),
		workspace.WithLogger(logger),
		workspace.WithBroker(rt.broker))

	if cfg.Rules.Dir != "" {
		packs, err := rules.LoadDir(cfg.Rules.Dir)
		if err != nil {
			rt.close(context.Background())
			return nil, fmt.Errorf("load rules: %w", err)
		}
		if err := rt.ws.ApplyRules(packs); err != nil {
			rt.close(context.Background())
			return nil, fmt.Errorf("apply rules: %w", err)
		}
	}
	return rt, nil
}

func openBackend(cfg StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return storage.NewMemory(), nil
	case DriverSQLite:
		return storage.OpenSQLite(cfg.SQLite.Path)
	case DriverPostgres:
		return storage.OpenPostgres(cfg.Postgres.URL)
	case DriverRedis:
		return storage.NewRedis(cfg.Redis.URL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// close signs every user out, flushing pending saves, then releases the
// broker and the backend.
func (rt *runtime) close(ctx context.Context) {
	if err := rt.ws.Close(ctx); err != nil {
		rt.logger.Error("workspace shutdown error", slog.String("error", err.Error()))
	}
	rt.broker.Close()
	if rt.owned {
		if err := rt.backend.Close(); err != nil {
			rt.logger.Error("storage close error", slog.String("error", err.Error()))
		}
	}
}

// handler builds the HTTP routes: health checks, the API and its event stream.
func (rt *runtime) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, rt.ws.ActiveSessions())
	})

	// Mount API routes under /api; /api/events is served inside the auth group.
	r.Mount("/api", api.NewRouter(rt.ws, rt.cfg.Auth.API(), rt.broker, rt.logger))
	return r
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	rt, err := setup(opts, os.Stdout)
	if err != nil {
		return err
	}
	cfg := rt.cfg
	logger := rt.logger

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: rt.handler(),
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Reload rule packs on change.
	if cfg.Rules.Watch {
		g.Go(func() error {
			return rules.Watch(gCtx, cfg.Rules.Dir, logger, rt.ws.ApplyRules)
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		rt.close(shutdownCtx)

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout as the configured MCP user.
// Logs go to stderr so they never interleave with the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	rt, err := setup(opts, os.Stderr)
	if err != nil {
		return err
	}
	user := rt.cfg.MCP.User
	if user == "" {
		user = rt.cfg.Auth.DefaultUser
	}
	if user == "" {
		rt.close(ctx)
		return fmt.Errorf("mcp: no user configured")
	}

	rt.logger.Info("MCP server starting", slog.String("user_id", user))
	err = mcpserver.New(rt.ws, user, rt.logger).ServeStdio()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	rt.close(shutdownCtx)
	return err
}
