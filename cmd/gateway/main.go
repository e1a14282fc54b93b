// Command gateway is the labgate session orchestrator. It serves the
// student access links, relays desktop connections and exposes the
// operator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labgate/internal/access"
	"labgate/internal/audit"
	"labgate/internal/config"
	"labgate/internal/expiry"
	"labgate/internal/gateway"
	"labgate/internal/lifecycle"
	"labgate/internal/logger"
	"labgate/internal/metrics"
	"labgate/internal/probe"
	"labgate/internal/profile"
	"labgate/internal/registry"
	"labgate/internal/relay"
	"labgate/internal/repository"
	"labgate/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
	}
	store := repository.NewStore(db)

	profiles, watcher, err := loadProfiles(ctx, cfg.Gateway.ProfilePath, log)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dockerClient.Close()

	runtime := lifecycle.NewManager(dockerClient, lifecycle.Config{
		Network:         cfg.Docker.Network,
		NetworkInternal: cfg.Docker.NetworkInternal,
		Profiles:        profiles,
		Logger:          log,
	})
	if err := runtime.EnsureNetwork(ctx); err != nil {
		return err
	}

	workspaces, err := workspace.NewManager(workspace.Config{
		Root:     cfg.Workspace.Root,
		HostRoot: cfg.Workspace.HostRoot,
		UID:      cfg.Workspace.UID,
		GID:      cfg.Workspace.GID,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLogger(cfg.Gateway.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	m := metrics.New()
	sessions := registry.New(registry.Config{
		Checker: runtime,
		Logger:  log,
		Gauge:   m.SessionsRegistered,
	})

	sweeper := expiry.New(expiry.Config{
		Store:    store,
		Runtime:  runtime,
		Registry: sessions,
		Audit:    auditLog,
		Metrics:  m,
		Logger:   log,
		Interval: cfg.Gateway.SweepInterval,
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	resolver := access.NewResolver(access.Config{
		Store:      store,
		Runtime:    runtime,
		Registry:   sessions,
		Workspaces: workspaces,
		Terminator: sweeper,
		Profiles:   profiles,
		Audit:      auditLog,
		Metrics:    m,
		Logger:     log,
		ViewerPath: cfg.Gateway.ViewerPath,
	})

	srv := gateway.New(gateway.Config{
		Addr:     cfg.HTTPAddr,
		Access:   resolver,
		Expiry:   sweeper,
		Sessions: sessions,
		Relay: relay.New(relay.Config{
			Registry: sessions,
			Profiles: profiles,
			Audit:    auditLog,
			Metrics:  m,
			Logger:   log,
		}),
		Prober: probe.New(func() int {
			return profiles.Current().Port
		}, cfg.Gateway.ProbeTimeout, log),
		Profiles:  profiles,
		Metrics:   m,
		Logger:    log,
		JWTSecret: cfg.Gateway.JWTSecret,
		AuditPath: cfg.Gateway.AuditPath,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadProfiles loads the desktop profile and watches it for changes. With
// no path configured the built-in defaults are used.
func loadProfiles(ctx context.Context, path string, log *zap.Logger) (*profile.Holder, *profile.Watcher, error) {
	if path == "" {
		log.Info("no profile configured, using defaults")
		return profile.NewHolder(nil), nil, nil
	}

	p, err := profile.Load(path)
	if err != nil {
		return nil, nil, err
	}
	holder := profile.NewHolder(p)

	watcher, err := profile.NewWatcher(path, holder, log)
	if err != nil {
		return nil, nil, err
	}
	watcher.OnReload(func(p *profile.Profile) {
		log.Info("desktop profile reloaded", zap.String("image", p.Image))
	})
	if err := watcher.Start(ctx); err != nil {
		return nil, nil, err
	}
	return holder, watcher, nil
}
