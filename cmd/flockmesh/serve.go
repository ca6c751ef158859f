package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flockmesh/flockmesh/pkg/api"
	"github.com/flockmesh/flockmesh/pkg/artifacts"
	"github.com/flockmesh/flockmesh/pkg/auth"
	"github.com/flockmesh/flockmesh/pkg/config"
	"github.com/flockmesh/flockmesh/pkg/connector"
	"github.com/flockmesh/flockmesh/pkg/executor"
	"github.com/flockmesh/flockmesh/pkg/idempotency"
	"github.com/flockmesh/flockmesh/pkg/integrity"
	"github.com/flockmesh/flockmesh/pkg/ledger"
	"github.com/flockmesh/flockmesh/pkg/observability"
	"github.com/flockmesh/flockmesh/pkg/policy"
	"github.com/flockmesh/flockmesh/pkg/policypatch"
	"github.com/flockmesh/flockmesh/pkg/signing"
	"github.com/flockmesh/flockmesh/pkg/store"
)

const shutdownGrace = 10 * time.Second

// runServer boots the control plane and blocks until SIGINT or SIGTERM.
func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		_, _ = fmt.Fprintf(stderr, "flockmesh: %v\n", err)
		return 1
	}
	return 0
}

//nolint:gocognit // boot wiring is one linear pass
func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	led, err := ledger.NewFileLedger(cfg.LedgerDir)
	if err != nil {
		return err
	}

	lib, err := loadPolicyLibrary(cfg.PolicyDir, logger)
	if err != nil {
		return err
	}
	pol := policy.NewEngine(lib)
	cache := idempotency.NewCache(st)
	exec := executor.NewEngine(st, led, pol, cache, logger)

	catalog := connector.NewCatalog(cfg.AttestationKeys, cfg.RequireAttestation)
	if err := catalog.LoadDir(cfg.CatalogDir); err != nil {
		return err
	}
	logger.Info("connector catalog loaded",
		"dir", cfg.CatalogDir, "connectors", len(catalog.ConnectorIDs()))

	adapters := connector.NewRegistry()
	adapters.Register(connector.ChatConnectorID, connector.NewChatAdapter())
	adapters.Register(connector.MCPGatewayConnectorID, connector.NewMCPGatewayAdapter())

	var allowlist *connector.Allowlist
	if cfg.MCPAllowlistFile != "" {
		if allowlist, err = connector.LoadAllowlist(cfg.MCPAllowlistFile); err != nil {
			return err
		}
	} else {
		logger.Warn("mcp allowlist not configured, gateway calls will be blocked")
	}

	limiter, err := invokeLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	guard := connector.NewGuard(connector.GuardConfig{
		Catalog:        catalog,
		Adapters:       adapters,
		Allowlist:      allowlist,
		Limiter:        limiter,
		RatePolicies:   cfg.RatePolicies,
		Store:          st,
		Ledger:         led,
		Policy:         pol,
		Cache:          cache,
		Retry:          cfg.RetryPolicy,
		AdapterTimeout: cfg.AdapterTimeout,
		Logger:         logger,
	})

	keys, err := signing.Resolve(cfg.ExportSignKeys, cfg.ExportSignKeyID, nil)
	if err != nil {
		return err
	}
	logger.Info("export signing ready", "active_key", keys.ActiveKeyID())

	history, err := policypatch.NewHistory(cfg.PatchHistoryDir)
	if err != nil {
		return err
	}
	patches := policypatch.NewPipeline(cfg.PolicyDir, lib, history, led, cfg.PolicyAdmins, logger)

	svc := integrity.NewService(st, led, keys, logger).WithPatchHistory(history)
	if cfg.ArchiveBackend != "" {
		archive, err := artifacts.New(ctx, artifacts.Config{
			Backend: cfg.ArchiveBackend,
			Dir:     cfg.ArchiveDir,
			Bucket:  cfg.ArchiveBucket,
			Prefix:  cfg.ArchivePrefix,
		})
		if err != nil {
			return err
		}
		svc = svc.WithArchive(archive)
		logger.Info("export archive ready", "backend", cfg.ArchiveBackend)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.Enabled = cfg.OTelEndpoint != ""
	obsCfg.Insecure = cfg.OTelInsecure
	if cfg.OTelEndpoint != "" {
		obsCfg.Endpoint = cfg.OTelEndpoint
	}
	obs, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = obs.Shutdown(shCtx)
	}()

	srv := api.NewServer(api.Config{
		Store:          st,
		Ledger:         led,
		Executor:       exec,
		Policy:         pol,
		Guard:          guard,
		Catalog:        catalog,
		Integrity:      svc,
		Patches:        patches,
		History:        history,
		Gate:           &auth.Gate{TrustedDefaultActorID: cfg.TrustedDefaultActorID},
		Limiter:        auth.NewRateLimiter(cfg.BoundaryRateRPS, cfg.BoundaryRateBurst),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           obs.Middleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore picks the durable backend from the database URL: postgres for
// postgres:// URLs, sqlite for any other non-empty value (treated as a
// file path), in-memory when unset.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch {
	case cfg.DatabaseURL == "":
		logger.Warn("FLOCKMESH_DATABASE_URL not set, state is in-memory and lost on restart")
		return store.NewMemoryStore(), nil
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"),
		strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		st, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "backend", "postgres")
		return st, nil
	default:
		path := strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
		st, err := store.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "backend", "sqlite", "path", path)
		return st, nil
	}
}

// loadPolicyLibrary compiles the profile directory and guarantees the three
// fallback layers resolve, seeding empty fallback documents on first boot so
// evaluation and patching have something to stand on.
func loadPolicyLibrary(dir string, logger *slog.Logger) (*policy.Library, error) {
	lib, err := policy.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{
		policy.FallbackOrgProfile,
		policy.FallbackWorkspaceProfile,
		policy.FallbackAgentProfile,
	} {
		if lib.Has(name) {
			continue
		}
		cp, err := policy.Compile(policy.Profile{Name: name, Rules: map[string]policy.Rule{}})
		if err != nil {
			return nil, err
		}
		lib.Put(cp)
		if err := policy.WriteProfile(dir, cp); err != nil {
			return nil, err
		}
		logger.Info("seeded fallback policy profile", "profile", name)
	}
	logger.Info("policy library loaded", "dir", dir, "profiles", len(lib.Names()))
	return lib, nil
}

// invokeLimiter picks the connector rate limiter: Redis-backed sliding
// window when FLOCKMESH_REDIS_ADDR is set (shared across replicas),
// per-process memory otherwise.
func invokeLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (connector.RateLimiter, error) {
	if cfg.RedisAddr == "" {
		return connector.NewMemoryRateLimiter(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("connector rate limiter ready", "backend", "redis", "addr", cfg.RedisAddr)
	return connector.NewRedisRateLimiter(client), nil
}
