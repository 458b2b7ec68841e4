package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/addons/localinstall"
	"github.com/cordum/addonhub/core/addons/pgstore"
	"github.com/cordum/addonhub/core/addons/redisstore"
	"github.com/cordum/addonhub/core/controlplane/gateway"
	"github.com/cordum/addonhub/core/infra/buildinfo"
	"github.com/cordum/addonhub/core/infra/bus"
	"github.com/cordum/addonhub/core/infra/config"
	"github.com/cordum/addonhub/core/infra/locks"
	"github.com/cordum/addonhub/core/infra/logging"
	"github.com/cordum/addonhub/core/infra/metrics"
	"github.com/cordum/addonhub/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const serviceName = "addonhub-registry"

func main() {
	log.Println("addonhub registry starting...")
	buildinfo.Log(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load()); err != nil {
		log.Fatalf("registry error: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	policy, err := config.LoadUploadPolicy(cfg.UploadPolicyPath)
	if err != nil {
		return err
	}
	policy.Merge(cfg)

	registry, redisClient, closeStores, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := []addons.Option{
		addons.WithValidator(addons.NewValidator(cfg.MaxUploadBytes, cfg.ContentTypes)),
		addons.WithExtractor(addons.NewExtractor(cfg.MaxExtractedBytes)),
		addons.WithMetrics(metrics.NewProm("addonhub")),
	}
	if redisClient != nil {
		opts = append(opts, addons.WithLocker(locks.NewRedisStoreFromClient(redisClient), cfg.LockTTL))
	}
	if cfg.InstallDir != "" {
		scanner := localinstall.NewScanner(cfg.InstallDir)
		installed, err := scanner.Installed(ctx)
		if err != nil {
			logging.Warn(serviceName, "scan install dir failed", "dir", cfg.InstallDir, "error", err)
		} else {
			logging.Info(serviceName, "local installs found", "dir", cfg.InstallDir, "count", len(installed))
		}
		opts = append(opts, addons.WithInstalledVersions(scanner))
	}
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nb.Close()
		opts = append(opts, addons.WithEvents(nb))
		logging.Info(serviceName, "publishing addon events", "nats", nb.ConnectedURL())
	}

	store := addons.NewPackageStore(cfg.StorageRoot)
	workspaces := addons.NewWorkspaceManager(cfg.WorkspaceRoot)
	svc := addons.NewService(registry, store, workspaces, opts...)

	logging.Info(serviceName, "registry ready",
		"store", cfg.Store,
		"storage_root", cfg.StorageRoot,
		"max_upload_bytes", cfg.MaxUploadBytes,
	)
	return gateway.Run(ctx, cfg, svc, metrics.NewGatewayProm("addonhub"))
}

// openRegistry selects the registry backend. The Redis client is returned
// separately because locking uses it whichever backend holds the rows; with
// the Postgres backend an unreachable Redis only disables locking.
func openRegistry(ctx context.Context, cfg *config.Config) (addons.Registry, redis.UniversalClient, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		if cfg.PostgresURL == "" {
			return nil, nil, nil, errors.New("POSTGRES_URL is required for the postgres store")
		}
		pg, err := pgstore.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres registry: %w", err)
		}
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logging.Warn(serviceName, "redis unavailable, upload locking disabled", "error", err)
			return pg, nil, pg.Close, nil
		}
		return pg, client, func() {
			_ = client.Close()
			pg.Close()
		}, nil
	default:
		rs, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open redis registry: %w", err)
		}
		return rs, rs.Client(), func() { _ = rs.Close() }, nil
	}
}
