package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"harvestline/internal/cache"
	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/engine"
	"harvestline/internal/lease"
	"harvestline/internal/ledger"
	"harvestline/internal/log"
	"harvestline/internal/migrate"
	"harvestline/internal/observability"
	"harvestline/internal/worker"
)

// App is a wired process: store, ledger gateway, engine and optional
// telemetry. Close releases everything Open acquired.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Driver    db.Driver
	Engine    engine.Engine
	Ledger    ledger.Gateway
	// Simulator is set when the ledger runs in process.
	Simulator *ledger.Simulator
	Redis     redis.UniversalClient
	Telemetry *observability.Provider
}

// Open loads the workspace config and wires the process around it. A
// missing config file falls back to the defaults.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	log.InitConfig(cfg.Log)
	a := &App{Workspace: workspace, Config: cfg, Driver: storeDriver(cfg)}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	log.L(ctx).Debugf("workspace %s opened (store=%s ledger=%s lease=%s cache=%s)",
		workspace, a.Driver, cfg.Ledger.Mode, cfg.Lease.Backend, cfg.Cache.Backend)
	return a, nil
}

func (a *App) wire(ctx context.Context) (err error) {
	cfg, workspace := a.Config, a.Workspace

	if a.Driver == db.SQLite && cfg.Store.DSN == "" {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
	}
	a.DB, err = db.Open(db.Config{Driver: a.Driver, DSN: cfg.Store.DSN, Workspace: workspace})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(a.DB, a.Driver); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if a.Ledger, a.Simulator, err = NewGateway(cfg.Ledger); err != nil {
		return err
	}
	if a.Telemetry, err = observability.New(ctx, cfg.Telemetry); err != nil {
		return err
	}
	if a.Engine, err = engine.New(a.DB, a.Driver, cfg, a.Ledger); err != nil {
		return err
	}

	if cfg.Lease.Backend == "redis" || cfg.Cache.Backend == "redis" {
		a.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if cfg.Lease.Backend == "redis" {
		a.Engine.Locker.Backend = lease.RedisBackend{Client: a.Redis}
	}
	switch cfg.Cache.Backend {
	case "redis":
		a.Engine.Cache = cache.Redis{Client: a.Redis, TTL: cfg.Cache.TTL}
	case "none":
		a.Engine.Cache = cache.Nop{}
	}
	return nil
}

func storeDriver(cfg *config.Config) db.Driver {
	if cfg.Store.Driver == "" {
		return db.SQLite
	}
	return db.Driver(cfg.Store.Driver)
}

// NewGateway builds the configured ledger gateway. The simulator is
// returned separately so callers can seed balances or serve it.
func NewGateway(conf config.LedgerConfig) (ledger.Gateway, *ledger.Simulator, error) {
	switch conf.Mode {
	case "", "simulator":
		sim := ledger.NewSimulator()
		return sim, sim, nil
	case "rpc":
		key := strings.TrimSpace(conf.SignerKey)
		if key == "" {
			return nil, nil, errors.New("ledger.signer_key is required in rpc mode")
		}
		signer, err := ledger.NewKeypairSigner(key)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger signer: %w", err)
		}
		gw, err := ledger.NewRPCGateway(conf.RPC, signer)
		if err != nil {
			return nil, nil, err
		}
		return gw, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger mode %q", conf.Mode)
}

// Sweeper returns the background loops configured for this process.
func (a *App) Sweeper() worker.Sweeper {
	return worker.Sweeper{
		Engine:            a.Engine,
		Webhooks:          worker.NewDispatcher(a.Engine.Repo, a.Config.Webhooks),
		ExpireInterval:    a.Config.Sweeper.ExpireInterval,
		ReconcileInterval: a.Config.Sweeper.ReconcileInterval,
		WebhookInterval:   a.Config.Sweeper.WebhookInterval,
	}
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	errs = append(errs, a.Telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
