// Package main provides the game server binary: the WebSocket gateway, the
// world gate and the tick scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/bans"
	"github.com/cory-johannsen/realmgate/internal/clock"
	"github.com/cory-johannsen/realmgate/internal/config"
	"github.com/cory-johannsen/realmgate/internal/health"
	"github.com/cory-johannsen/realmgate/internal/network/delivery"
	"github.com/cory-johannsen/realmgate/internal/network/registry"
	"github.com/cory-johannsen/realmgate/internal/network/ws"
	"github.com/cory-johannsen/realmgate/internal/observability"
	"github.com/cory-johannsen/realmgate/internal/server"
	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
	"github.com/cory-johannsen/realmgate/internal/storage/redis"
	"github.com/cory-johannsen/realmgate/internal/world"
	"github.com/cory-johannsen/realmgate/internal/world/region"
)

// flushReportEvery is how many flush ticks are summarized per debug log line.
const flushReportEvery = 200

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, _, err := observability.NewLogger(cfg.Logging, cfg.Server)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("version", cfg.Server.Version),
		zap.String("ws_addr", cfg.Network.Addr()),
		zap.String("ws_path", cfg.Network.Path),
	)

	var pool *postgres.Pool
	if cfg.NeedsDatabase() {
		pool, err = postgres.Open(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		defer pool.Close()
	}

	var redisClient *goredis.Client
	if cfg.NeedsRedis() {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	banChecker, err := buildBanChecker(cfg, pool, redisClient)
	if err != nil {
		logger.Fatal("loading ban list", zap.Error(err))
	}

	clk := clock.Real{}
	var ids registry.IDGenerator = registry.NewCounterIDs(cfg.Server.ID)
	if cfg.Network.IDStrategy == "uuid" {
		ids = registry.UUIDs{}
	}
	reg := registry.New(registry.Config{
		MaxConnectionsPerAddress: cfg.Network.MaxConnectionsPerAddress,
		Retention:                cfg.Network.ConnectInterval,
		IDs:                      ids,
		Clock:                    clk,
	})

	regions := region.New(cfg.World.MapWidth, cfg.World.MapHeight, cfg.World.RegionSize)
	mgr := delivery.NewManager(delivery.Config{
		ConnectInterval: cfg.Network.ConnectInterval,
		BanTimeout:      cfg.Bans.Timeout,
		Debug:           cfg.Network.Debug,
	}, reg, banChecker, regions, clk, logger)
	reg.SetListener(mgr)

	var population world.PopulationRecorder
	if cfg.World.RecordPopulation {
		population = postgres.NewPopulationRepository(pool.DB())
	}
	presence := world.NewPresence(mgr, regions, logger)
	gate := world.NewGate(world.GateConfig{
		ServerID:         cfg.Server.ID,
		Version:          cfg.Server.Version,
		MaxPlayers:       cfg.Server.MaxPlayers,
		AllowConnections: cfg.Server.AllowConnections,
	}, mgr, presence, population, clk, logger)
	presence.SetRoster(gate)
	mgr.SetHandler(gate)

	acceptor := ws.NewAcceptor(cfg.Network, reg, ws.OptionsFromConfig(cfg.Network), logger)
	scheduler := world.NewScheduler(
		cfg.Network.UpdateInterval,
		cfg.World.SaveInterval,
		observability.NewFlushReporter(mgr, flushReportEvery, logger),
		gate,
		clk,
		logger,
	)

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("scheduler", &server.FuncService{
		StartFn: func() error {
			scheduler.Start(ctx)
			return nil
		},
		StopFn: scheduler.Stop,
	})
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Health.GRPCPort > 0 {
		hs := health.New(cfg.Health.Addr(), logger)
		if pool != nil {
			hs.AddProbe(health.ServiceStorage, func(ctx context.Context) error {
				return pool.Health(ctx, 5*time.Second)
			})
		}
		hs.Watch(30*time.Second, 5*time.Second)
		lifecycle.Add("health", &server.FuncService{
			StartFn: hs.ListenAndServe,
			StopFn:  hs.Stop,
		})
		lifecycle.OnStarted(func() { hs.SetServing(true) })
		lifecycle.OnStopping(func() { hs.SetServing(false) })
	}

	// Stop admitting players before the acceptor tears connections down.
	lifecycle.OnStopping(func() { gate.SetAllowConnections(false) })

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("regions", regions.Regions()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// buildBanChecker returns the checker for cfg.Bans.Source, or nil for "none".
// A ban file configured alongside another source is consulted first.
func buildBanChecker(cfg config.Config, pool *postgres.Pool, client *goredis.Client) (delivery.BanChecker, error) {
	var chain bans.Chain
	if cfg.Bans.File != "" {
		static, err := bans.LoadFile(cfg.Bans.File)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}

	switch cfg.Bans.Source {
	case "none", "file":
	case "postgres":
		chain = append(chain, postgres.NewBanRepository(pool.DB()))
	case "redis":
		chain = append(chain, redis.NewBanSet(client, cfg.Redis.BanKey))
	default:
		return nil, fmt.Errorf("unknown ban source %q", cfg.Bans.Source)
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}
