// Package main provides a CLI tool for banning and unbanning client addresses
// in the shared ban store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/config"
	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
	"github.com/cory-johannsen/realmgate/internal/storage/redis"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	store := flag.String("store", "postgres", "ban store: postgres or redis")
	addr := flag.String("addr", "", "client address (required)")
	reason := flag.String("reason", "", "reason recorded with the ban (postgres only)")
	duration := flag.Duration("for", 0, "ban duration; 0 bans permanently (postgres only)")
	lift := flag.Bool("lift", false, "remove the ban instead of adding it")
	flag.Parse()

	if *addr == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var summary string
	switch *store {
	case "postgres":
		summary, err = withPostgres(ctx, cfg, *addr, *reason, *duration, *lift)
	case "redis":
		summary, err = withRedis(ctx, cfg, *addr, *lift)
	default:
		log.Fatalf("invalid store %q: must be postgres or redis", *store)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Fprintf(os.Stdout, "%s [%s]\n", summary, time.Since(start))
}

func withPostgres(ctx context.Context, cfg config.Config, addr, reason string, d time.Duration, lift bool) (string, error) {
	pool, err := postgres.Open(ctx, cfg.Database, zap.NewNop())
	if err != nil {
		return "", fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewBanRepository(pool.DB())
	if lift {
		if err := repo.Unban(ctx, addr); err != nil {
			return "", fmt.Errorf("unbanning %s: %w", addr, err)
		}
		return "unbanned " + addr, nil
	}

	b, err := repo.Ban(ctx, addr, reason, d)
	if err != nil {
		return "", err
	}
	if b.ExpiresAt == nil {
		return fmt.Sprintf("banned %s permanently", b.Address), nil
	}
	return fmt.Sprintf("banned %s until %s", b.Address, b.ExpiresAt.Format(time.RFC3339)), nil
}

func withRedis(ctx context.Context, cfg config.Config, addr string, lift bool) (string, error) {
	client, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return "", err
	}
	defer client.Close()

	set := redis.NewBanSet(client, cfg.Redis.BanKey)
	if lift {
		removed, err := set.Unban(ctx, addr)
		if err != nil {
			return "", err
		}
		if !removed {
			return addr + " was not banned", nil
		}
		return "unbanned " + addr, nil
	}
	if err := set.Ban(ctx, addr); err != nil {
		return "", err
	}
	return "banned " + addr, nil
}
