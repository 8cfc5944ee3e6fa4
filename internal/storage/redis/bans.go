// Package redis shares the ban list between game servers through a Redis set.
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/realmgate/internal/config"
)

// NewClient builds a client from cfg and checks it answers a ping.
//
// Postcondition: Returns a connected client or a non-nil error.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// BanSet keeps banned addresses as members of one Redis set. It implements
// delivery.BanChecker.
type BanSet struct {
	client goredis.UniversalClient
	key    string
}

// NewBanSet creates a BanSet over the set stored at key.
//
// Precondition: client must be non-nil; key must be non-empty.
func NewBanSet(client goredis.UniversalClient, key string) *BanSet {
	return &BanSet{client: client, key: key}
}

// IsBanned reports whether addr is a member of the set.
func (s *BanSet) IsBanned(ctx context.Context, addr string) (bool, error) {
	banned, err := s.client.SIsMember(ctx, s.key, addr).Result()
	if err != nil {
		return false, fmt.Errorf("checking ban for %s: %w", addr, err)
	}
	return banned, nil
}

// Ban adds addrs to the set.
func (s *BanSet) Ban(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	members := make([]any, len(addrs))
	for i, a := range addrs {
		members[i] = a
	}
	if err := s.client.SAdd(ctx, s.key, members...).Err(); err != nil {
		return fmt.Errorf("banning %v: %w", addrs, err)
	}
	return nil
}

// Unban removes addr and reports whether it was banned.
func (s *BanSet) Unban(ctx context.Context, addr string) (bool, error) {
	n, err := s.client.SRem(ctx, s.key, addr).Result()
	if err != nil {
		return false, fmt.Errorf("unbanning %s: %w", addr, err)
	}
	return n > 0, nil
}

// List returns every banned address in no particular order.
func (s *BanSet) List(ctx context.Context) ([]string, error) {
	addrs, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing bans: %w", err)
	}
	return addrs, nil
}
