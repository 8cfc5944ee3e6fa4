package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewRedisClient starts a Redis container and returns a client that has
// answered a ping.
func NewRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	host, port := startContainer(t, containerSpec{
		name:  "redis",
		image: "redis:7-alpine",
		port:  "6379",
		ready: wait.ForLog("Ready to accept connections").WithStartupTimeout(containerStartup),
	})

	client := goredis.NewClient(&goredis.Options{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		DialTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("pinging redis: %v", err)
	}
	return client
}
