// Package testutil provides test helpers including container management
// and test client utilities.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const containerStartup = 30 * time.Second

// containerSpec describes a single-port service container.
type containerSpec struct {
	name  string
	image string
	port  string
	env   map[string]string
	ready wait.Strategy
}

// startContainer runs spec and returns the host and mapped port it listens on.
// The container is terminated when the test ends. The test is skipped under -short.
//
// Precondition: Docker must be available.
func startContainer(t *testing.T, spec containerSpec) (host string, port int) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in -short mode", spec.name)
	}
	ctx := context.Background()
	began := time.Now()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        spec.image,
			ExposedPorts: []string{spec.port + "/tcp"},
			Env:          spec.env,
			WaitingFor:   spec.ready,
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("%s container: %v [%s]", spec.name, err, time.Since(began))
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err = c.Host(ctx)
	if err != nil {
		t.Fatalf("%s container host: %v", spec.name, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(spec.port))
	if err != nil {
		t.Fatalf("%s container port: %v", spec.name, err)
	}
	t.Logf("%s container up at %s:%d [%s]", spec.name, host, mapped.Int(), time.Since(began))
	return host, mapped.Int()
}
