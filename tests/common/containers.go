// Package common provides shared test infrastructure
package common

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Env represents an isolated Redis test environment backed by Docker.
type Env struct {
	t         *testing.T
	container testcontainers.Container
	ctx       context.Context
	cancel    context.CancelFunc
	URL       string
	Client    *redis.Client
}

// NewEnv starts a throwaway Redis container. Tests are skipped when Docker
// is unavailable (CI without the docker socket, for instance).
func NewEnv(t *testing.T) *Env {
	t.Helper()

	if os.Getenv("CIQUEUE_SKIP_DOCKER_TESTS") != "" {
		t.Skip("CIQUEUE_SKIP_DOCKER_TESTS is set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		cancel()
		t.Skipf("Docker unavailable: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		cancel()
		t.Fatalf("Failed to resolve container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		cancel()
		t.Fatalf("Failed to resolve container port: %v", err)
	}

	url := fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	opts, err := redis.ParseURL(url)
	if err != nil {
		cancel()
		t.Fatalf("Bad redis url %s: %v", url, err)
	}

	env := &Env{
		t:         t,
		container: container,
		ctx:       ctx,
		cancel:    cancel,
		URL:       url,
		Client:    redis.NewClient(opts),
	}
	t.Cleanup(env.Close)
	return env
}

// Close tears the environment down.
func (e *Env) Close() {
	if e.Client != nil {
		e.Client.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(e.ctx)
	}
	e.cancel()
}
