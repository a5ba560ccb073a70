package automation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/eventcast/internal/adapter"
	"github.com/ashureev/eventcast/internal/config"
)

const (
	browserPort     = nat.Port("3000/tcp")
	labelKey        = "eventcast.browser"
	stopTimeoutSecs = 5

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512
)

// DockerAPI is the subset of the Docker client the engine uses.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// DockerEngine launches one browserless container per attempt.
type DockerEngine struct {
	cli           DockerAPI
	http          *http.Client
	image         string
	network       string // when set, browsers are reached by container name
	token         string
	launchTimeout time.Duration
	logger        *slog.Logger
}

// NewDockerEngine creates an engine backed by the local Docker daemon.
func NewDockerEngine(cfg config.BrowserConfig, logger *slog.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerEngine(cli, cfg, logger), nil
}

func newDockerEngine(cli DockerAPI, cfg config.BrowserConfig, logger *slog.Logger) *DockerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 60 * time.Second
	}
	return &DockerEngine{
		cli:           cli,
		http:          &http.Client{Timeout: 5 * time.Second},
		image:         cfg.Image,
		network:       cfg.Network,
		token:         cfg.Token,
		launchTimeout: cfg.LaunchTimeout,
		logger:        logger,
	}
}

// Ping checks that the Docker daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Acquire creates and starts a browser container and waits until it
// accepts requests. A container that fails to come up is removed.
func (e *DockerEngine) Acquire(ctx context.Context, attemptID string) (*Browser, error) {
	ctx, cancel := context.WithTimeout(ctx, e.launchTimeout)
	defer cancel()

	name := "eventcast-browser-" + attemptID
	env := []string{"CONCURRENT=1"}
	if e.token != "" {
		env = append(env, "TOKEN="+e.token)
	}

	cfg := &container.Config{
		Image:        e.image,
		Env:          env,
		ExposedPorts: nat.PortSet{browserPort: struct{}{}},
		Labels:       map[string]string{labelKey: attemptID},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		ShmSize: 256 * 1024 * 1024,
	}
	if e.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(e.network)
	} else {
		hostCfg.PortBindings = nat.PortMap{browserPort: []nat.PortBinding{{HostIP: "127.0.0.1"}}}
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, launchError("create browser container", err)
	}
	b := &Browser{ID: resp.ID, Name: name}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.discard(b)
		return nil, launchError("start browser container", err)
	}

	endpoint, err := e.endpoint(ctx, b)
	if err != nil {
		e.discard(b)
		return nil, launchError("resolve browser endpoint", err)
	}
	b.Endpoint = endpoint

	if err := waitReady(ctx, e.http, endpoint, e.token); err != nil {
		e.discard(b)
		return nil, launchError("wait for browser", err)
	}

	e.logger.Info("browser container started", "container_id", b.ID, "attempt_id", attemptID, "endpoint", endpoint)
	return b, nil
}

func (e *DockerEngine) endpoint(ctx context.Context, b *Browser) (string, error) {
	if e.network != "" {
		return fmt.Sprintf("http://%s:%s", b.Name, browserPort.Port()), nil
	}
	inspect, err := e.cli.ContainerInspect(ctx, b.ID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", b.ID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", b.ID)
	}
	return hostEndpoint(inspect.NetworkSettings.Ports)
}

func hostEndpoint(ports nat.PortMap) (string, error) {
	for _, binding := range ports[browserPort] {
		if binding.HostPort == "" {
			continue
		}
		host := binding.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return fmt.Sprintf("http://%s:%s", host, binding.HostPort), nil
	}
	return "", fmt.Errorf("port %s is not published", browserPort)
}

// discard removes a container that never became usable.
func (e *DockerEngine) discard(b *Browser) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Release(ctx, b); err != nil {
		e.logger.Warn("failed to remove browser container after launch failure", "container_id", b.ID, "error", err)
	}
}

// Release stops and removes a browser container. It is idempotent.
func (e *DockerEngine) Release(ctx context.Context, b *Browser) error {
	if b == nil || b.ID == "" {
		return nil
	}

	timeout := stopTimeoutSecs
	if err := e.cli.ContainerStop(ctx, b.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			e.logger.Debug("browser container already removed", "container_id", b.ID)
			return nil
		}
		e.logger.Debug("browser container stop returned error, continuing to remove", "container_id", b.ID, "error", err)
	}

	if err := e.cli.ContainerRemove(ctx, b.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", b.ID, err)
	}

	e.logger.Info("browser container removed", "container_id", b.ID)
	return nil
}

// SweepOrphans removes browser containers older than maxAge, left behind
// by a crash between Acquire and Release.
func (e *DockerEngine) SweepOrphans(ctx context.Context, maxAge time.Duration) (int, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return 0, fmt.Errorf("list browser containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	for _, c := range list {
		if c.Created > cutoff {
			continue
		}
		if err := e.Release(ctx, &Browser{ID: c.ID}); err != nil {
			e.logger.Warn("failed to remove orphaned browser container", "container_id", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// launchError keeps network failures retryable and reports anything else
// as the browser being unavailable.
func launchError(op string, err error) error {
	if _, retryable := adapter.Classify(err); retryable {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &adapter.Error{Kind: adapter.KindUnavailable, Code: "BROWSER_LAUNCH_FAILED", Op: op, Err: err}
}

func ptr[T any](v T) *T {
	return &v
}
