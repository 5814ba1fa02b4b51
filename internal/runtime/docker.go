package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/hiveworks/hived/internal/config"
	goarchive "github.com/moby/go-archive"
)

const (
	labelPrefix = "hived"
	networkName = "hived-net"
)

// DockerRuntime runs each agent session as a container attached to the
// hived network, with the embedded NATS bus reachable for usage and
// result reporting.
type DockerRuntime struct {
	docker      *client.Client
	cfg         config.RuntimeConfig
	natsURL     string
	mu          sync.RWMutex
	active      map[string]string // sessionID -> container id
	networkOnce sync.Once
	networkErr  error
}

func NewDockerRuntime(cfg config.RuntimeConfig, natsURL string) (*DockerRuntime, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &DockerRuntime{
		docker:  docker,
		cfg:     cfg,
		natsURL: natsURL,
		active:  make(map[string]string),
	}, nil
}

func (r *DockerRuntime) ensureNetwork(ctx context.Context) error {
	r.networkOnce.Do(func() {
		_, err := r.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
		if err == nil {
			return
		}
		_, err = r.docker.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
		if err != nil {
			r.networkErr = fmt.Errorf("create network %s: %w", networkName, err)
			return
		}
		slog.Info("created docker network", "network", networkName)
	})
	return r.networkErr
}

func (r *DockerRuntime) Spawn(ctx context.Context, cfg SpawnConfig) (string, error) {
	r.mu.Lock()
	if len(r.active) >= r.cfg.MaxRunning {
		r.mu.Unlock()
		return "", fmt.Errorf("max running sessions (%d) reached", r.cfg.MaxRunning)
	}
	r.mu.Unlock()

	if err := r.ensureNetwork(ctx); err != nil {
		return "", err
	}

	sessionID := fmt.Sprintf("%s-a%d", cfg.AgentID, time.Now().UnixNano()%100000)
	containerName := fmt.Sprintf("hived-agent-%s", sessionID)

	// Remove any stale container with the same name
	timeout := 5
	_ = r.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = r.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", r.natsURL),
		fmt.Sprintf("AGENT_ID=%s", cfg.AgentID),
		fmt.Sprintf("SWARM_ID=%s", cfg.SwarmID),
		fmt.Sprintf("TASK=%s", cfg.Task),
	}
	if cfg.Model != "" {
		env = append(env, fmt.Sprintf("MODEL=%s", cfg.Model))
	}
	if cfg.APIKey != "" {
		env = append(env, fmt.Sprintf("API_KEY=%s", cfg.APIKey))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &dockercontainer.Config{
		Image: r.cfg.Image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   cfg.AgentID,
			labelPrefix + ".swarm":   cfg.SwarmID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		NetworkMode: dockercontainer.NetworkMode(networkName),
	}
	if r.cfg.WorkspaceDir != "" {
		ws := strings.TrimRight(r.cfg.WorkspaceDir, "/") + "/" + cfg.SwarmID
		_ = os.MkdirAll(ws, 0o755)
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", ws)}
	}

	resp, err := r.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = r.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}

	r.mu.Lock()
	r.active[sessionID] = resp.ID
	r.mu.Unlock()

	slog.Info("agent session started", "agent", cfg.AgentID, "session", sessionID, "container", resp.ID[:12])
	return sessionID, nil
}

func (r *DockerRuntime) containerFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.active[sessionID]
	return id, ok
}

func (r *DockerRuntime) Pause(ctx context.Context, sessionID string) error {
	id, ok := r.containerFor(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if err := r.docker.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("pause container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Resume(ctx context.Context, sessionID string) error {
	id, ok := r.containerFor(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if err := r.docker.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("unpause container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Kill(ctx context.Context, sessionID, signal string) (bool, error) {
	id, ok := r.containerFor(sessionID)
	if !ok {
		return false, nil
	}

	if signal != "" {
		if err := r.docker.ContainerKill(ctx, id, signal); err != nil {
			slog.Warn("container kill signal failed", "session", sessionID, "error", err)
		}
	}

	timeout := 10
	if err := r.docker.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		return false, fmt.Errorf("stop container: %w", err)
	}
	if err := r.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "session", sessionID, "error", err)
	}

	r.mu.Lock()
	delete(r.active, sessionID)
	r.mu.Unlock()

	slog.Info("agent session killed", "session", sessionID)
	return true, nil
}

// Status inspects the session's container. Any inspect failure or
// unrecognized container state degrades to StateUnknown.
func (r *DockerRuntime) Status(ctx context.Context, sessionID string) (Status, error) {
	id, ok := r.containerFor(sessionID)
	if !ok {
		return Status{State: StateExited}, nil
	}

	inspect, err := r.docker.ContainerInspect(ctx, id)
	if err != nil {
		return Status{State: StateUnknown}, nil
	}
	if inspect.State == nil {
		return Status{State: StateUnknown}, nil
	}

	switch {
	case inspect.State.Paused:
		return Status{State: StatePaused}, nil
	case inspect.State.Running:
		return Status{State: StateRunning}, nil
	default:
		return Status{State: StateExited}, nil
	}
}

// KillAll force-removes every managed session, used on shutdown.
func (r *DockerRuntime) KillAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]string, 0, len(r.active))
	for sid := range r.active {
		sessions = append(sessions, sid)
	}
	r.mu.Unlock()

	for _, sid := range sessions {
		_, _ = r.Kill(ctx, sid, "")
	}
}

// CleanupStale removes managed containers left over from a previous
// process that are no longer tracked.
func (r *DockerRuntime) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	r.mu.RLock()
	tracked := make(map[string]bool, len(r.active))
	for _, id := range r.active {
		tracked[id] = true
	}
	r.mu.RUnlock()

	for _, c := range containers {
		if !tracked[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

// BuildImage builds the agent image from Dockerfile.agent in the working
// directory.
func (r *DockerRuntime) BuildImage(ctx context.Context) error {
	cwd, _ := os.Getwd()
	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := r.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{r.cfg.Image},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("agent image built", "image", r.cfg.Image)
	return nil
}
