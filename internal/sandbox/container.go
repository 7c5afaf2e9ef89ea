package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/podman"
)

// ContainerRuntime is the slice of the runtime API container lifecycle needs.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec podman.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, nameOrID string) error
	StopContainer(ctx context.Context, nameOrID string, timeoutSeconds int) error
	KillContainer(ctx context.Context, nameOrID string) error
	RemoveContainer(ctx context.Context, nameOrID string, force bool) error
	InspectContainer(ctx context.Context, nameOrID string) (*podman.ContainerInspect, error)
}

const (
	// mcpContainerPort is the fixed port MCP servers listen on inside the
	// shared base image.
	mcpContainerPort = 8080

	// serverIDLabel tags sandbox containers with their MCP server id.
	serverIDLabel = "io.archestra.sandboxd/server-id"

	stopTimeoutSeconds = 10
)

// opState guards per-container operations: at most one start or stop may be
// in flight per record, without any global lock.
type opState int

const (
	opIdle opState = iota
	opStarting
	opStopping
)

// ContainerOptions tunes start polling for one container.
type ContainerOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// SandboxedContainer owns the full lifecycle of exactly one container tied to
// one installed MCP server.
type SandboxedContainer struct {
	runtime ContainerRuntime
	config  model.ServerConfig
	image   string
	// hostPort is where the container's MCP endpoint is published on the host.
	hostPort int
	opts     ContainerOptions
	logger   *slog.Logger

	mu          sync.Mutex
	containerID string
	state       model.ContainerState
	lastErr     string
	op          opState
}

func NewSandboxedContainer(runtime ContainerRuntime, config model.ServerConfig, image string, hostPort int, opts ContainerOptions) *SandboxedContainer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}
	return &SandboxedContainer{
		runtime:  runtime,
		config:   config,
		image:    image,
		hostPort: hostPort,
		opts:     opts,
		logger:   slog.Default().With("component", "sandboxed_container", "server_id", config.ID),
	}
}

// ServerID reports the MCP server this container belongs to.
func (c *SandboxedContainer) ServerID() string {
	return c.config.ID
}

// HostPort reports where the container's MCP endpoint is published.
func (c *SandboxedContainer) HostPort() int {
	return c.hostPort
}

// Status is a non-blocking read of the container state.
func (c *SandboxedContainer) Status() model.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is a non-blocking read of the last recorded failure, if any.
func (c *SandboxedContainer) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ContainerID reports the runtime's id for this container, if created.
func (c *SandboxedContainer) ContainerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.containerID
}

// Create builds the container from the server config and registers it with
// the runtime.
func (c *SandboxedContainer) Create(ctx context.Context) error {
	spec := podman.ContainerSpec{
		Name:    "sandboxd-" + c.config.ID,
		Image:   c.image,
		Command: append([]string{c.config.Command}, c.config.Args...),
		Env:     c.containerEnv(),
		Labels:  map[string]string{serverIDLabel: c.config.ID},
		PortMappings: []podman.PortMapping{
			{ContainerPort: mcpContainerPort, HostPort: uint16(c.hostPort), Protocol: "tcp"},
		},
	}

	id, err := c.runtime.CreateContainer(ctx, spec)
	if err != nil {
		c.setError(fmt.Sprintf("Could not create the sandbox container: %v", err))
		return &ContainerStartError{ServerID: c.config.ID, Err: err}
	}

	c.mu.Lock()
	c.containerID = id
	c.state = model.ContainerStateCreated
	c.lastErr = ""
	c.mu.Unlock()

	c.logger.Info("container created", "container_id", id)
	return nil
}

// Start starts the created container and waits until the runtime confirms it
// is running. Starting a container that is already running is a no-op that
// returns success; a start while another start is in flight is rejected.
func (c *SandboxedContainer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == model.ContainerStateRunning {
		c.mu.Unlock()
		return nil
	}
	if c.op != opIdle {
		c.mu.Unlock()
		return ErrStartInProgress
	}
	if c.containerID == "" {
		c.mu.Unlock()
		return &ContainerStartError{ServerID: c.config.ID, Err: fmt.Errorf("container has not been created")}
	}
	c.op = opStarting
	c.state = model.ContainerStateStarting
	c.lastErr = ""
	id := c.containerID
	c.mu.Unlock()

	defer c.clearOp()

	if err := c.runtime.StartContainer(ctx, id); err != nil {
		c.setError(fmt.Sprintf("The sandbox container failed to start: %v", err))
		return &ContainerStartError{ServerID: c.config.ID, Err: err}
	}

	if err := c.waitRunning(ctx, id); err != nil {
		c.setError(fmt.Sprintf("The sandbox container did not become ready: %v", err))
		return &ContainerStartError{ServerID: c.config.ID, Err: err}
	}

	c.mu.Lock()
	c.state = model.ContainerStateRunning
	c.mu.Unlock()
	c.logger.Info("container running", "container_id", id)
	return nil
}

// Stop gracefully stops the container, falling back to a forced kill when the
// graceful stop fails.
func (c *SandboxedContainer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.op != opIdle {
		c.mu.Unlock()
		return fmt.Errorf("container operation already in progress for server %q", c.config.ID)
	}
	id := c.containerID
	if id == "" {
		// Never created; nothing to stop.
		c.state = model.ContainerStateStopped
		c.mu.Unlock()
		return nil
	}
	c.op = opStopping
	c.mu.Unlock()

	defer c.clearOp()

	if err := c.runtime.StopContainer(ctx, id, stopTimeoutSeconds); err != nil {
		c.logger.Warn("graceful stop failed, killing container", "error", err)
		if killErr := c.runtime.KillContainer(ctx, id); killErr != nil {
			c.setError(fmt.Sprintf("The sandbox container could not be stopped: %v", killErr))
			return killErr
		}
	}

	c.mu.Lock()
	c.state = model.ContainerStateStopped
	c.mu.Unlock()
	c.logger.Info("container stopped", "container_id", id)
	return nil
}

// Remove deletes the container from the runtime. Safe to call for containers
// that were never created or are already gone.
func (c *SandboxedContainer) Remove(ctx context.Context) error {
	c.mu.Lock()
	id := c.containerID
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := c.runtime.RemoveContainer(ctx, id, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.containerID = ""
	c.mu.Unlock()
	return nil
}

func (c *SandboxedContainer) waitRunning(ctx context.Context, id string) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		inspect, err := c.runtime.InspectContainer(ctx, id)
		if err != nil {
			// Transient inspect failures are retried within the attempt budget.
			c.logger.Debug("inspect failed while waiting for container", "error", err)
			continue
		}
		if inspect.State.Running {
			return nil
		}
		if inspect.State.Status == "exited" {
			if inspect.State.Error != "" {
				return fmt.Errorf("container exited: %s", inspect.State.Error)
			}
			return fmt.Errorf("container exited with code %d", inspect.State.ExitCode)
		}
	}
	return fmt.Errorf("container did not reach running state after %d attempts", c.opts.MaxAttempts)
}

func (c *SandboxedContainer) containerEnv() map[string]string {
	env := make(map[string]string, len(c.config.Env)+len(c.config.Secrets)+len(c.config.UserConfig))
	for k, v := range c.config.Env {
		env[k] = v
	}
	for k, v := range c.config.Secrets {
		env[k] = v
	}
	for k, v := range c.config.UserConfig {
		env[k] = v
	}
	env["MCP_PORT"] = fmt.Sprintf("%d", mcpContainerPort)
	return env
}

func (c *SandboxedContainer) setError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = model.ContainerStateError
	c.lastErr = msg
}

func (c *SandboxedContainer) clearOp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.op = opIdle
}
