package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/model"
	"golang.org/x/sync/errgroup"
)

// ToolClient performs MCP discovery and dispatch against one endpoint.
type ToolClient interface {
	ListTools(ctx context.Context, endpoint string) ([]model.ToolDef, error)
	ListResources(ctx context.Context, endpoint string) ([]model.ResourceDef, error)
	CallTool(ctx context.Context, endpoint, name string, arguments map[string]any) (json.RawMessage, error)
}

// InstalledServerSource supplies the set of installed MCP servers and their
// configuration. The manager never decides what is installed, only how to run
// it.
type InstalledServerSource interface {
	List(ctx context.Context) ([]model.ServerConfig, error)
}

// ManagerConfig tunes the sandbox manager.
type ManagerConfig struct {
	// MCPPortBase is the first host port used for published MCP endpoints.
	MCPPortBase int
	// StartAttempts bounds create+start retries per server. The manager owns
	// retry policy; containers never retry on their own.
	StartAttempts int
	// DiscoveryAttempts bounds MCP initialize/tools-list retries after a start,
	// giving the server process time to begin listening.
	DiscoveryAttempts int
	// ContainerOpts is passed to every SandboxedContainer.
	ContainerOpts ContainerOptions
}

// maxHostPort bounds monotonic host-port allocation; ports are published as
// uint16 on the wire.
const maxHostPort = 65535

type serverRecord struct {
	container    *SandboxedContainer
	cancelStart  context.CancelFunc
	tools        []model.ToolRegistryEntry
	resources    []model.ResourceRegistryEntry
	discoveryErr string
}

// Manager is the single entry point the rest of the application talks to. It
// owns the registry of sandboxed containers keyed by MCP server id and drives
// the machine -> image -> containers startup sequence.
type Manager struct {
	machine *RuntimeMachine
	image   *BaseImage
	runtime ContainerRuntime
	tools   ToolClient
	servers InstalledServerSource
	bus     *events.Bus
	cfg     ManagerConfig
	logger  *slog.Logger

	mu          sync.RWMutex
	records     map[string]*serverRecord
	nextPort    int
	initialized bool
}

func NewManager(
	machine *RuntimeMachine,
	image *BaseImage,
	runtime ContainerRuntime,
	tools ToolClient,
	servers InstalledServerSource,
	bus *events.Bus,
	cfg ManagerConfig,
) *Manager {
	if cfg.MCPPortBase <= 0 {
		cfg.MCPPortBase = 9300
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 2
	}
	if cfg.DiscoveryAttempts <= 0 {
		cfg.DiscoveryAttempts = 5
	}
	return &Manager{
		machine:  machine,
		image:    image,
		runtime:  runtime,
		tools:    tools,
		servers:  servers,
		bus:      bus,
		cfg:      cfg,
		logger:   slog.Default().With("component", "sandbox_manager"),
		records:  make(map[string]*serverRecord),
		nextPort: cfg.MCPPortBase,
	}
}

// Initialize drives the end-to-end startup sequence: runtime machine, base
// image, then one container per installed server. Machine or image failures
// abort the whole sequence; per-server failures are isolated to their record.
// Re-running Initialize retries servers that are not running; healthy
// containers are left alone.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	if err := m.machine.EnsureRunning(ctx); err != nil {
		m.logger.Error("runtime machine initialization failed", "error", err)
		return err
	}
	if err := m.image.Pull(ctx); err != nil {
		m.logger.Error("base image pull failed", "error", err)
		return err
	}

	configs, err := m.servers.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load installed servers: %w", err)
	}

	var g errgroup.Group
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			err := m.InstallServer(ctx, cfg)
			if errors.Is(err, ErrServerAlreadyInstalled) {
				// Left over from an earlier run; restart it unless it is
				// already up.
				err = m.RestartServer(ctx, cfg.ID)
			}
			if err != nil {
				// Isolated: recorded on the server's own status.
				m.logger.Warn("server failed to start during initialization",
					"server_id", cfg.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("sandbox initialized", "servers", len(configs))
	return nil
}

// InstallServer registers a container record for a server and brings its
// container up, then discovers its tools. Runs independently of other
// servers' state.
func (m *Manager) InstallServer(ctx context.Context, cfg model.ServerConfig) error {
	if status := m.image.Status(); status.PullPercentage != 100 || status.PullError != "" {
		return fmt.Errorf("base image is not ready for server %q", cfg.ID)
	}

	// The start must survive the caller's request context but stay cancelable
	// by uninstall.
	startCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	if _, exists := m.records[cfg.ID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %q", ErrServerAlreadyInstalled, cfg.ID)
	}
	if m.nextPort > maxHostPort {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("no host port left to publish server %q (allocated up to %d)", cfg.ID, maxHostPort)
	}
	port := m.nextPort
	m.nextPort++
	rec := &serverRecord{
		container:   NewSandboxedContainer(m.runtime, cfg, m.image.Ref(), port, m.cfg.ContainerOpts),
		cancelStart: cancel,
	}
	m.records[cfg.ID] = rec
	m.mu.Unlock()

	return m.startRecord(startCtx, cfg.ID, rec)
}

// RestartServer re-runs the start sequence for a stopped or failed server.
func (m *Manager) RestartServer(ctx context.Context, serverID string) error {
	m.mu.RLock()
	rec, ok := m.records[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("server %q is not installed", serverID)
	}

	switch rec.container.Status() {
	case model.ContainerStateRunning:
		return nil
	case model.ContainerStateStarting:
		return ErrStartInProgress
	}

	startCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	rec.cancelStart = cancel
	m.mu.Unlock()

	return m.startRecord(startCtx, serverID, rec)
}

func (m *Manager) startRecord(ctx context.Context, serverID string, rec *serverRecord) error {
	m.bus.PublishMessage(model.EventContainerStarting, serverID,
		fmt.Sprintf("Starting MCP server %q...", serverID))

	var lastErr error
	for attempt := 1; attempt <= m.cfg.StartAttempts; attempt++ {
		if rec.container.ContainerID() == "" {
			if err := rec.container.Create(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		if err := rec.container.Start(ctx); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		m.bus.PublishMessage(model.EventContainerFailed, serverID, rec.container.LastError())
		return lastErr
	}

	m.discoverTools(ctx, serverID, rec)
	m.bus.PublishMessage(model.EventContainerStarted, serverID,
		fmt.Sprintf("MCP server %q is running", serverID))
	return nil
}

func (m *Manager) discoverTools(ctx context.Context, serverID string, rec *serverRecord) {
	var tools []model.ToolDef
	var err error
	for attempt := 1; attempt <= m.cfg.DiscoveryAttempts; attempt++ {
		tools, err = m.tools.ListTools(ctx, m.endpointFor(rec))
		if err == nil || ctx.Err() != nil || attempt == m.cfg.DiscoveryAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.ContainerOpts.PollInterval):
		}
	}
	if err != nil {
		derr := &ToolDiscoveryError{ServerID: serverID, Err: err}
		m.logger.Warn("tool discovery failed", "server_id", serverID, "error", err)
		m.mu.Lock()
		rec.tools = nil
		rec.resources = nil
		rec.discoveryErr = derr.Error()
		m.mu.Unlock()
		return
	}

	entries := make([]model.ToolRegistryEntry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, model.ToolRegistryEntry{
			ServerID:    serverID,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	// Resources are optional in MCP; a server without the capability simply
	// contributes none.
	var resEntries []model.ResourceRegistryEntry
	if resources, resErr := m.tools.ListResources(ctx, m.endpointFor(rec)); resErr != nil {
		m.logger.Debug("resource listing unavailable", "server_id", serverID, "error", resErr)
	} else {
		resEntries = make([]model.ResourceRegistryEntry, 0, len(resources))
		for _, r := range resources {
			resEntries = append(resEntries, model.ResourceRegistryEntry{
				ServerID:    serverID,
				URI:         r.URI,
				Name:        r.Name,
				Description: r.Description,
				MimeType:    r.MimeType,
			})
		}
	}

	m.mu.Lock()
	rec.tools = entries
	rec.resources = resEntries
	rec.discoveryErr = ""
	m.mu.Unlock()
	m.logger.Info("discovery complete", "server_id", serverID,
		"tools", len(entries), "resources", len(resEntries))
}

// UninstallServer tears a server down: an in-flight start is canceled, the
// container (if any) is stopped and removed, and the record and its tools are
// deleted. Uninstalling an unknown or never-started server is a no-op.
func (m *Manager) UninstallServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	rec, ok := m.records[serverID]
	if ok {
		delete(m.records, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if rec.cancelStart != nil {
		rec.cancelStart()
	}
	if err := m.stopWhenIdle(ctx, rec.container); err != nil {
		m.logger.Warn("failed to stop container during uninstall",
			"server_id", serverID, "error", err)
	}
	if err := rec.container.Remove(ctx); err != nil {
		m.logger.Warn("failed to remove container during uninstall",
			"server_id", serverID, "error", err)
	}

	m.bus.PublishMessage(model.EventContainerStopped, serverID,
		fmt.Sprintf("MCP server %q was uninstalled", serverID))
	return nil
}

// stopWhenIdle stops a container, waiting briefly for a canceled in-flight
// start to release the per-record operation guard.
func (m *Manager) stopWhenIdle(ctx context.Context, c *SandboxedContainer) error {
	var err error
	for i := 0; i < 100; i++ {
		err = c.Stop(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return err
}

// Status is the aggregate read-model, recomputed fresh from live component
// state on every call.
func (m *Manager) Status() model.SandboxStatusSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make(map[string]model.ServerStatus, len(m.records))
	for id, rec := range m.records {
		state := rec.container.Status()
		errMsg := rec.container.LastError()
		if errMsg == "" {
			errMsg = rec.discoveryErr
		}
		servers[id] = model.ServerStatus{
			Running: state == model.ContainerStateRunning,
			Error:   errMsg,
		}
	}

	return model.SandboxStatusSummary{
		IsInitialized: m.initialized,
		Runtime:       m.machine.Status(),
		BaseImage:     m.image.Status(),
		Servers:       servers,
	}
}

// AllTools returns registry entries for every server whose container is
// currently running.
func (m *Manager) AllTools() []model.ToolRegistryEntry {
	return m.toolsWhere(func(string) bool { return true })
}

// ToolsByServerIDs returns registry entries for the given servers, skipping
// any that are not running.
func (m *Manager) ToolsByServerIDs(ids []string) []model.ToolRegistryEntry {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.toolsWhere(func(id string) bool { return want[id] })
}

func (m *Manager) toolsWhere(match func(serverID string) bool) []model.ToolRegistryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ToolRegistryEntry, 0)
	for id, rec := range m.records {
		if !match(id) || rec.container.Status() != model.ContainerStateRunning {
			continue
		}
		out = append(out, rec.tools...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out
}

// AllResources returns resource registry entries for every server whose
// container is currently running.
func (m *Manager) AllResources() []model.ResourceRegistryEntry {
	return m.resourcesWhere(func(string) bool { return true })
}

// ResourcesByServerIDs returns resource entries for the given servers,
// skipping any that are not running.
func (m *Manager) ResourcesByServerIDs(ids []string) []model.ResourceRegistryEntry {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.resourcesWhere(func(id string) bool { return want[id] })
}

func (m *Manager) resourcesWhere(match func(serverID string) bool) []model.ResourceRegistryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ResourceRegistryEntry, 0)
	for id, rec := range m.records {
		if !match(id) || rec.container.Status() != model.ContainerStateRunning {
			continue
		}
		out = append(out, rec.resources...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].URI < out[j].URI
	})
	return out
}

// CallTool forwards a structured tool call to the server's running container
// and returns its result verbatim.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, arguments map[string]any) (json.RawMessage, error) {
	m.mu.RLock()
	rec, ok := m.records[serverID]
	m.mu.RUnlock()
	if !ok || rec.container.Status() != model.ContainerStateRunning {
		return nil, fmt.Errorf("%w: %q", ErrServerNotConnected, serverID)
	}
	return m.tools.CallTool(ctx, m.endpointFor(rec), name, arguments)
}

// StopAll stops and removes every container; used on daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	records := make(map[string]*serverRecord, len(m.records))
	for id, rec := range m.records {
		records[id] = rec
	}
	m.records = make(map[string]*serverRecord)
	m.initialized = false
	m.mu.Unlock()

	for id, rec := range records {
		if rec.cancelStart != nil {
			rec.cancelStart()
		}
		if err := m.stopWhenIdle(ctx, rec.container); err != nil {
			m.logger.Warn("failed to stop container on shutdown", "server_id", id, "error", err)
		}
		if err := rec.container.Remove(ctx); err != nil {
			m.logger.Warn("failed to remove container on shutdown", "server_id", id, "error", err)
		}
	}
}

func (m *Manager) endpointFor(rec *serverRecord) string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", rec.container.HostPort())
}
