package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/model"
	"golang.org/x/sync/singleflight"
)

// Pinger checks reachability of the runtime control socket.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CommandRunner executes the podman binary for machine management. Podman
// exposes machine init/start only through the CLI, not the REST socket.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

// MachineConfig tunes machine startup polling.
type MachineConfig struct {
	Binary       string
	PollInterval time.Duration
	MaxAttempts  int
}

// RuntimeMachine guarantees a reachable container-runtime control endpoint
// before any image or container operation. EnsureRunning is a singleton
// operation: concurrent callers share one in-flight attempt.
type RuntimeMachine struct {
	pinger Pinger
	runner CommandRunner
	bus    *events.Bus
	cfg    MachineConfig

	mu     sync.Mutex
	status model.MachineStatus

	group singleflight.Group
}

func NewRuntimeMachine(pinger Pinger, runner CommandRunner, bus *events.Bus, cfg MachineConfig) *RuntimeMachine {
	if cfg.Binary == "" {
		cfg.Binary = "podman"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 45
	}
	return &RuntimeMachine{
		pinger: pinger,
		runner: runner,
		bus:    bus,
		cfg:    cfg,
		status: model.MachineStatus{State: model.MachineStateNotInstalled},
	}
}

// Status returns a non-blocking snapshot of machine startup state. Always
// available, including while initialization is in progress.
func (m *RuntimeMachine) Status() model.MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// EnsureRunning makes the runtime control endpoint reachable, initializing and
// starting the machine if needed. The wait budget is PollInterval*MaxAttempts;
// exhausting it is a terminal error state that requires explicit user action.
func (m *RuntimeMachine) EnsureRunning(ctx context.Context) error {
	_, err, _ := m.group.Do("ensure", func() (any, error) {
		return nil, m.ensureRunning(ctx)
	})
	return err
}

func (m *RuntimeMachine) ensureRunning(ctx context.Context) error {
	logger := slog.Default().With("component", "runtime_machine")

	if err := m.pinger.Ping(ctx); err == nil {
		m.setRunning("Container runtime is running")
		return nil
	}

	m.setProgress(model.MachineStateInitializing, 5, "Starting container runtime...")
	m.bus.PublishProgress(model.EventMachineStartupStarted, "", "Starting container runtime...", 5)

	installed, err := m.machineExists(ctx)
	if err != nil {
		logger.Warn("machine listing failed, assuming machine is absent", "error", err)
	}

	if !installed {
		m.setProgress(model.MachineStateInitializing, 15, "Creating container runtime machine...")
		m.bus.PublishProgress(model.EventMachineStartupProgress, "", "Creating container runtime machine...", 15)
		if out, err := m.runner.Run(ctx, m.cfg.Binary, "machine", "init"); err != nil {
			logger.Error("machine init failed", "error", err, "output", strings.TrimSpace(out))
			return m.fail("The container runtime machine could not be created", err)
		}
	}

	m.setProgress(model.MachineStateInitializing, 40, "Booting container runtime machine...")
	m.bus.PublishProgress(model.EventMachineStartupProgress, "", "Booting container runtime machine...", 40)
	if out, err := m.runner.Run(ctx, m.cfg.Binary, "machine", "start"); err != nil {
		// "already running" from a racing external start is fine; keep polling.
		if !strings.Contains(strings.ToLower(out+err.Error()), "already running") {
			logger.Error("machine start failed", "error", err)
			return m.fail("The container runtime machine could not be started", err)
		}
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return m.fail("Container runtime startup was interrupted", ctx.Err())
		case <-ticker.C:
		}

		if err := m.pinger.Ping(ctx); err == nil {
			m.setRunning("Container runtime is running")
			m.bus.PublishProgress(model.EventMachineStartupCompleted, "", "Container runtime is running", 100)
			logger.Info("runtime machine is running", "attempts", attempt)
			return nil
		}

		// Scale the remaining 40..95 band across the poll budget.
		pct := 40 + (55*attempt)/m.cfg.MaxAttempts
		msg := "Waiting for container runtime to become reachable..."
		m.setProgress(model.MachineStateInitializing, pct, msg)
		m.bus.PublishProgress(model.EventMachineStartupProgress, "", msg, pct)
	}

	return m.fail(
		fmt.Sprintf("Container runtime did not become reachable after %d attempts", m.cfg.MaxAttempts),
		nil,
	)
}

type machineListEntry struct {
	Name    string `json:"Name"`
	Running bool   `json:"Running"`
}

func (m *RuntimeMachine) machineExists(ctx context.Context) (bool, error) {
	out, err := m.runner.Run(ctx, m.cfg.Binary, "machine", "list", "--format", "json")
	if err != nil {
		return false, err
	}
	var entries []machineListEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entries); err != nil {
		return false, fmt.Errorf("failed to parse machine list: %w", err)
	}
	return len(entries) > 0, nil
}

func (m *RuntimeMachine) setProgress(state model.MachineState, pct int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Percentage never moves backwards within one startup attempt.
	if state == m.status.State && pct < m.status.StartupPercentage {
		pct = m.status.StartupPercentage
	}
	m.status = model.MachineStatus{State: state, StartupPercentage: pct, StartupMessage: msg}
}

func (m *RuntimeMachine) setRunning(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = model.MachineStatus{State: model.MachineStateRunning, StartupPercentage: 100, StartupMessage: msg}
}

func (m *RuntimeMachine) fail(msg string, err error) error {
	full := msg
	if err != nil {
		full = fmt.Sprintf("%s: %v", msg, err)
	}
	m.mu.Lock()
	m.status = model.MachineStatus{State: model.MachineStateError, StartupError: full}
	m.mu.Unlock()

	m.bus.PublishMessage(model.EventMachineStartupFailed, "", full)
	return &MachineInitError{Message: msg, Err: err}
}
