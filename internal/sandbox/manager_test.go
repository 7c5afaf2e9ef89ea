package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/model"
)

type managerFixture struct {
	manager *Manager
	machine *RuntimeMachine
	image   *BaseImage
	runtime *fakeRuntime
	puller  *fakePuller
	pinger  *fakePinger
	runner  *fakeRunner
	tools   *fakeTools
	source  *memorySource
	bus     *events.Bus
}

func goodPullStream() string {
	return pullLine(map[string]any{"status": "Downloading", "id": "aaa", "progressDetail": map[string]any{"current": 100, "total": 100}}) +
		pullLine(map[string]any{"status": "Pull complete", "id": "aaa"})
}

func newManagerFixture(configs ...model.ServerConfig) *managerFixture {
	bus := events.NewBus()
	pinger := &fakePinger{}
	runner := newFakeRunner()
	puller := &fakePuller{stream: goodPullStream()}
	rt := newFakeRuntime()
	tools := &fakeTools{
		tools: []model.ToolDef{
			{Name: "search", Description: "Search things", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		resources: []model.ResourceDef{
			{URI: "doc://readme", Name: "readme", MimeType: "text/markdown"},
		},
		result: json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`),
	}
	source := &memorySource{configs: configs}

	machine := NewRuntimeMachine(pinger, runner, bus, testMachineConfig())
	image := NewBaseImage(puller, testImageRef, bus)
	mgr := NewManager(machine, image, rt, tools, source, bus, ManagerConfig{
		MCPPortBase:   9300,
		StartAttempts: 2,
		ContainerOpts: testContainerOptions(),
	})

	return &managerFixture{
		manager: mgr, machine: machine, image: image, runtime: rt,
		puller: puller, pinger: pinger, runner: runner, tools: tools,
		source: source, bus: bus,
	}
}

func TestInitializeHappyPath(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"), testServerConfig("srv-b"))

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	st := f.manager.Status()
	if !st.IsInitialized {
		t.Fatal("expected initialized")
	}
	if st.Runtime.State != model.MachineStateRunning {
		t.Fatalf("expected running machine, got %q", st.Runtime.State)
	}
	if st.BaseImage.PullPercentage != 100 {
		t.Fatalf("expected pulled image, got %d%%", st.BaseImage.PullPercentage)
	}
	if len(st.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(st.Servers))
	}
	for id, srv := range st.Servers {
		if !srv.Running {
			t.Fatalf("server %q should be running: %+v", id, srv)
		}
		if srv.Error != "" {
			t.Fatalf("server %q has unexpected error %q", id, srv.Error)
		}
	}

	tools := f.manager.AllTools()
	if len(tools) != 2 {
		t.Fatalf("expected one tool per running server, got %d", len(tools))
	}
	if tools[0].ServerID != "srv-a" || tools[1].ServerID != "srv-b" {
		t.Fatalf("tools should be sorted by server id, got %v", tools)
	}
}

func TestInitializeMachineFailureAbortsSequence(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.pinger.failUntil = 1000
	f.runner.responses["machine list --format json"] = "[]"
	f.runner.errors["machine init"] = fmt.Errorf("virtualization unavailable")

	err := f.manager.Initialize(context.Background())
	var initErr *MachineInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected MachineInitError, got %T: %v", err, err)
	}

	if f.puller.pullCount() != 0 {
		t.Fatal("image pull must not be attempted after machine failure")
	}
	if f.runtime.createCalls != 0 {
		t.Fatal("no containers may be created after machine failure")
	}

	st := f.manager.Status()
	if st.IsInitialized {
		t.Fatal("failed initialization must not report initialized")
	}
	if st.Runtime.State != model.MachineStateError {
		t.Fatalf("expected machine error state, got %q", st.Runtime.State)
	}
}

func TestInitializeImageFailureAbortsSequence(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.puller.err = fmt.Errorf("registry unreachable")

	err := f.manager.Initialize(context.Background())
	var pullErr *ImagePullError
	if !errors.As(err, &pullErr) {
		t.Fatalf("expected ImagePullError, got %T: %v", err, err)
	}
	if f.runtime.createCalls != 0 {
		t.Fatal("no containers may be created after image failure")
	}
	if f.manager.Status().IsInitialized {
		t.Fatal("failed initialization must not report initialized")
	}
}

func TestInitializeIsolatesPerServerFailures(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"), testServerConfig("srv-b"))
	f.runtime.startErrByName["sandboxd-srv-b"] = fmt.Errorf("oci runtime error")

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must succeed despite a failing server: %v", err)
	}

	st := f.manager.Status()
	if !st.IsInitialized {
		t.Fatal("expected initialized")
	}
	if !st.Servers["srv-a"].Running {
		t.Fatalf("srv-a should be running: %+v", st.Servers["srv-a"])
	}
	if st.Servers["srv-b"].Running {
		t.Fatal("srv-b should not be running")
	}
	if st.Servers["srv-b"].Error == "" {
		t.Fatal("srv-b should carry an error")
	}

	// Only the healthy server contributes tools.
	tools := f.manager.AllTools()
	if len(tools) != 1 || tools[0].ServerID != "srv-a" {
		t.Fatalf("expected only srv-a tools, got %v", tools)
	}
}

func TestInitializeRetryRecoversFailedServer(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.runtime.startErrByName["sandboxd-srv-a"] = fmt.Errorf("oci runtime error")

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if f.manager.Status().Servers["srv-a"].Running {
		t.Fatal("srv-a should have failed on the first pass")
	}

	// The fault clears; a second initialization pass must restart the
	// already-installed server rather than skip it.
	f.runtime.mu.Lock()
	delete(f.runtime.startErrByName, "sandboxd-srv-a")
	f.runtime.mu.Unlock()

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	st := f.manager.Status()
	if !st.Servers["srv-a"].Running {
		t.Fatalf("srv-a should be running after retry: %+v", st.Servers["srv-a"])
	}
	tools := f.manager.AllTools()
	if len(tools) != 1 || tools[0].ServerID != "srv-a" {
		t.Fatalf("expected srv-a tools after retry, got %v", tools)
	}
}

func TestInstallServerRequiresReadyImage(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.InstallServer(context.Background(), testServerConfig("srv-a"))
	if err == nil {
		t.Fatal("install must fail before the base image is pulled")
	}
	if f.runtime.createCalls != 0 {
		t.Fatal("no container may be created before the image is ready")
	}
}

func TestInstallServerRejectsDuplicates(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := f.manager.InstallServer(context.Background(), testServerConfig("srv-a")); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	err := f.manager.InstallServer(context.Background(), testServerConfig("srv-a"))
	if !errors.Is(err, ErrServerAlreadyInstalled) {
		t.Fatalf("expected ErrServerAlreadyInstalled, got %v", err)
	}
}

func TestInstallServerAssignsDistinctPorts(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := f.manager.InstallServer(context.Background(), testServerConfig("srv-a")); err != nil {
		t.Fatalf("install srv-a failed: %v", err)
	}
	if err := f.manager.InstallServer(context.Background(), testServerConfig("srv-b")); err != nil {
		t.Fatalf("install srv-b failed: %v", err)
	}

	ports := make(map[uint16]bool)
	for _, spec := range f.runtime.created {
		for _, pm := range spec.PortMappings {
			if ports[pm.HostPort] {
				t.Fatalf("host port %d assigned twice", pm.HostPort)
			}
			ports[pm.HostPort] = true
		}
	}
}

func TestInstallServerFailsWhenPortsExhausted(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	f.manager.mu.Lock()
	f.manager.nextPort = maxHostPort
	f.manager.mu.Unlock()

	if err := f.manager.InstallServer(context.Background(), testServerConfig("srv-a")); err != nil {
		t.Fatalf("install on the last available port failed: %v", err)
	}
	err := f.manager.InstallServer(context.Background(), testServerConfig("srv-b"))
	if err == nil {
		t.Fatal("expected install to fail once all ports are allocated")
	}
	if _, ok := f.manager.Status().Servers["srv-b"]; ok {
		t.Fatal("failed install must not leave a server record behind")
	}

	f.runtime.mu.Lock()
	created := len(f.runtime.created)
	f.runtime.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected exactly one container creation, got %d", created)
	}
}

func TestUninstallCancelsInFlightStart(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	gate := make(chan struct{})
	f.runtime.mu.Lock()
	f.runtime.startGate = gate
	f.runtime.mu.Unlock()

	installDone := make(chan error, 1)
	go func() {
		installDone <- f.manager.InstallServer(context.Background(), testServerConfig("srv-a"))
	}()

	// Wait until the start is actually blocked inside the runtime.
	deadline := time.After(2 * time.Second)
	for {
		f.runtime.mu.Lock()
		created := len(f.runtime.created)
		f.runtime.mu.Unlock()
		if created == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("container was never created")
		case <-time.After(time.Millisecond):
		}
	}

	if err := f.manager.UninstallServer(context.Background(), "srv-a"); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	close(gate)

	if err := <-installDone; err == nil {
		t.Fatal("expected the canceled install to report an error")
	}

	st := f.manager.Status()
	if _, ok := st.Servers["srv-a"]; ok {
		t.Fatal("uninstalled server must not appear in status")
	}
	if len(f.manager.AllTools()) != 0 {
		t.Fatal("uninstalled server must not contribute tools")
	}
	if got := f.runtime.removedIDs(); len(got) != 1 {
		t.Fatalf("expected the half-started container to be removed, got %v", got)
	}
}

func TestStatusMidPullIsNotInitialized(t *testing.T) {
	f := newManagerFixture()

	gate := make(chan struct{})
	f.puller.mu.Lock()
	f.puller.gate = gate
	f.puller.mu.Unlock()

	initDone := make(chan error, 1)
	go func() {
		initDone <- f.manager.Initialize(context.Background())
	}()

	// Wait for the pull request to be in flight.
	deadline := time.After(2 * time.Second)
	for f.puller.pullCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("pull never started")
		case <-time.After(time.Millisecond):
		}
	}

	st := f.manager.Status()
	if st.IsInitialized {
		t.Fatal("status mid-pull must report not initialized")
	}
	if st.BaseImage.PullPercentage == 100 {
		t.Fatal("pull must not report complete while the stream is open")
	}

	close(gate)
	if err := <-initDone; err != nil {
		t.Fatalf("Initialize failed after releasing the pull: %v", err)
	}
	if !f.manager.Status().IsInitialized {
		t.Fatal("expected initialized after the pull completed")
	}
}

func TestUninstallUnknownServerIsNoOp(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.UninstallServer(context.Background(), "never-installed"); err != nil {
		t.Fatalf("uninstall of unknown server must be a no-op, got %v", err)
	}
}

func TestUninstallStopsAndForgetsServer(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := f.manager.UninstallServer(context.Background(), "srv-a"); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}

	st := f.manager.Status()
	if _, ok := st.Servers["srv-a"]; ok {
		t.Fatal("uninstalled server must not appear in status")
	}
	if len(f.manager.AllTools()) != 0 {
		t.Fatal("uninstalled server must not contribute tools")
	}
	if got := f.runtime.removedIDs(); len(got) != 1 {
		t.Fatalf("expected container removal, got %v", got)
	}

	_, err := f.manager.CallTool(context.Background(), "srv-a", "search", nil)
	if !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("expected ErrServerNotConnected after uninstall, got %v", err)
	}
}

func TestCallToolOnRunningServer(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	res, err := f.manager.CallTool(context.Background(), "srv-a", "search", map[string]any{"q": "hello"})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res) == 0 {
		t.Fatal("expected a tool result")
	}
	if len(f.tools.called) != 1 || f.tools.called[0] != "search" {
		t.Fatalf("expected one forwarded call, got %v", f.tools.called)
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	_, err := f.manager.CallTool(context.Background(), "nope", "search", nil)
	if !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("expected ErrServerNotConnected, got %v", err)
	}
}

func TestToolDiscoveryFailureKeepsServerRunning(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.tools.listErr = fmt.Errorf("initialize timed out")

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	st := f.manager.Status()
	if !st.Servers["srv-a"].Running {
		t.Fatal("discovery failure must not stop the container")
	}
	if st.Servers["srv-a"].Error == "" {
		t.Fatal("discovery failure must be visible in status")
	}
	if len(f.manager.AllTools()) != 0 {
		t.Fatal("no tools may be listed after failed discovery")
	}
}

func TestToolsByServerIDsFilters(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"), testServerConfig("srv-b"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	tools := f.manager.ToolsByServerIDs([]string{"srv-b", "missing"})
	if len(tools) != 1 || tools[0].ServerID != "srv-b" {
		t.Fatalf("expected only srv-b tools, got %v", tools)
	}
}

func TestResourceDiscoveryTracksRunningServers(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"), testServerConfig("srv-b"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	res := f.manager.AllResources()
	if len(res) != 2 {
		t.Fatalf("expected one resource per server, got %v", res)
	}
	if res[0].ServerID != "srv-a" || res[0].URI != "doc://readme" {
		t.Fatalf("unexpected first resource: %+v", res[0])
	}

	filtered := f.manager.ResourcesByServerIDs([]string{"srv-b"})
	if len(filtered) != 1 || filtered[0].ServerID != "srv-b" {
		t.Fatalf("expected only srv-b resources, got %v", filtered)
	}

	if err := f.manager.UninstallServer(context.Background(), "srv-b"); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}
	res = f.manager.AllResources()
	if len(res) != 1 || res[0].ServerID != "srv-a" {
		t.Fatalf("uninstalled server must not contribute resources, got %v", res)
	}
}

func TestResourceListingFailureIsNotFatal(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.tools.resErr = fmt.Errorf("resources not supported")

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	st := f.manager.Status()
	if !st.Servers["srv-a"].Running {
		t.Fatal("resource listing failure must not stop the container")
	}
	if st.Servers["srv-a"].Error != "" {
		t.Fatalf("resource listing failure must not mark the server failed: %q", st.Servers["srv-a"].Error)
	}
	if len(f.manager.AllTools()) != 1 {
		t.Fatal("tools must survive a failed resource listing")
	}
	if len(f.manager.AllResources()) != 0 {
		t.Fatal("no resources may be listed when the server offers none")
	}
}

func TestRestartServerRecoversFromFailure(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	f.runtime.startErrByName["sandboxd-srv-a"] = fmt.Errorf("oci runtime error")

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if f.manager.Status().Servers["srv-a"].Running {
		t.Fatal("srv-a should have failed to start")
	}

	delete(f.runtime.startErrByName, "sandboxd-srv-a")
	if err := f.manager.RestartServer(context.Background(), "srv-a"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	st := f.manager.Status()
	if !st.Servers["srv-a"].Running {
		t.Fatalf("srv-a should be running after restart: %+v", st.Servers["srv-a"])
	}
	if len(f.manager.AllTools()) != 1 {
		t.Fatal("tools should be rediscovered after restart")
	}
}

func TestRestartRunningServerIsNoOp(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	before := len(f.runtime.started)
	if err := f.manager.RestartServer(context.Background(), "srv-a"); err != nil {
		t.Fatalf("restart of a running server should be a no-op, got %v", err)
	}
	if len(f.runtime.started) != before {
		t.Fatal("restart of a running server must not touch the runtime")
	}
}

func TestRestartUnknownServer(t *testing.T) {
	f := newManagerFixture()
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := f.manager.RestartServer(context.Background(), "nope"); err == nil {
		t.Fatal("restart of an unknown server must fail")
	}
}

func TestStopAllShutsEverythingDown(t *testing.T) {
	f := newManagerFixture(testServerConfig("srv-a"), testServerConfig("srv-b"))
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	f.manager.StopAll(context.Background())

	st := f.manager.Status()
	if st.IsInitialized {
		t.Fatal("StopAll must clear the initialized flag")
	}
	if len(st.Servers) != 0 {
		t.Fatalf("expected empty registry after StopAll, got %v", st.Servers)
	}
	if got := f.runtime.removedIDs(); len(got) != 2 {
		t.Fatalf("expected both containers removed, got %v", got)
	}
}

func TestStatusListsSourceLoadAsUninitialized(t *testing.T) {
	f := newManagerFixture()
	f.source.err = fmt.Errorf("database is locked")

	if err := f.manager.Initialize(context.Background()); err == nil {
		t.Fatal("expected Initialize to surface the source error")
	}
	if f.manager.Status().IsInitialized {
		t.Fatal("failed initialization must not report initialized")
	}
}
