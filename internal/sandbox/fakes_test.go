package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/podman"
)

// fakePinger succeeds once calls exceeds failUntil.
type fakePinger struct {
	mu        sync.Mutex
	failUntil int
	calls     int
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failUntil {
		return fmt.Errorf("connection refused")
	}
	return nil
}

type runnerCall struct {
	name string
	args []string
}

// fakeRunner records machine CLI invocations and replays canned responses
// keyed by the joined argument string.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []runnerCall
	responses map[string]string
	errors    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errors:    make(map[string]error),
	}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{name: name, args: args})
	key := strings.Join(args, " ")
	return r.responses[key], r.errors[key]
}

func (r *fakeRunner) callKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		keys = append(keys, strings.Join(c.args, " "))
	}
	return keys
}

// fakePuller serves a fixed pull stream, or fails outright.
type fakePuller struct {
	mu     sync.Mutex
	stream string
	err    error
	pulls  int
	// gate, when set, blocks PullImage until closed.
	gate chan struct{}
}

func (p *fakePuller) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	p.mu.Lock()
	p.pulls++
	err := p.err
	stream := p.stream
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (p *fakePuller) pullCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulls
}

func pullLine(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b) + "\n"
}

// fakeRuntime implements ContainerRuntime with scriptable failures. Inspect
// reports the state most recently forced via setInspect, defaulting to
// running once started.
type fakeRuntime struct {
	mu        sync.Mutex
	createErr error
	// startErr is keyed by container id, startErrByName by spec name.
	startErrByName map[string]error
	startErr       map[string]error
	stopErr error
	// startGate, when set, blocks StartContainer until closed or the context
	// is canceled.
	startGate      chan struct{}
	created        []podman.ContainerSpec
	started        []string
	stopped        []string
	killed         []string
	removed        []string
	inspect        map[string]podman.ContainerInspect
	names          map[string]string
	nextID         int
	createCalls    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		startErr:       make(map[string]error),
		startErrByName: make(map[string]error),
		inspect:        make(map[string]podman.ContainerInspect),
		names:          make(map[string]string),
	}
}

func (r *fakeRuntime) CreateContainer(ctx context.Context, spec podman.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return "", r.createErr
	}
	r.nextID++
	id := fmt.Sprintf("ctr-%d", r.nextID)
	r.created = append(r.created, spec)
	r.names[id] = spec.Name
	r.inspect[id] = podman.ContainerInspect{State: podman.ContainerState{Status: "created"}}
	return id, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, nameOrID string) error {
	r.mu.Lock()
	gate := r.startGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.startErr[nameOrID]; err != nil {
		return err
	}
	if err := r.startErrByName[r.names[nameOrID]]; err != nil {
		return err
	}
	r.started = append(r.started, nameOrID)
	if _, forced := r.inspect[nameOrID]; !forced || r.inspect[nameOrID].State.Status == "created" {
		r.inspect[nameOrID] = podman.ContainerInspect{State: podman.ContainerState{Status: "running", Running: true}}
	}
	return nil
}

func (r *fakeRuntime) StopContainer(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stopped = append(r.stopped, nameOrID)
	r.inspect[nameOrID] = podman.ContainerInspect{State: podman.ContainerState{Status: "exited"}}
	return nil
}

func (r *fakeRuntime) KillContainer(ctx context.Context, nameOrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, nameOrID)
	r.inspect[nameOrID] = podman.ContainerInspect{State: podman.ContainerState{Status: "exited"}}
	return nil
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, nameOrID)
	delete(r.inspect, nameOrID)
	return nil
}

func (r *fakeRuntime) InspectContainer(ctx context.Context, nameOrID string) (*podman.ContainerInspect, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.inspect[nameOrID]
	if !ok {
		return nil, fmt.Errorf("no such container %q", nameOrID)
	}
	return &st, nil
}

func (r *fakeRuntime) setInspect(id string, st podman.ContainerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inspect[id] = podman.ContainerInspect{State: st}
}

func (r *fakeRuntime) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// fakeTools serves canned tool and resource lists and records calls.
type fakeTools struct {
	mu        sync.Mutex
	tools     []model.ToolDef
	resources []model.ResourceDef
	listErr   error
	resErr    error
	callErr   error
	result    json.RawMessage
	called    []string
	listHits  int
}

func (t *fakeTools) ListTools(ctx context.Context, endpoint string) ([]model.ToolDef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listHits++
	if t.listErr != nil {
		return nil, t.listErr
	}
	return t.tools, nil
}

func (t *fakeTools) ListResources(ctx context.Context, endpoint string) ([]model.ResourceDef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resErr != nil {
		return nil, t.resErr
	}
	return t.resources, nil
}

func (t *fakeTools) CallTool(ctx context.Context, endpoint, name string, arguments map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.called = append(t.called, name)
	if t.callErr != nil {
		return nil, t.callErr
	}
	return t.result, nil
}

// memorySource is an in-memory InstalledServerSource.
type memorySource struct {
	configs []model.ServerConfig
	err     error
}

func (s *memorySource) List(ctx context.Context) ([]model.ServerConfig, error) {
	return s.configs, s.err
}
