package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const apiVersion = "v4.0.0"

// ClientConfig configures the connection to the Podman control socket.
type ClientConfig struct {
	// SocketPath is the unix socket of the Podman service.
	SocketPath string
	// RequestTimeout bounds non-streaming API calls.
	RequestTimeout time.Duration
}

// Client is a thin REST client for the Podman control API. Image pulls use the
// Docker-compatible endpoint because its progress stream carries per-layer
// byte counts; container operations use the libpod endpoints.
type Client struct {
	http       *http.Client
	socketPath string
	base       string
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}
	return &Client{
		http:       &http.Client{Transport: transport, Timeout: timeout},
		socketPath: cfg.SocketPath,
		base:       "http://d/" + apiVersion,
	}
}

// SocketPath reports the socket this client talks to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Ping checks that the Podman service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.base+"/libpod/_ping", nil)
	if err != nil {
		return fmt.Errorf("podman service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError("ping", resp)
	}
	return nil
}

// ImageExists asks the runtime whether an image reference is present locally.
// Note: the answer is advisory only; pulls never skip based on it because the
// check is known to report false positives on corrupted local storage.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	endpoint := c.base + "/libpod/images/" + url.PathEscape(ref) + "/exists"
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check image %q: %w", ref, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, apiError("image exists", resp)
	}
}

// PullImage force-pulls an image and returns the JSON-lines progress stream.
// The caller owns the returned reader. A per-call client without a timeout is
// used because pulls legitimately run for minutes.
func (c *Client) PullImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	endpoint := c.base + "/images/create?fromImage=" + url.QueryEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}

	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(fmt.Sprintf("pull image %q", ref), resp)
	}
	return resp.Body, nil
}

// PortMapping publishes one container port on the host.
type PortMapping struct {
	ContainerPort uint16 `json:"container_port"`
	HostPort      uint16 `json:"host_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// ContainerSpec is the subset of the libpod specgen this daemon uses.
type ContainerSpec struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	PortMappings []PortMapping     `json:"portmappings,omitempty"`
}

type createContainerResponse struct {
	ID string `json:"Id"`
}

// CreateContainer creates a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal container spec: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.base+"/libpod/containers/create", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create container %q: %w", spec.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", apiError(fmt.Sprintf("create container %q", spec.Name), resp)
	}

	var created createContainerResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	return created.ID, nil
}

// StartContainer starts a created container. Starting a container that is
// already running is treated as success.
func (c *Client) StartContainer(ctx context.Context, nameOrID string) error {
	endpoint := c.base + "/libpod/containers/" + url.PathEscape(nameOrID) + "/start"
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to start container %q: %w", nameOrID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return apiError(fmt.Sprintf("start container %q", nameOrID), resp)
	}
	return nil
}

// StopContainer requests a graceful stop with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	endpoint := c.base + "/libpod/containers/" + url.PathEscape(nameOrID) +
		"/stop?timeout=" + strconv.Itoa(timeoutSeconds)
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to stop container %q: %w", nameOrID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return apiError(fmt.Sprintf("stop container %q", nameOrID), resp)
	}
	return nil
}

// KillContainer sends SIGKILL; the forced fallback when a graceful stop hangs.
func (c *Client) KillContainer(ctx context.Context, nameOrID string) error {
	endpoint := c.base + "/libpod/containers/" + url.PathEscape(nameOrID) + "/kill?signal=SIGKILL"
	resp, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to kill container %q: %w", nameOrID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(fmt.Sprintf("kill container %q", nameOrID), resp)
	}
	return nil
}

// RemoveContainer deletes a container. Removing an unknown container is not an
// error so teardown paths stay idempotent.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	endpoint := c.base + "/libpod/containers/" + url.PathEscape(nameOrID) +
		"?force=" + strconv.FormatBool(force)
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to remove container %q: %w", nameOrID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apiError(fmt.Sprintf("remove container %q", nameOrID), resp)
	}
	return nil
}

// ContainerState mirrors the inspect .State block.
type ContainerState struct {
	Status   string `json:"Status"`
	Running  bool   `json:"Running"`
	ExitCode int    `json:"ExitCode"`
	Error    string `json:"Error"`
}

// ContainerInspect is the subset of inspect output this daemon reads.
type ContainerInspect struct {
	ID    string         `json:"Id"`
	State ContainerState `json:"State"`
}

// InspectContainer fetches the current state of one container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInspect, error) {
	endpoint := c.base + "/libpod/containers/" + url.PathEscape(nameOrID) + "/json"
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %q: %w", nameOrID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(fmt.Sprintf("inspect container %q", nameOrID), resp)
	}

	var inspect ContainerInspect
	if err := json.NewDecoder(resp.Body).Decode(&inspect); err != nil {
		return nil, fmt.Errorf("failed to decode inspect response: %w", err)
	}
	return &inspect, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

type apiErrorBody struct {
	Cause   string `json:"cause"`
	Message string `json:"message"`
}

func apiError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return fmt.Errorf("%s failed: %s (status %d)", op, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("%s failed with status %d", op, resp.StatusCode)
}
