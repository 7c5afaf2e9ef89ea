package model

import "encoding/json"

// MachineState is the lifecycle state of the container runtime machine.
type MachineState string

const (
	MachineStateNotInstalled MachineState = "not_installed"
	MachineStateInitializing MachineState = "initializing"
	MachineStateRunning      MachineState = "running"
	MachineStateError        MachineState = "error"
)

// MachineStatus is a snapshot of runtime machine startup progress.
type MachineStatus struct {
	State             MachineState `json:"state"`
	StartupPercentage int          `json:"startup_percentage"`
	StartupMessage    string       `json:"startup_message,omitempty"`
	StartupError      string       `json:"startup_error,omitempty"`
}

// ImagePullStatus is a snapshot of the shared base image pull.
type ImagePullStatus struct {
	PullPercentage int    `json:"pull_percentage"`
	PullMessage    string `json:"pull_message,omitempty"`
	PullError      string `json:"pull_error,omitempty"`
}

// ContainerState is the lifecycle state of one sandboxed container.
// Valid transitions: created -> starting -> running -> (stopped | error),
// plus stopped/error -> starting on an explicit restart.
type ContainerState string

const (
	ContainerStateCreated  ContainerState = "created"
	ContainerStateStarting ContainerState = "starting"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateError    ContainerState = "error"
)

// ServerStatus is the per-server slice of the aggregate status view.
type ServerStatus struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// SandboxStatusSummary is the aggregate read-model served to the UI. It is
// recomputed from live component state on every query, never cached.
type SandboxStatusSummary struct {
	IsInitialized bool                    `json:"is_initialized"`
	Runtime       MachineStatus           `json:"runtime"`
	BaseImage     ImagePullStatus         `json:"base_image"`
	Servers       map[string]ServerStatus `json:"servers"`
}

// ServerConfig describes how to run one installed MCP server. Secrets holds
// sensitive env values (OAuth tokens etc.) that are encrypted at rest; at
// container-create time Env, Secrets and UserConfig are merged into the
// container environment, later entries winning.
type ServerConfig struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	UserConfig map[string]string `json:"user_config,omitempty"`
}

// ToolDef is one tool as reported by an MCP server.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ResourceDef is one resource as reported by an MCP server.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ResourceRegistryEntry is one row of the in-memory resource registry. Like
// tool rows, it exists only while the owning container runs.
type ResourceRegistryEntry struct {
	ServerID    string `json:"server_id"`
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ToolRegistryEntry is one row of the in-memory tool registry. Rows exist only
// for servers whose container is currently running.
type ToolRegistryEntry struct {
	ServerID    string          `json:"server_id"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InstallServerRequest is the install payload received over HTTP.
type InstallServerRequest struct {
	ID         string            `json:"id" binding:"required"`
	Name       string            `json:"name"`
	Command    string            `json:"command" binding:"required"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	Secrets    map[string]string `json:"secrets"`
	UserConfig map[string]string `json:"user_config"`
}

// CallToolRequest is a structured tool-call forwarded verbatim to a server.
type CallToolRequest struct {
	Name      string         `json:"name" binding:"required"`
	Arguments map[string]any `json:"arguments"`
}

// ServerListResponse lists installed servers with secret values redacted.
type ServerListResponse struct {
	Items []ServerConfig `json:"items"`
}

// ToolListResponse wraps tool registry queries.
type ToolListResponse struct {
	Items []ToolRegistryEntry `json:"items"`
}

// ResourceListResponse wraps resource registry queries.
type ResourceListResponse struct {
	Items []ResourceRegistryEntry `json:"items"`
}
