package sandbox

import (
	"errors"
	"fmt"
)

// ErrStartInProgress is returned when a start is requested for a container
// that already has a start in flight.
var ErrStartInProgress = errors.New("container start already in progress")

// ErrServerNotConnected is returned from the tool-dispatch boundary when the
// target server has no running container.
var ErrServerNotConnected = errors.New("server is not connected")

// ErrServerAlreadyInstalled is returned when installing a server id that
// already has a container record.
var ErrServerAlreadyInstalled = errors.New("server is already installed")

// MachineInitError means the runtime machine never became reachable. Fatal to
// the whole sandbox.
type MachineInitError struct {
	Message string
	Err     error
}

func (e *MachineInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime machine initialization failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("runtime machine initialization failed: %s", e.Message)
}

func (e *MachineInitError) Unwrap() error { return e.Err }

// ImagePullError means the base image pull failed. Fatal to the whole sandbox.
type ImagePullError struct {
	Image string
	Err   error
}

func (e *ImagePullError) Error() string {
	return fmt.Sprintf("failed to pull base image %q: %v", e.Image, e.Err)
}

func (e *ImagePullError) Unwrap() error { return e.Err }

// ContainerStartError is scoped to a single server; it never affects other
// servers or the machine/image status.
type ContainerStartError struct {
	ServerID string
	Err      error
}

func (e *ContainerStartError) Error() string {
	return fmt.Sprintf("failed to start container for server %q: %v", e.ServerID, e.Err)
}

func (e *ContainerStartError) Unwrap() error { return e.Err }

// ToolDiscoveryError means a running container did not answer tool listing.
// Scoped to a single server.
type ToolDiscoveryError struct {
	ServerID string
	Err      error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("tool discovery failed for server %q: %v", e.ServerID, e.Err)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Err }
