package model

import "time"

// EventType names one discrete lifecycle event published to observers.
type EventType string

const (
	EventMachineStartupStarted   EventType = "machine-startup-started"
	EventMachineStartupProgress  EventType = "machine-startup-progress"
	EventMachineStartupCompleted EventType = "machine-startup-completed"
	EventMachineStartupFailed    EventType = "machine-startup-failed"

	EventBaseImagePullStarted   EventType = "base-image-pull-started"
	EventBaseImagePullProgress  EventType = "base-image-pull-progress"
	EventBaseImagePullCompleted EventType = "base-image-pull-completed"
	EventBaseImagePullFailed    EventType = "base-image-pull-failed"

	EventContainerStarting EventType = "container-starting"
	EventContainerStarted  EventType = "container-started"
	EventContainerFailed   EventType = "container-failed"
	EventContainerStopped  EventType = "container-stopped"
)

// Event is one lifecycle event. Consumers must tolerate out-of-order arrival;
// the status query surface is always sufficient to rebuild the same view.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	ServerID   string    `json:"server_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Percentage *int      `json:"percentage,omitempty"`
	Time       time.Time `json:"time"`
}
