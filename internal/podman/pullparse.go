package podman

import (
	"encoding/json"
	"strings"

	units "github.com/docker/go-units"
)

// PullEventKind tags one parsed line of the image pull stream.
type PullEventKind int

const (
	// PullEventMalformed marks a line that could not be interpreted. Malformed
	// lines are skipped, never treated as a pull failure.
	PullEventMalformed PullEventKind = iota
	// PullEventLayerProgress carries current/total downloaded bytes for one layer.
	PullEventLayerProgress
	// PullEventLayerComplete marks one layer as fully pulled.
	PullEventLayerComplete
	// PullEventLayerCached marks a layer that was already present locally.
	PullEventLayerCached
	// PullEventError carries an in-stream error reported by the runtime.
	PullEventError
	// PullEventStatus is a recognized informational line with no layer data.
	PullEventStatus
)

// PullEvent is one decoded line of the Docker-compatible pull progress stream.
type PullEvent struct {
	Kind    PullEventKind
	LayerID string
	Current int64
	Total   int64
	Status  string
	Error   string
}

type rawPullLine struct {
	Status         string `json:"status"`
	ID             string `json:"id"`
	Progress       string `json:"progress"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
	Error string `json:"error"`
}

// ParsePullLine decodes a single JSON line of the pull stream into a tagged
// event. It never fails: anything unrecognized is a Malformed event.
func ParsePullLine(line []byte) PullEvent {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return PullEvent{Kind: PullEventMalformed}
	}

	var raw rawPullLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return PullEvent{Kind: PullEventMalformed}
	}

	if raw.Error != "" {
		return PullEvent{Kind: PullEventError, Error: raw.Error}
	}

	status := strings.TrimSpace(raw.Status)
	switch {
	case strings.EqualFold(status, "Pull complete"), strings.EqualFold(status, "Download complete"):
		return PullEvent{Kind: PullEventLayerComplete, LayerID: raw.ID, Status: status}
	case strings.EqualFold(status, "Already exists"):
		return PullEvent{Kind: PullEventLayerCached, LayerID: raw.ID, Status: status}
	case strings.EqualFold(status, "Downloading"), strings.EqualFold(status, "Extracting"):
		current, total := raw.ProgressDetail.Current, raw.ProgressDetail.Total
		if total <= 0 {
			current, total = parseProgressSizes(raw.Progress)
		}
		if total <= 0 || raw.ID == "" {
			return PullEvent{Kind: PullEventStatus, LayerID: raw.ID, Status: status}
		}
		return PullEvent{
			Kind:    PullEventLayerProgress,
			LayerID: raw.ID,
			Current: current,
			Total:   total,
			Status:  status,
		}
	case status != "":
		return PullEvent{Kind: PullEventStatus, LayerID: raw.ID, Status: status}
	default:
		return PullEvent{Kind: PullEventMalformed}
	}
}

// parseProgressSizes extracts byte counts from a human progress string such as
// "[=====>    ]  1.2MB/3.4MB". Size tokens use decimal units (B, kB, MB, GB).
func parseProgressSizes(progress string) (current, total int64) {
	if idx := strings.LastIndex(progress, "]"); idx >= 0 {
		progress = progress[idx+1:]
	}
	parts := strings.SplitN(strings.TrimSpace(progress), "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	cur, err := units.FromHumanSize(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0
	}
	tot, err := units.FromHumanSize(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0
	}
	return cur, tot
}

// FormatBytes renders a byte count for progress messages.
func FormatBytes(n int64) string {
	return units.HumanSize(float64(n))
}
