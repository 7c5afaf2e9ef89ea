package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/archestra/sandboxd/internal/events"
	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/podman"
	"golang.org/x/sync/singleflight"
)

// ImagePuller is the slice of the runtime API the base image needs.
type ImagePuller interface {
	PullImage(ctx context.Context, ref string) (io.ReadCloser, error)
}

const (
	// While layers are still downloading the reported percentage stays inside
	// [pullFloorPct, pullCeilingPct] so the UI never shows 0% or 100% early.
	pullFloorPct   = 10
	pullCeilingPct = 95

	// layerCompleteNudge is added when a layer finishes, so progress moves even
	// when the stream stops carrying byte counts.
	layerCompleteNudge = 2

	maxPullLineBytes = 512 * 1024
)

// BaseImage guarantees the single shared base image is present before any
// container is created, and reports human-readable pull progress. Pull always
// force-pulls: the runtime's exists-check reports false positives on corrupted
// local storage, so presence is never trusted as a skip condition.
type BaseImage struct {
	client ImagePuller
	ref    string
	bus    *events.Bus

	mu     sync.Mutex
	status model.ImagePullStatus

	group singleflight.Group
}

func NewBaseImage(client ImagePuller, ref string, bus *events.Bus) *BaseImage {
	return &BaseImage{client: client, ref: ref, bus: bus}
}

// Ref reports the configured image reference.
func (b *BaseImage) Ref() string {
	return b.ref
}

// Status returns a non-blocking snapshot of the pull state.
func (b *BaseImage) Status() model.ImagePullStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Pull ensures the base image is present. It is a singleton operation:
// concurrent callers await the same in-flight pull and observe the same final
// status. Failed pulls are not retried automatically; the caller decides.
func (b *BaseImage) Pull(ctx context.Context) error {
	_, err, _ := b.group.Do("pull", func() (any, error) {
		return nil, b.pull(ctx)
	})
	return err
}

func (b *BaseImage) pull(ctx context.Context) error {
	logger := slog.Default().With("component", "base_image", "image", b.ref)

	b.reset(fmt.Sprintf("Preparing to pull %s", b.ref))
	b.bus.PublishProgress(model.EventBaseImagePullStarted, "", fmt.Sprintf("Preparing to pull %s", b.ref), 0)

	stream, err := b.client.PullImage(ctx, b.ref)
	if err != nil {
		return b.fail(err)
	}
	defer stream.Close()

	type layerBytes struct {
		current int64
		total   int64
	}
	layers := make(map[string]layerBytes)
	lastPct := 0

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxPullLineBytes)
	for scanner.Scan() {
		ev := podman.ParsePullLine(scanner.Bytes())
		switch ev.Kind {
		case podman.PullEventLayerProgress:
			layers[ev.LayerID] = layerBytes{current: ev.Current, total: ev.Total}
			var current, total int64
			for _, l := range layers {
				current += l.current
				total += l.total
			}
			pct := pullFloorPct
			if total > 0 {
				pct = clampPct(int(current*100/total), pullFloorPct, pullCeilingPct)
			}
			msg := fmt.Sprintf("Pulling %s: %s of %s",
				b.ref, podman.FormatBytes(current), podman.FormatBytes(total))
			if pct > lastPct {
				lastPct = pct
				b.setProgress(pct, msg)
				b.bus.PublishProgress(model.EventBaseImagePullProgress, "", msg, pct)
			}

		case podman.PullEventLayerComplete:
			if l, ok := layers[ev.LayerID]; ok && l.total > 0 {
				l.current = l.total
				layers[ev.LayerID] = l
			}
			pct := clampPct(lastPct+layerCompleteNudge, pullFloorPct, pullCeilingPct)
			if pct > lastPct {
				lastPct = pct
				msg := fmt.Sprintf("Pulling %s...", b.ref)
				b.setProgress(pct, msg)
				b.bus.PublishProgress(model.EventBaseImagePullProgress, "", msg, pct)
			}

		case podman.PullEventLayerCached:
			pct := clampPct(lastPct+layerCompleteNudge, pullFloorPct, pullCeilingPct)
			if pct > lastPct {
				lastPct = pct
				msg := fmt.Sprintf("Pulling %s (cached layers)...", b.ref)
				b.setProgress(pct, msg)
				b.bus.PublishProgress(model.EventBaseImagePullProgress, "", msg, pct)
			}

		case podman.PullEventError:
			return b.fail(fmt.Errorf("%s", ev.Error))

		case podman.PullEventStatus, podman.PullEventMalformed:
			// informational or unparseable; never aborts the pull
		}
	}
	if err := scanner.Err(); err != nil {
		return b.fail(err)
	}

	msg := fmt.Sprintf("Successfully pulled %s", b.ref)
	b.setComplete(msg)
	b.bus.PublishProgress(model.EventBaseImagePullCompleted, "", msg, 100)
	logger.Info("base image pulled")
	return nil
}

func (b *BaseImage) reset(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = model.ImagePullStatus{PullPercentage: 0, PullMessage: msg}
}

func (b *BaseImage) setProgress(pct int, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pct < b.status.PullPercentage {
		pct = b.status.PullPercentage
	}
	b.status = model.ImagePullStatus{PullPercentage: pct, PullMessage: msg}
}

func (b *BaseImage) setComplete(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = model.ImagePullStatus{PullPercentage: 100, PullMessage: msg}
}

func (b *BaseImage) fail(err error) error {
	pullErr := &ImagePullError{Image: b.ref, Err: err}

	b.mu.Lock()
	b.status = model.ImagePullStatus{PullError: pullErr.Error()}
	b.mu.Unlock()

	b.bus.PublishMessage(model.EventBaseImagePullFailed, "", pullErr.Error())
	slog.Default().With("component", "base_image", "image", b.ref).Error("base image pull failed", "error", err)
	return pullErr
}

func clampPct(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
