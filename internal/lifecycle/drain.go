package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for event streams to drain")

// DrainManager tracks draining state and active event-stream sessions so
// shutdown can wait for connected UI clients before stopping containers.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) ActiveSessions() int64 {
	return m.active.Load()
}

// TrackWebSocket registers a websocket session and returns a release callback.
func (m *DrainManager) TrackWebSocket() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// WaitWebSockets blocks until every tracked session released, or the context
// expires.
func (m *DrainManager) WaitWebSockets(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-waitDone:
		return nil
	}
}
