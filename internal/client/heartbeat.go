package client

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HeartbeatMonitor ticks at a fixed interval. On each tick it beats when the
// transport is connected and reports the transport stale otherwise, or when
// the beat could not be written.
type HeartbeatMonitor struct {
	interval  time.Duration
	connected func() bool
	beat      func() bool
	stale     func()
	log       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeatMonitor wires the monitor to its callbacks. Nothing ticks until
// Start.
func NewHeartbeatMonitor(interval time.Duration, connected func() bool, beat func() bool, stale func(), log *slog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval:  interval,
		connected: connected,
		beat:      beat,
		stale:     stale,
		log:       log,
	}
}

// Start launches the ticker goroutine unless it is already running.
func (h *HeartbeatMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	go h.run(ctx, done)
}

// Stop halts the ticker and returns once its goroutine has exited, so no beat
// is sent after Stop returns.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	done := h.done
	h.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (h *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !h.connected() {
				h.log.Debug("Heartbeat found the transport down")
				h.stale()
				continue
			}
			if !h.beat() {
				h.log.Warn("Heartbeat could not be sent")
				h.stale()
			}
		}
	}
}
