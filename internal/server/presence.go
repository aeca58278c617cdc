package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tyrowin/chatrelay/internal/protocol"
	"go.opentelemetry.io/otel"
)

// PresenceBroadcaster publishes the registry's full presence snapshot to all
// transports on a fixed period and whenever Trigger is called. Full snapshots
// let a client that missed one update recover on the next.
type PresenceBroadcaster struct {
	registry  *Registry
	fanout    Fanout
	interval  time.Duration
	retention time.Duration
	trigger   chan struct{}
	metrics   *relayMetrics
	log       *slog.Logger
}

// NewPresenceBroadcaster creates a broadcaster; Run starts its timer.
func NewPresenceBroadcaster(registry *Registry, fanout Fanout, interval, retention time.Duration, log *slog.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		registry:  registry,
		fanout:    fanout,
		interval:  interval,
		retention: retention,
		trigger:   make(chan struct{}, 1),
		metrics:   newRelayMetrics(otel.GetMeterProvider()),
		log:       log.With("component", "presence"),
	}
}

// Trigger requests an immediate broadcast. Requests made while one is already
// pending collapse into it.
func (p *PresenceBroadcaster) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run publishes snapshots until ctx is cancelled. The ticker is stopped before
// Run returns.
func (p *PresenceBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("Presence broadcaster started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Presence broadcaster stopped")
			return
		case <-ticker.C:
			if n := p.registry.Prune(p.retention); n > 0 {
				p.log.Debug("Pruned offline identities", "count", n)
			}
			p.Publish(ctx, "tick")
		case <-p.trigger:
			p.Publish(ctx, "change")
		}
	}
}

// Publish sends the current snapshot to every transport and returns how many
// transports it was queued for.
func (p *PresenceBroadcaster) Publish(ctx context.Context, trigger string) int {
	snapshot := p.registry.Snapshot()
	payload, err := protocol.Encode(protocol.EventUsersStatus, snapshot)
	if err != nil {
		p.log.Error("Failed to encode presence snapshot", "err", err)
		return 0
	}

	sent := p.fanout.Broadcast(payload, nil)
	p.metrics.presencePublished(ctx, trigger)
	p.log.Debug("Presence snapshot published", "trigger", trigger, "users", len(snapshot), "transports", sent)
	return sent
}
