// Package presence marks signed-in actors online, heartbeats their
// liveness and exposes remote-observed presence for any actor.
//
// All writes are best effort: a refresh or offline transition that fails
// simply never happened, and nothing compensates for it. There is no
// server-side liveness timeout, so an abruptly disconnected actor can
// stay "online" indefinitely. That gap is inherited from the source
// system and deliberately kept.
package presence

import (
	"context"
	"log/slog"
	"time"

	"govorilka/internal/metrics"
	"govorilka/internal/models"
	"govorilka/internal/store"
)

type Tracker struct {
	store    store.Store
	interval time.Duration
	now      func() time.Time
}

func NewTracker(st store.Store, interval time.Duration) *Tracker {
	return &Tracker{
		store:    st,
		interval: interval,
		now:      time.Now,
	}
}

// Start marks the actor online and begins the periodic liveness refresh.
// The refresh updates lastSeen only, never the online flag. The returned
// stop func (also triggered by ctx cancellation) marks the actor offline
// with a final lastSeen and must be called on sign-out or teardown.
func (t *Tracker) Start(ctx context.Context, actorID string) func() {
	ctx, cancel := context.WithCancel(ctx)

	if err := t.store.Set(ctx, store.CollUserStatus, actorID, models.Presence{
		Online:   true,
		LastSeen: t.now().UnixMilli(),
	}); err != nil {
		slog.Error("failed to set online status", "actor_id", actorID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := t.store.Update(ctx, store.CollUserStatus, actorID, map[string]any{
					"lastSeen": t.now().UnixMilli(),
				})
				if err != nil {
					metrics.HeartbeatFailures.Inc()
					slog.Warn("heartbeat failed", "actor_id", actorID, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		// Final offline write is detached from the tracking context,
		// which is already cancelled at this point.
		err := t.store.Set(context.Background(), store.CollUserStatus, actorID, models.Presence{
			Online:   false,
			LastSeen: t.now().UnixMilli(),
		})
		if err != nil {
			slog.Error("failed to set offline status", "actor_id", actorID, "error", err)
		}
	}
}

// Watch returns a live presence stream for the given actor. A missing
// status document reads as offline. The release func must be called when
// the watching scope goes away.
func (t *Tracker) Watch(actorID string) (<-chan models.Presence, func()) {
	snaps, release := t.store.Subscribe(store.CollUserStatus, actorID)
	metrics.ActiveSubscriptions.Inc()

	out := make(chan models.Presence, 8)
	go func() {
		defer close(out)
		for snap := range snaps {
			var p models.Presence
			if snap.Exists {
				if err := snap.Decode(&p); err != nil {
					slog.Warn("failed to decode presence", "actor_id", actorID, "error", err)
					continue
				}
			}
			select {
			case out <- p:
			default:
			}
		}
	}()

	var released bool
	return out, func() {
		if released {
			return
		}
		released = true
		release()
		metrics.ActiveSubscriptions.Dec()
	}
}
