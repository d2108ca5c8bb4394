package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("registry is already running")
	ErrNotRunning     = errors.New("registry is not running")
)

// Start loads the snapshot, joins the events topic for agent registrations
// and heartbeats, and launches the sweep/refresh loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}

	if err := r.Load(ctx); err != nil {
		return err
	}

	consumerID := r.cfg.ConsumerID
	if consumerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = uuid.New().String()
		}
		consumerID = "registry-" + host
	}
	sub, err := r.bus.Subscribe(ctx, r.topics.Events(), r.cfg.ConsumerGroup, consumerID, r.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe registry to events topic: %w", err)
	}
	r.sub = sub

	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.run()

	r.logger.Info("agent registry started",
		zap.Duration("sweep_interval", r.cfg.SweepInterval),
		zap.Duration("refresh_interval", r.cfg.RefreshInterval))
	return nil
}

// Stop leaves the events topic and waits for the loop to drain.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
	r.logger.Info("agent registry stopped")
	return nil
}

// IsRunning returns true if the sweep loop is active.
func (r *Registry) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Registry) run() {
	defer r.wg.Done()

	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(r.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-sweep.C:
			ctx, cancel := appctx.Detached(context.Background(), r.stopCh, r.cfg.SweepInterval)
			if _, err := r.Sweep(ctx, time.Now().UTC()); err != nil {
				r.logger.Error("offline sweep failed", zap.Error(err))
			}
			cancel()
		case <-refresh.C:
			ctx, cancel := appctx.Detached(context.Background(), r.stopCh, r.cfg.RefreshInterval)
			if err := r.Load(ctx); err != nil {
				r.logger.Error("registry refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Sweep marks agents offline whose last heartbeat is older than three times
// their declared interval, publishing agent.offline once per transition. The
// rows-affected check makes the publish cluster-safe: whichever replica wins
// the status flip announces it. Returns how many agents were flipped.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int, error) {
	if _, ok := appctx.TraceFrom(ctx); !ok {
		ctx = appctx.WithTrace(ctx, appctx.Trace{
			TraceID: uuid.New().String(),
			SpanID:  uuid.New().String(),
		})
	}
	snap := r.snap.Load()
	if snap == nil {
		return 0, nil
	}

	var flipped int
	for _, info := range snap.list {
		if info.Status != store.AgentOnline {
			continue
		}
		threshold := 3 * time.Duration(info.HeartbeatIntervalMs) * time.Millisecond
		if threshold <= 0 {
			threshold = r.cfg.OfflineAfter
		}
		if now.Sub(info.LastHeartbeatAt) <= threshold {
			continue
		}

		rows, err := r.store.SetAgentStatus(ctx, info.AgentID, store.AgentOffline)
		if err != nil {
			return flipped, err
		}
		if rows == 0 {
			// Another replica won the transition and already announced it.
			continue
		}
		flipped++
		r.logger.Warn("agent went offline",
			zap.String("agent_id", info.AgentID),
			zap.Time("last_heartbeat_at", info.LastHeartbeatAt),
			zap.Duration("threshold", threshold))
		_ = r.events.Emit(ctx, envelope.EventAgentOffline, "", &envelope.AgentOfflinePayload{
			AgentID:         info.AgentID,
			LastHeartbeatAt: info.LastHeartbeatAt,
		})
	}

	if flipped == 0 {
		return 0, nil
	}
	return flipped, r.Load(ctx)
}
