// Package daemon implements the tracking daemon run loop.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
	"github.com/gabriele-marsili/tabtimed/internal/server"
	"github.com/gabriele-marsili/tabtimed/internal/usecase"
)

// TrackerConfig holds tracker daemon configuration.
type TrackerConfig struct {
	TickInterval          time.Duration // budget decrement cadence
	CompanionSyncInterval time.Duration // periodic usage push to the companion
	HeartbeatInterval     time.Duration // registry heartbeat cadence
	EventBuffer           int           // gateway event queue depth
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		TickInterval:          time.Second,
		CompanionSyncInterval: 60 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		EventBuffer:           256,
	}
}

// Tracker is the daemon run loop. It owns the event queue: timer
// events and gateway events are funneled into the coordinator from
// this single goroutine, which is what lets the coordinator run
// lock-free.
type Tracker struct {
	config      TrackerConfig
	coordinator *usecase.Coordinator
	store       domain.StateStore
	registry    domain.DaemonRegistry
	gateway     *server.Gateway
	events      chan domain.Event
	info        domain.DaemonInfo
	logger      *zap.Logger
}

// NewTracker creates the tracker daemon. The returned Tracker's
// Events channel must be the one the gateway posts to.
func NewTracker(
	config TrackerConfig,
	coordinator *usecase.Coordinator,
	store domain.StateStore,
	registry domain.DaemonRegistry,
	gateway *server.Gateway,
	events chan domain.Event,
	info domain.DaemonInfo,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		config:      config,
		coordinator: coordinator,
		store:       store,
		registry:    registry,
		gateway:     gateway,
		events:      events,
		info:        info,
		logger:      logger,
	}
}

// Run starts the daemon loop. This blocks until the context is
// canceled; the final suspend flush happens before it returns.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.registry.Register(t.info); err != nil {
		t.logger.Error("failed to register daemon", zap.Error(err))
		return err
	}

	t.logger.Info("tracker daemon started",
		zap.Int("pid", t.info.PID),
		zap.String("instance", t.info.InstanceID))

	// Load persisted state; failure means empty-state bootstrap, never
	// a dead daemon.
	state, err := t.store.Load(ctx)
	if err != nil {
		t.logger.Error("state load failed, starting empty", zap.Error(err))
		state = nil
	}
	t.coordinator.Restore(state)

	// Deferred tab closes re-enter through the event queue so the
	// delay never mutates state off-loop.
	t.coordinator.SetTabCloser(func(tabID string, d time.Duration) {
		time.AfterFunc(d, func() {
			t.events <- domain.Event{Kind: domain.EventTabClosed, TabID: tabID, At: time.Now()}
		})
	})

	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- t.gateway.Start()
	}()

	tickTicker := time.NewTicker(t.config.TickInterval)
	syncTicker := time.NewTicker(t.config.CompanionSyncInterval)
	heartbeatTicker := time.NewTicker(t.config.HeartbeatInterval)
	midnightTimer := time.NewTimer(time.Until(nextMidnight(time.Now())))

	defer func() {
		tickTicker.Stop()
		syncTicker.Stop()
		heartbeatTicker.Stop()
		midnightTimer.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracker daemon stopping")
			t.coordinator.Dispatch(domain.Event{Kind: domain.EventSuspend, At: time.Now()})
			t.shutdownGateway()
			return ctx.Err()

		case err := <-gatewayErr:
			t.logger.Error("gateway stopped", zap.Error(err))
			t.coordinator.Dispatch(domain.Event{Kind: domain.EventSuspend, At: time.Now()})
			return err

		case <-tickTicker.C:
			t.coordinator.Dispatch(domain.Event{Kind: domain.EventTick, At: time.Now()})

		case <-syncTicker.C:
			t.coordinator.Dispatch(domain.Event{Kind: domain.EventCompanionSync, At: time.Now()})

		case <-heartbeatTicker.C:
			if err := t.registry.UpdateHeartbeat(); err != nil {
				t.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-midnightTimer.C:
			t.coordinator.Dispatch(domain.Event{Kind: domain.EventDailyReset, At: time.Now()})
			midnightTimer.Reset(time.Until(nextMidnight(time.Now())))

		case ev := <-t.events:
			t.coordinator.Dispatch(ev)
		}
	}
}

func (t *Tracker) shutdownGateway() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.gateway.Shutdown(shutdownCtx); err != nil {
		t.logger.Warn("gateway shutdown failed", zap.Error(err))
	}
}

// nextMidnight returns the next local midnight strictly after now.
// A reset that would have fired while the daemon was down is not
// replayed: the remaining budget simply resets at the next boundary.
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
