package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wgtunnel/internal/core"
	"wgtunnel/internal/tunnel"
)

// HealthMonitor periodically checks peer liveness through the last
// handshake time. When every peer is stale beyond the threshold it logs and
// publishes EventHandshakeStale once per stale episode. When the interface
// cannot be queried at all the session is handed to markFailed.
type HealthMonitor struct {
	probe          func(context.Context) (tunnel.Status, error)
	markFailed     func(error) bool
	bus            *core.EventBus
	interval       time.Duration
	staleThreshold time.Duration
	now            func() time.Time

	mu     sync.Mutex
	stale  bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a health monitor. Does not start it; call
// Start separately.
func NewHealthMonitor(
	interval, staleThreshold time.Duration,
	probe func(context.Context) (tunnel.Status, error),
	markFailed func(error) bool,
	bus *core.EventBus,
) *HealthMonitor {
	if interval <= 0 {
		interval = core.DefaultHealthInterval
	}
	if staleThreshold <= 0 {
		staleThreshold = core.DefaultStaleAfter
	}
	return &HealthMonitor{
		probe:          probe,
		markFailed:     markFailed,
		bus:            bus,
		interval:       interval,
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// Start begins the periodic check loop.
func (hm *HealthMonitor) Start(ctx context.Context) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.cancel != nil {
		return
	}
	ctx, hm.cancel = context.WithCancel(ctx)
	hm.done = make(chan struct{})
	go hm.loop(ctx, hm.done)
	core.Log.Infof("Health", "Health monitor started (interval=%s, stale_threshold=%s)", hm.interval, hm.staleThreshold)
}

// Stop cancels the loop and waits for it to exit.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	cancel, done := hm.cancel, hm.done
	hm.cancel, hm.done = nil, nil
	hm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (hm *HealthMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.check(ctx)
		}
	}
}

func (hm *HealthMonitor) check(ctx context.Context) {
	st, err := hm.probe(ctx)
	if errors.Is(err, ErrNotConnected) {
		hm.setStale(false)
		return
	}
	if err != nil {
		core.Log.Warnf("Health", "Status query failed: %v", err)
		if hm.markFailed != nil {
			hm.markFailed(fmt.Errorf("interface unreachable: %w", err))
		}
		return
	}

	stale, last := checkPeerHealth(st, hm.now(), hm.staleThreshold)
	if !stale {
		hm.setStale(false)
		return
	}
	if !hm.setStale(true) {
		return
	}

	var age time.Duration
	if !last.IsZero() {
		age = hm.now().Sub(last)
	}
	core.Log.Warnf("Health", "All %d peer(s) on %s stale (last handshake %s ago, threshold %s)",
		len(st.Peers), st.Interface, age.Round(time.Second), hm.staleThreshold)
	if hm.bus != nil {
		hm.bus.PublishAsync(core.Event{
			Type:    core.EventHandshakeStale,
			Payload: core.HandshakePayload{Interface: st.Interface, LastHandshake: last, Age: age},
		})
	}
}

// setStale records the stale flag and reports whether it changed to v.
func (hm *HealthMonitor) setStale(v bool) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	changed := hm.stale != v
	hm.stale = v
	return changed
}

// checkPeerHealth reports whether every peer is stale, and the latest
// handshake seen. A status with no peers is not considered stale.
func checkPeerHealth(st tunnel.Status, now time.Time, threshold time.Duration) (bool, time.Time) {
	if len(st.Peers) == 0 {
		return false, time.Time{}
	}
	for _, p := range st.Peers {
		if !isPeerStale(p.LastHandshake, now, threshold) {
			return false, st.LatestHandshake()
		}
	}
	return true, st.LatestHandshake()
}

// isPeerStale returns true if the handshake is older than threshold. A
// zero handshake (never completed) is always stale.
func isPeerStale(handshake time.Time, now time.Time, threshold time.Duration) bool {
	if handshake.IsZero() {
		return true
	}
	return now.Sub(handshake) > threshold
}
