package service

import (
	"context"
	"sync"
	"time"

	"wgtunnel/internal/core"
)

// reconnectTarget is the part of the orchestrator the reconnect loop drives.
type reconnectTarget interface {
	State() core.TunnelState
	Connect(ctx context.Context, p *core.Profile) error
	Disconnect(ctx context.Context) error
}

// ReconnectManager brings a session back up after it dropped from
// Connected to Error. Failed first connects are left alone, and a user
// disconnect clears the intent.
type ReconnectManager struct {
	orch       reconnectTarget
	lookup     func(name string) (*core.Profile, bool)
	bus        *core.EventBus
	interval   time.Duration
	maxRetries int

	mu       sync.Mutex
	intent   string // profile that should be up
	retrying context.CancelFunc
	gen      uint64 // identifies the current loop
	selfDown bool // the loop's own Disconnect is in flight
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewReconnectManager creates a reconnect manager. lookup resolves the
// profile again on every attempt so edits made meanwhile are picked up.
// maxRetries of 0 retries until cancelled.
func NewReconnectManager(
	orch reconnectTarget,
	lookup func(name string) (*core.Profile, bool),
	bus *core.EventBus,
	interval time.Duration,
	maxRetries int,
) *ReconnectManager {
	if interval <= 0 {
		interval = core.DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconnectManager{
		orch:       orch,
		lookup:     lookup,
		bus:        bus,
		interval:   interval,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to state changes.
func (rm *ReconnectManager) Start() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.unsub != nil {
		return
	}
	rm.unsub = rm.bus.Subscribe(core.EventStateChanged, rm.handleStateChange)
	core.Log.Infof("Service", "Reconnect manager started (interval=%s, max_retries=%d)", rm.interval, rm.maxRetries)
}

// Stop cancels any retry loop and waits for it to return.
func (rm *ReconnectManager) Stop() {
	rm.mu.Lock()
	if rm.unsub != nil {
		rm.unsub()
		rm.unsub = nil
	}
	rm.mu.Unlock()
	rm.cancel()
	rm.wg.Wait()
}

// Retrying reports whether a retry loop is running.
func (rm *ReconnectManager) Retrying() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.retrying != nil
}

func (rm *ReconnectManager) handleStateChange(e core.Event) {
	p, ok := e.Payload.(core.StatePayload)
	if !ok {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch p.NewState {
	case core.StateConnected:
		rm.intent = p.Profile
	case core.StateDisconnecting:
		if rm.selfDown {
			return
		}
		rm.intent = ""
		if rm.retrying != nil {
			rm.retrying()
			rm.retrying = nil
		}
	case core.StateError:
		if p.OldState != core.StateConnected || rm.intent != p.Profile || rm.retrying != nil {
			return
		}
		if rm.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithCancel(rm.ctx)
		rm.retrying = cancel
		rm.gen++
		rm.wg.Add(1)
		go rm.loop(ctx, p.Profile, rm.gen)
	}
}

func (rm *ReconnectManager) loop(ctx context.Context, name string, gen uint64) {
	defer rm.wg.Done()
	defer rm.finish(gen)

	core.Log.Infof("Service", "Reconnect: session %q dropped, retrying every %s", name, rm.interval)
	timer := time.NewTimer(rm.interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			core.Log.Infof("Service", "Reconnect: cancelled for %q", name)
			return
		case <-timer.C:
		}
		if rm.maxRetries > 0 && attempt > rm.maxRetries {
			core.Log.Warnf("Service", "Reconnect: giving up on %q after %d attempts", name, rm.maxRetries)
			return
		}
		if err := rm.attempt(ctx, name); err != nil {
			core.Log.Warnf("Service", "Reconnect: attempt %d for %q failed: %v", attempt, name, err)
			timer.Reset(rm.interval)
			continue
		}
		core.Log.Infof("Service", "Reconnect: %q is back up", name)
		return
	}
}

func (rm *ReconnectManager) attempt(ctx context.Context, name string) error {
	switch rm.orch.State() {
	case core.StateConnected:
		return nil
	case core.StateError:
		rm.setSelfDown(true)
		err := rm.orch.Disconnect(ctx)
		rm.setSelfDown(false)
		if err != nil {
			return err
		}
	}
	p, ok := rm.lookup(name)
	if !ok {
		return &core.ValidationError{Field: "profile", Value: name, Reason: "no longer configured"}
	}
	return rm.orch.Connect(ctx, p)
}

func (rm *ReconnectManager) setSelfDown(v bool) {
	rm.mu.Lock()
	rm.selfDown = v
	rm.mu.Unlock()
}

// finish clears the loop slot unless a user disconnect already did.
func (rm *ReconnectManager) finish(gen uint64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gen == gen && rm.retrying != nil {
		rm.retrying()
		rm.retrying = nil
	}
}
