// Package service is the tunnel orchestrator. It owns the single tunnel
// session, drives the subsystems through connect and disconnect, and is
// the only place that rolls anything back.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgtunnel/internal/core"
	"wgtunnel/internal/dns"
	"wgtunnel/internal/driver"
	"wgtunnel/internal/journal"
	"wgtunnel/internal/keys"
	"wgtunnel/internal/route"
	"wgtunnel/internal/tunnel"
)

var (
	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("orchestrator closed")
	// ErrNotConnected is returned by PeerStatus outside Connected.
	ErrNotConnected = errors.New("not connected")
)

// Session is the live state of a successful connect.
type Session struct {
	ID          string
	Profile     *core.Profile
	Interface   tunnel.Handle
	Routes      []route.ManagedRoute
	DNSModified bool
	DNSServers  []netip.Addr
	StartedAt   time.Time
}

// Status is a point-in-time view for display.
type Status struct {
	State     core.TunnelState
	Session   *Session
	LastError error
	Tunnel    *tunnel.Status // nil unless Connected and the query succeeded
}

// Config holds the subsystems the orchestrator drives.
type Config struct {
	Keys          *keys.Manager
	Driver        *driver.Manager
	Tunnel        tunnel.Driver
	Routes        *route.Manager
	DNS           *dns.Manager
	Journal       *journal.Journal    // optional
	ConfigManager *core.ConfigManager // optional, needed by ImportProfile
	EventBus      *core.EventBus      // optional

	InterfaceName string
	RouteMetric   uint32
}

// held is what a session currently owns and teardown must release.
type held struct {
	iface     *tunnel.Interface
	driver    bool
	sessionID string
}

// Orchestrator runs the connect/disconnect state machine.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	state   core.TunnelState
	profile *core.Profile
	session *Session
	held    held
	lastErr error
	closed  bool
	// busy is closed when the running Connecting or Disconnecting
	// transition settles; nil while idle.
	busy chan struct{}

	closeOnce sync.Once
}

// New creates an orchestrator in the Disconnected state.
func New(c Config) *Orchestrator {
	if c.InterfaceName == "" {
		c.InterfaceName = core.DefaultInterfaceName
	}
	if c.RouteMetric == 0 {
		c.RouteMetric = core.DefaultRouteMetric
	}
	return &Orchestrator{cfg: c}
}

// State returns the current state.
func (o *Orchestrator) State() core.TunnelState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns a copy of the current session, or nil.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionCopyLocked()
}

func (o *Orchestrator) sessionCopyLocked() *Session {
	if o.session == nil {
		return nil
	}
	s := *o.session
	s.Routes = slices.Clone(o.session.Routes)
	s.DNSServers = slices.Clone(o.session.DNSServers)
	return &s
}

// Connect brings up a tunnel for p. Only valid while Disconnected. Any
// failure after the state leaves Disconnected tears down everything done
// so far, leaves the orchestrator in Error and returns a *core.ConnectError.
// A cancelled ctx counts as a failure; teardown still runs to completion.
func (o *Orchestrator) Connect(ctx context.Context, p *core.Profile) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	from := o.state
	if from != core.StateDisconnected {
		o.mu.Unlock()
		return &core.InvalidStateTransition{From: from, Op: "connect"}
	}
	if p == nil {
		o.mu.Unlock()
		return &core.ConnectError{Stage: core.StageValidate, Err: &core.ValidationError{Field: "profile", Reason: "missing"}}
	}
	if err := p.Validate(); err != nil {
		o.mu.Unlock()
		return &core.ConnectError{Stage: core.StageValidate, Err: err}
	}
	o.state = core.StateConnecting
	o.profile = p
	o.lastErr = nil
	busy := o.beginLocked()
	o.mu.Unlock()
	o.publish(p.Name, from, core.StateConnecting, nil)

	core.Log.Infof("Service", "Connecting profile %q to %s", p.Name, p.Endpoint)
	if covered := p.CoveredRanges(); len(covered) < len(p.AllowedIPs) {
		core.Log.Infof("Service", "Allowed IPs of %q overlap; %d range(s) cover %v", p.Name, len(covered), p.AllowedIPs)
	}
	sess, h, err := o.bringUp(ctx, p)

	o.mu.Lock()
	if err != nil {
		o.state = core.StateError
		o.lastErr = err
		o.session = nil
		o.held = held{}
	} else {
		o.state = core.StateConnected
		o.session = sess
		o.held = h
	}
	to := o.state
	o.endLocked(busy)
	o.mu.Unlock()
	o.publish(p.Name, core.StateConnecting, to, err)

	if err != nil {
		return err
	}
	core.Log.Infof("Service", "Connected %q on %s (%d route(s))", p.Name, sess.Interface.Name, len(sess.Routes))
	return nil
}

func (o *Orchestrator) bringUp(ctx context.Context, p *core.Profile) (*Session, held, error) {
	h := held{sessionID: uuid.NewString()}
	fail := func(stage core.ConnectStage, err error) (*Session, held, error) {
		core.Log.Errorf("Service", "Connect %q failed at %s stage: %v", p.Name, stage, err)
		o.teardown(context.WithoutCancel(ctx), h)
		return nil, held{}, &core.ConnectError{Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(core.StageKey, err)
	}
	pair, err := o.cfg.Keys.LoadOrGenerate()
	if err != nil {
		return fail(core.StageKey, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(core.StageDriver, err)
	}
	if err := o.cfg.Driver.EnsureLoaded(ctx); err != nil {
		return fail(core.StageDriver, err)
	}
	h.driver = true

	iface, err := tunnel.Create(ctx, o.cfg.Tunnel, o.cfg.InterfaceName)
	if err != nil {
		return fail(core.StageInterface, err)
	}
	h.iface = iface
	handle := iface.Handle()
	if err := o.cfg.Journal.SessionStarted(journal.SessionRecord{
		ID:            h.sessionID,
		Profile:       p.Name,
		InterfaceName: handle.Name,
		LUID:          handle.LUID,
		GUID:          handle.GUID,
		StartedAt:     time.Now(),
	}); err != nil {
		core.Log.Warnf("Service", "Journal session start failed: %v", err)
	}

	wgCfg, err := tunnel.BuildConfiguration(p, pair.Private)
	if err != nil {
		return fail(core.StageConfigure, err)
	}
	if err := iface.Configure(ctx, wgCfg); err != nil {
		return fail(core.StageConfigure, err)
	}

	if err := o.cfg.Routes.AddRoutesForAllowedIPs(ctx, p.AllowedIPs, handle.LUID, o.cfg.RouteMetric); err != nil {
		return fail(core.StageRoute, err)
	}

	dnsModified := false
	var dnsServers []netip.Addr
	if len(p.DNS) > 0 {
		if err := ctx.Err(); err != nil {
			return fail(core.StageDNS, err)
		}
		if err := o.cfg.DNS.SetDNSServers(ctx, handle.GUID, p.DNS); err != nil {
			return fail(core.StageDNS, err)
		}
		dnsModified = true
		dnsServers, _ = o.cfg.DNS.Applied(handle.GUID)
	}

	sess := &Session{
		ID:          h.sessionID,
		Profile:     p,
		Interface:   handle,
		Routes:      o.cfg.Routes.Tracked(),
		DNSModified: dnsModified,
		DNSServers:  dnsServers,
		StartedAt:   time.Now(),
	}
	return sess, h, nil
}

// teardown releases everything in h in reverse connect order. Failures
// are logged; every step runs.
func (o *Orchestrator) teardown(ctx context.Context, h held) {
	if err := o.cfg.DNS.RestoreDNS(ctx); err != nil {
		core.Log.Warnf("Service", "DNS restore: %v", err)
	}
	if err := o.cfg.Routes.RemoveAllManagedRoutes(ctx); err != nil {
		core.Log.Warnf("Service", "Route removal: %v", err)
	}
	if h.iface != nil {
		if err := h.iface.Destroy(ctx); err != nil {
			core.Log.Warnf("Service", "Interface destroy: %v", err)
		} else if err := o.cfg.Journal.SessionEnded(h.sessionID); err != nil {
			core.Log.Warnf("Service", "Journal session end failed: %v", err)
		}
	}
	if h.driver {
		o.cfg.Driver.ReleaseIfUnused(ctx)
	}
}

// Disconnect tears the session down. Valid from Connected or Error and
// always ends Disconnected; teardown failures are only logged.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	from := o.state
	if from != core.StateConnected && from != core.StateError {
		o.mu.Unlock()
		return &core.InvalidStateTransition{From: from, Op: "disconnect"}
	}
	o.state = core.StateDisconnecting
	h := o.held
	name := o.profileNameLocked()
	busy := o.beginLocked()
	o.mu.Unlock()
	o.publish(name, from, core.StateDisconnecting, nil)

	core.Log.Infof("Service", "Disconnecting %q", name)
	o.teardown(context.WithoutCancel(ctx), h)

	o.mu.Lock()
	o.state = core.StateDisconnected
	o.session = nil
	o.held = held{}
	o.profile = nil
	o.lastErr = nil
	o.endLocked(busy)
	o.mu.Unlock()
	o.publish(name, core.StateDisconnecting, core.StateDisconnected, nil)
	core.Log.Infof("Service", "Disconnected %q", name)
	return nil
}

// MarkFailed moves a Connected session to Error without tearing it down.
// Reports whether the transition happened.
func (o *Orchestrator) MarkFailed(err error) bool {
	o.mu.Lock()
	if o.state != core.StateConnected {
		o.mu.Unlock()
		return false
	}
	o.state = core.StateError
	o.lastErr = err
	name := o.profileNameLocked()
	o.mu.Unlock()
	core.Log.Errorf("Service", "Session %q failed: %v", name, err)
	o.publish(name, core.StateConnected, core.StateError, err)
	return true
}

// Status reports the state, the session and, while Connected, live peer
// counters.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{State: o.state, Session: o.sessionCopyLocked(), LastError: o.lastErr}
	iface := o.held.iface
	o.mu.Unlock()

	if st.State == core.StateConnected && iface != nil {
		ts, err := iface.Status(ctx)
		if err != nil {
			core.Log.Debugf("Service", "Status query: %v", err)
		} else {
			st.Tunnel = &ts
		}
	}
	return st
}

// PeerStatus queries the interface of a Connected session.
func (o *Orchestrator) PeerStatus(ctx context.Context) (tunnel.Status, error) {
	o.mu.Lock()
	state, iface := o.state, o.held.iface
	o.mu.Unlock()
	if state != core.StateConnected || iface == nil {
		return tunnel.Status{}, ErrNotConnected
	}
	return iface.Status(ctx)
}

// RegenerateKey replaces the device key pair. Only valid while
// Disconnected.
func (o *Orchestrator) RegenerateKey(ctx context.Context) (wgtypes.Key, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != core.StateDisconnected {
		return wgtypes.Key{}, &core.InvalidStateTransition{From: o.state, Op: "regenerate key"}
	}
	if err := ctx.Err(); err != nil {
		return wgtypes.Key{}, err
	}
	pair, err := o.cfg.Keys.Regenerate()
	if err != nil {
		return wgtypes.Key{}, err
	}
	o.publishAsync(core.Event{Type: core.EventKeyRegenerated, Payload: pair.Public.String()})
	return pair.Public, nil
}

// PublicKey returns the device public key, generating a pair if none
// exists yet.
func (o *Orchestrator) PublicKey() (wgtypes.Key, error) {
	pair, err := o.cfg.Keys.LoadOrGenerate()
	if err != nil {
		return wgtypes.Key{}, err
	}
	return pair.Public, nil
}

// ImportProfile parses a wg-quick file, stores the result as profile name
// and saves the config. A private key in the file replaces the device key
// pair, but only while Disconnected; otherwise it is ignored with a
// warning.
func (o *Orchestrator) ImportProfile(ctx context.Context, name, text string) (*core.Profile, error) {
	if o.cfg.ConfigManager == nil {
		return nil, errors.New("[Service] import: no config store")
	}
	p, priv, err := core.ParseWgQuick(strings.NewReader(text), name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if priv != "" {
		o.mu.Lock()
		if o.state == core.StateDisconnected {
			pair, err := o.cfg.Keys.Import(priv)
			o.mu.Unlock()
			if err != nil {
				return nil, err
			}
			o.publishAsync(core.Event{Type: core.EventKeyRegenerated, Payload: pair.Public.String()})
		} else {
			state := o.state
			o.mu.Unlock()
			core.Log.Warnf("Service", "Ignoring private key in %q while %s", name, state)
		}
	}

	if err := o.cfg.ConfigManager.PutProfile(*p); err != nil {
		return nil, err
	}
	if err := o.cfg.ConfigManager.Save(); err != nil {
		return nil, fmt.Errorf("[Service] save config: %w", err)
	}
	core.Log.Infof("Service", "Imported profile %q (%d allowed IP range(s))", p.Name, len(p.AllowedIPs))
	return p, nil
}

// Close disconnects a live session and closes every subsystem. A connect
// or disconnect in flight is waited for first, so a session it brings up
// is torn down here. Later connects fail with ErrClosed. Safe to call
// more than once.
func (o *Orchestrator) Close(ctx context.Context) {
	o.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				core.Log.Errorf("Service", "Panic during close: %v", r)
			}
		}()
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		for {
			o.mu.Lock()
			state, busy := o.state, o.busy
			o.mu.Unlock()
			if busy != nil {
				core.Log.Infof("Service", "Close waiting for %s to settle", state)
				<-busy
				continue
			}
			if state != core.StateConnected && state != core.StateError {
				break
			}
			if err := o.Disconnect(ctx); err != nil {
				core.Log.Debugf("Service", "Close disconnect: %v", err)
			}
		}
		o.cfg.DNS.Close()
		o.cfg.Routes.Close()
		o.cfg.Driver.Close()
	})
}

func (o *Orchestrator) beginLocked() chan struct{} {
	o.busy = make(chan struct{})
	return o.busy
}

func (o *Orchestrator) endLocked(busy chan struct{}) {
	close(busy)
	if o.busy == busy {
		o.busy = nil
	}
}

func (o *Orchestrator) profileNameLocked() string {
	if o.profile == nil {
		return ""
	}
	return o.profile.Name
}

func (o *Orchestrator) publish(profile string, from, to core.TunnelState, err error) {
	if o.cfg.EventBus == nil {
		return
	}
	o.cfg.EventBus.Publish(core.Event{
		Type:    core.EventStateChanged,
		Payload: core.StatePayload{Profile: profile, OldState: from, NewState: to, Err: err},
	})
}

func (o *Orchestrator) publishAsync(e core.Event) {
	if o.cfg.EventBus != nil {
		o.cfg.EventBus.PublishAsync(e)
	}
}
