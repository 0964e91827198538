// Package dns redirects an interface's DNS servers for the lifetime of a
// tunnel session and puts the original configuration back afterwards.
package dns

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"wgtunnel/internal/core"
)

// Backend reads and writes the ordered DNS server list of one interface,
// identified by its GUID string ("{xxxxxxxx-xxxx-...}").
type Backend interface {
	GetDNS(guid string) ([]netip.Addr, error)
	SetDNS(guid string, servers []netip.Addr) error
}

// Recorder persists snapshots for crash recovery.
type Recorder interface {
	DNSModified(guid string, original []netip.Addr) error
	DNSRestored(guid string) error
}

type state struct {
	original []netip.Addr
	applied  []netip.Addr
}

// Manager applies DNS servers per interface and remembers the pre-tunnel
// configuration of each interface it touched.
type Manager struct {
	backend  Backend
	recorder Recorder

	opMu sync.Mutex // serializes native calls
	mu   sync.Mutex // guards states
	// states holds one entry per modified interface; presence means modified.
	states map[string]*state

	closeOnce sync.Once
}

// NewManager creates a DNS manager over backend. rec may be nil.
func NewManager(backend Backend, rec Recorder) *Manager {
	return &Manager{
		backend:  backend,
		recorder: rec,
		states:   make(map[string]*state),
	}
}

// SetDNSServers applies servers to the interface. The interface's current
// configuration is snapshotted on the first call only, so the original
// survives repeated reconfiguration within a session.
func (m *Manager) SetDNSServers(ctx context.Context, guid string, servers []string) error {
	addrs := make([]netip.Addr, 0, len(servers))
	for _, s := range servers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return &core.ValidationError{Field: "dns", Value: s, Reason: "not an IP address"}
		}
		addrs = append(addrs, a)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	st, existing := m.states[guid]
	m.mu.Unlock()

	if !existing {
		original, err := m.backend.GetDNS(guid)
		if err != nil {
			return &core.DnsConfigurationError{Interface: guid, Err: err}
		}
		st = &state{original: original}
	}

	if err := m.backend.SetDNS(guid, addrs); err != nil {
		// A fresh snapshot is simply dropped; nothing was changed.
		return &core.DnsConfigurationError{Interface: guid, Err: err}
	}

	m.mu.Lock()
	st.applied = addrs
	m.states[guid] = st
	m.mu.Unlock()
	if !existing && m.recorder != nil {
		if err := m.recorder.DNSModified(guid, st.original); err != nil {
			core.Log.Warnf("DNS", "Journal update for %s failed: %v", guid, err)
		}
	}
	core.Log.Infof("DNS", "Interface %s now uses %v (original %v)", guid, addrs, st.original)
	return nil
}

// RestoreDNS reapplies every snapshot and clears the modified state. With
// nothing modified it is a no-op. Native failures are logged; state is
// cleared regardless. Cancellation stops further restores.
func (m *Manager) RestoreDNS(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	states := m.states
	m.states = make(map[string]*state)
	m.mu.Unlock()

	if len(states) == 0 {
		return nil
	}

	guids := make([]string, 0, len(states))
	for g := range states {
		guids = append(guids, g)
	}
	sort.Strings(guids)

	for i, guid := range guids {
		if err := ctx.Err(); err != nil {
			core.Log.Warnf("DNS", "Restore cancelled, %d interface(s) left modified", len(guids)-i)
			return err
		}
		st := states[guid]
		if err := m.backend.SetDNS(guid, st.original); err != nil {
			core.Log.Warnf("DNS", "Restore on %s failed: %v", guid, err)
			continue
		}
		core.Log.Infof("DNS", "Restored %s to %v", guid, st.original)
		if m.recorder != nil {
			if err := m.recorder.DNSRestored(guid); err != nil {
				core.Log.Warnf("DNS", "Journal update for %s failed: %v", guid, err)
			}
		}
	}
	return nil
}

// HasModifiedDNS reports whether the interface currently carries servers
// applied by this manager.
func (m *Manager) HasModifiedDNS(guid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[guid]
	return ok
}

// Modified returns the GUIDs of every modified interface.
func (m *Manager) Modified() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.states))
	for g := range m.states {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Original returns the snapshot taken for the interface, if any.
func (m *Manager) Original(guid string) ([]netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[guid]
	if !ok {
		return nil, false
	}
	return append([]netip.Addr(nil), st.original...), true
}

// Applied returns the servers last set on the interface, if it is
// modified. Adopted snapshots report no servers.
func (m *Manager) Applied(guid string) ([]netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[guid]
	if !ok {
		return nil, false
	}
	return append([]netip.Addr(nil), st.applied...), true
}

// Adopt registers a snapshot recovered from a previous process so the
// next RestoreDNS puts it back. An existing snapshot is kept.
func (m *Manager) Adopt(guid string, original []netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[guid]; ok {
		return
	}
	m.states[guid] = &state{original: original}
}

// Close restores every snapshot. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				core.Log.Errorf("DNS", "Panic during close: %v", r)
			}
		}()
		_ = m.RestoreDNS(context.Background())
	})
}
