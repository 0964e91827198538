package service

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"wgtunnel/internal/core"
	"wgtunnel/internal/dns"
	"wgtunnel/internal/driver"
	"wgtunnel/internal/journal"
	"wgtunnel/internal/keys"
	"wgtunnel/internal/route"
	"wgtunnel/internal/tunnel"
)

const (
	testPrivateKey = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=" // 32x 0x61
	testPublicKey  = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=" // 32x 0x62

	testLUID = 0x42
	testGUID = "{00000000-0000-0000-0000-000000000042}"
)

func testProfile() *core.Profile {
	return &core.Profile{
		Name:          "office",
		PeerPublicKey: testPublicKey,
		Endpoint:      "vpn.example.com:51820",
		AllowedIPs:    []string{"10.0.0.0/8", "192.168.1.0/24"},
		DNS:           []string{"10.0.0.53"},
		Addresses:     []string{"10.8.0.2/24"},
	}
}

// fakeTable is an in-memory routing table.
type fakeTable struct {
	mu         sync.Mutex
	installed  map[string]route.Row
	failCreate map[string]uint32 // by destination prefix
	failDelete uint32
	onCreate   func(route.Row)
	creates    int
}

func rowKey(r route.Row) string { return fmt.Sprintf("%s|%x", r.Prefix(), r.InterfaceLUID) }

func (f *fakeTable) CreateRoute(r route.Row) uint32 {
	f.mu.Lock()
	f.creates++
	if code, ok := f.failCreate[r.Prefix().String()]; ok {
		f.mu.Unlock()
		return code
	}
	if _, ok := f.installed[rowKey(r)]; ok {
		f.mu.Unlock()
		return core.CodeAlreadyExists
	}
	f.installed[rowKey(r)] = r
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return core.CodeSuccess
}

func (f *fakeTable) DeleteRoute(r route.Row) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != 0 {
		return f.failDelete
	}
	if _, ok := f.installed[rowKey(r)]; !ok {
		return core.CodeNotFound
	}
	delete(f.installed, rowKey(r))
	return core.CodeSuccess
}

func (f *fakeTable) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.installed)
}

// fakeDNS holds per-interface server lists.
type fakeDNS struct {
	mu      sync.Mutex
	servers map[string][]netip.Addr
	setErr  error
	sets    int
}

func (f *fakeDNS) GetDNS(guid string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.servers[guid]...), nil
}

func (f *fakeDNS) SetDNS(guid string, servers []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.servers[guid] = append([]netip.Addr(nil), servers...)
	return nil
}

func (f *fakeDNS) get(guid string) []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[guid]
}

// fakeSCM is a driver service that starts instantly.
type fakeSCM struct {
	mu       sync.Mutex
	state    driver.ServiceState
	startErr error
	queries  int
	starts   int
	stops    int
}

func (f *fakeSCM) Query(string) (driver.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.state, nil
}

func (f *fakeSCM) Install(string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = driver.StateStopped
	return nil
}

func (f *fakeSCM) Start(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.state = driver.StateRunning
	return nil
}

func (f *fakeSCM) Stop(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = driver.StateStopped
	return nil
}

// fakeTunnel is a WireGuard driver keeping interfaces by name.
type fakeTunnel struct {
	mu         sync.Mutex
	live       map[string]tunnel.Handle
	createErr  error
	applyErr   error
	destroyErr error
	onApply    func()
	status     tunnel.Status
	statusErr  error
	created    int
	destroyed  int
}

func (f *fakeTunnel) CreateInterface(_ context.Context, name string) (tunnel.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return tunnel.Handle{}, f.createErr
	}
	f.created++
	h := tunnel.Handle{Name: name, LUID: testLUID, GUID: testGUID}
	f.live[name] = h
	return h, nil
}

func (f *fakeTunnel) ApplyConfiguration(context.Context, tunnel.Handle, tunnel.Configuration) error {
	if f.onApply != nil {
		f.onApply()
	}
	return f.applyErr
}

func (f *fakeTunnel) DestroyInterface(_ context.Context, h tunnel.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.live, h.Name)
	return nil
}

func (f *fakeTunnel) QueryStatus(_ context.Context, h tunnel.Handle) (tunnel.Status, error) {
	if f.statusErr != nil {
		return tunnel.Status{}, f.statusErr
	}
	st := f.status
	st.Interface = h.Name
	return st, nil
}

func (f *fakeTunnel) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// memStore keeps the key blob in memory.
type memStore struct {
	blob    []byte
	loadErr error
}

func (s *memStore) Load() ([]byte, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.blob == nil {
		return nil, keys.ErrNotFound
	}
	return append([]byte(nil), s.blob...), nil
}

func (s *memStore) Save(blob []byte) error {
	s.blob = append([]byte(nil), blob...)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	states []core.StatePayload
}

func (l *eventLog) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.states))
	for i, s := range l.states {
		out[i] = s.OldState.String() + "->" + s.NewState.String()
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	table   *fakeTable
	dnsB    *fakeDNS
	scm     *fakeSCM
	tun     *fakeTunnel
	store   *memStore
	routes  *route.Manager
	dns     *dns.Manager
	drv     *driver.Manager
	keys    *keys.Manager
	journal *journal.Journal
	bus     *core.EventBus
	events  *eventLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	h := &harness{
		table:   &fakeTable{installed: map[string]route.Row{}, failCreate: map[string]uint32{}},
		dnsB:    &fakeDNS{servers: map[string][]netip.Addr{testGUID: {netip.MustParseAddr("192.168.1.1")}}},
		scm:     &fakeSCM{state: driver.StateNotInstalled},
		tun:     &fakeTunnel{live: map[string]tunnel.Handle{}},
		store:   &memStore{},
		journal: j,
		bus:     core.NewEventBus(),
		events:  &eventLog{},
	}
	h.routes = route.NewManager(h.table, j)
	h.dns = dns.NewManager(h.dnsB, j)
	h.drv = driver.NewManager(h.scm, driver.Config{ServiceName: "WireGuard", ImagePath: `C:\wgtunnel\wireguard.sys`, StopWhenUnused: true})
	h.keys = keys.NewManager(h.store)
	h.bus.Subscribe(core.EventStateChanged, func(e core.Event) {
		h.events.mu.Lock()
		h.events.states = append(h.events.states, e.Payload.(core.StatePayload))
		h.events.mu.Unlock()
	})
	h.orch = New(Config{
		Keys:     h.keys,
		Driver:   h.drv,
		Tunnel:   h.tun,
		Routes:   h.routes,
		DNS:      h.dns,
		Journal:  j,
		EventBus: h.bus,
	})
	return h
}
