package ipc

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"wgtunnel/internal/core"
	"wgtunnel/internal/route"
	"wgtunnel/internal/service"
	"wgtunnel/internal/tunnel"
)

const testPublicKey = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=" // 32x 0x62

type fakeOrch struct {
	mu         sync.Mutex
	connectErr error
	state      core.TunnelState
	profile    *core.Profile
	key        wgtypes.Key
	imported   []string
}

func (f *fakeOrch) Connect(_ context.Context, p *core.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = core.StateConnected
	f.profile = p
	return nil
}

func (f *fakeOrch) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != core.StateConnected {
		return &core.InvalidStateTransition{From: f.state, Op: "disconnect"}
	}
	f.state = core.StateDisconnected
	f.profile = nil
	return nil
}

func (f *fakeOrch) Status(context.Context) service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := service.Status{State: f.state}
	if f.profile != nil {
		pfx := netip.MustParsePrefix("10.0.0.0/8")
		st.Session = &service.Session{
			ID:         "sess-1",
			Profile:    f.profile,
			Interface:  tunnel.Handle{Name: "wgtunnel", LUID: 0x42, GUID: "{g}"},
			Routes:     []route.ManagedRoute{{Destination: pfx, InterfaceLUID: 0x42}},
			DNSServers: []netip.Addr{netip.MustParseAddr("10.0.0.53")},
			StartedAt:  time.Unix(1700000000, 0),
		}
		st.Tunnel = &tunnel.Status{Interface: "wgtunnel", Peers: []tunnel.PeerStatus{{RxBytes: 1, TxBytes: 2}}}
	}
	return st
}

func (f *fakeOrch) RegenerateKey(context.Context) (wgtypes.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != core.StateDisconnected {
		return wgtypes.Key{}, &core.InvalidStateTransition{From: f.state, Op: "regenerate key"}
	}
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, err
	}
	f.key = k.PublicKey()
	return f.key, nil
}

func (f *fakeOrch) PublicKey() (wgtypes.Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key, nil
}

func (f *fakeOrch) ImportProfile(_ context.Context, name, text string) (*core.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported = append(f.imported, name)
	return &core.Profile{Name: name, Endpoint: "vpn.example.com:51820", AllowedIPs: []string{"0.0.0.0/0"}}, nil
}

type fixture struct {
	client  *Client
	orch    *fakeOrch
	bus     *core.EventBus
	tracker *ConnTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cm := core.NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"), nil)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cm.PutProfile(core.Profile{
		Name:          "office",
		PeerPublicKey: testPublicKey,
		Endpoint:      "vpn.example.com:51820",
		AllowedIPs:    []string{"10.0.0.0/8"},
		DNS:           []string{"10.0.0.53"},
	}); err != nil {
		t.Fatal(err)
	}

	f := &fixture{orch: &fakeOrch{}, bus: core.NewEventBus(), tracker: NewConnTracker()}
	srv := NewServer(NewHandler(f.orch, cm, f.bus, f.tracker), f.tracker)
	ln := bufconn.Listen(1 << 20)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Stop(time.Second) })

	c, err := NewClient("passthrough:///bufnet", func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	f.client = c
	return f
}

func field(s *structpb.Struct, name string) *structpb.Value {
	return s.GetFields()[name]
}

func TestConnectAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.client.Connect(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Errorf("unknown profile: %v", err)
	}

	st, err := f.client.Connect(ctx, "office")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := field(st, "state").GetStringValue(); got != "connected" {
		t.Errorf("state = %q", got)
	}
	if got := field(st, "profile").GetStringValue(); got != "office" {
		t.Errorf("profile = %q", got)
	}
	routes := field(st, "routes").GetListValue().GetValues()
	if len(routes) != 1 || routes[0].GetStringValue() != "10.0.0.0/8" {
		t.Errorf("routes = %v", routes)
	}
	if peers := field(st, "peers").GetListValue().GetValues(); len(peers) != 1 {
		t.Errorf("peers = %v", peers)
	}
	if got := field(st, "started_at").GetStringValue(); got != "2023-11-14T22:13:20Z" {
		t.Errorf("started_at = %q", got)
	}
	if field(st, "busy").GetBoolValue() {
		t.Error("busy while connected")
	}
	covered := field(st, "covered_ranges").GetListValue().GetValues()
	if len(covered) != 1 || covered[0].GetStringValue() != "10.0.0.0/8" {
		t.Errorf("covered_ranges = %v", covered)
	}
	servers := field(st, "dns_servers").GetListValue().GetValues()
	if len(servers) != 1 || servers[0].GetStringValue() != "10.0.0.53" {
		t.Errorf("dns_servers = %v", servers)
	}

	list, err := f.client.ListProfiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := field(list, "active").GetStringValue(); got != "office" {
		t.Errorf("active = %q", got)
	}
	if n := len(field(list, "profiles").GetListValue().GetValues()); n != 1 {
		t.Errorf("profiles = %d", n)
	}

	st, err = f.client.Disconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := field(st, "state").GetStringValue(); got != "disconnected" {
		t.Errorf("state after disconnect = %q", got)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"invalid transition", &core.InvalidStateTransition{From: core.StateConnected, Op: "connect"}, codes.FailedPrecondition},
		{"validation", &core.ConnectError{Stage: core.StageValidate, Err: &core.ValidationError{Field: "endpoint"}}, codes.InvalidArgument},
		{"closed", service.ErrClosed, codes.Unavailable},
		{"cancelled", &core.ConnectError{Stage: core.StageRoute, Err: context.Canceled}, codes.Canceled},
		{"native", &core.ConnectError{Stage: core.StageRoute, Err: &core.RouteConfigurationError{Destination: "10.0.0.0/8", NativeCode: 5}}, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.orch.connectErr = tt.err
			_, err := f.client.Connect(context.Background(), "office")
			if status.Code(err) != tt.code {
				t.Errorf("code = %s, want %s (%v)", status.Code(err), tt.code, err)
			}
		})
	}
}

func TestRegenerateKeyAndImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pub, err := f.client.RegenerateKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if k, _ := f.orch.PublicKey(); pub != k.String() {
		t.Errorf("key = %s", pub)
	}

	if _, err := f.client.ImportProfile(ctx, "", "x"); status.Code(err) != codes.InvalidArgument {
		t.Errorf("empty name: %v", err)
	}
	p, err := f.client.ImportProfile(ctx, "home", "[Interface]\n")
	if err != nil {
		t.Fatal(err)
	}
	if field(p, "name").GetStringValue() != "home" || len(f.orch.imported) != 1 {
		t.Errorf("import = %v, calls %v", p, f.orch.imported)
	}

	if _, err := f.client.Connect(ctx, "office"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.client.RegenerateKey(ctx); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("regenerate while connected: %v", err)
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan *structpb.Struct, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, func(m *structpb.Struct) error {
			msgs <- m
			return nil
		})
	}()

	recv := func() *structpb.Struct {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no message")
			return nil
		}
	}

	first := recv()
	if field(first, "event").GetStringValue() != "status" || field(first, "state").GetStringValue() != "disconnected" {
		t.Errorf("first message = %v", first)
	}
	if f.tracker.Watchers() != 1 {
		t.Errorf("watchers = %d", f.tracker.Watchers())
	}

	f.bus.Publish(core.Event{Type: core.EventStateChanged, Payload: core.StatePayload{
		Profile:  "office",
		OldState: core.StateConnecting,
		NewState: core.StateError,
		Err:      errors.New("boom"),
	}})
	m := recv()
	if field(m, "event").GetStringValue() != "state_changed" || field(m, "state").GetStringValue() != "error" || field(m, "error").GetStringValue() != "boom" {
		t.Errorf("state message = %v", m)
	}

	f.bus.Publish(core.Event{Type: core.EventHandshakeStale, Payload: core.HandshakePayload{Interface: "wgtunnel", Age: 5 * time.Minute}})
	m = recv()
	if field(m, "event").GetStringValue() != "handshake_stale" || field(m, "age").GetStringValue() != "5m0s" {
		t.Errorf("stale message = %v", m)
	}

	cancel()
	select {
	case err := <-done:
		if status.Code(err) != codes.Canceled {
			t.Errorf("watch ended with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end")
	}
}
