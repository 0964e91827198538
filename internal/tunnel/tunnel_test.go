package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgtunnel/internal/core"
)

const (
	testPrivateKey   = "YWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWFhYWE=" // 32x 0x61
	testPublicKey    = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=" // 32x 0x62
	testPresharedKey = "Y2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2M=" // 32x 0x63
)

type fakeDriver struct {
	createErr  error
	applyErr   error
	destroyErr error
	applied    []Configuration
	destroyed  int
}

func (f *fakeDriver) CreateInterface(_ context.Context, name string) (Handle, error) {
	if f.createErr != nil {
		return Handle{}, f.createErr
	}
	return Handle{Name: name, LUID: 0x42, GUID: "{00000000-0000-0000-0000-000000000042}"}, nil
}

func (f *fakeDriver) ApplyConfiguration(_ context.Context, _ Handle, cfg Configuration) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, cfg)
	return nil
}

func (f *fakeDriver) DestroyInterface(context.Context, Handle) error {
	f.destroyed++
	return f.destroyErr
}

func (f *fakeDriver) QueryStatus(_ context.Context, h Handle) (Status, error) {
	return Status{Interface: h.Name}, nil
}

func TestInterfaceLifecycle(t *testing.T) {
	drv := &fakeDriver{}
	ctx := context.Background()

	iface, err := Create(ctx, drv, "wg0")
	if err != nil {
		t.Fatal(err)
	}
	if iface.State() != Created {
		t.Fatalf("state = %s", iface.State())
	}
	if err := iface.Configure(ctx, Configuration{}); err != nil {
		t.Fatal(err)
	}
	if err := iface.Configure(ctx, Configuration{}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if iface.State() != Configured || len(drv.applied) != 2 {
		t.Fatalf("state = %s applied = %d", iface.State(), len(drv.applied))
	}
	if _, err := iface.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if err := iface.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if err := iface.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if drv.destroyed != 1 {
		t.Errorf("driver destroy calls = %d, want 1", drv.destroyed)
	}
	if err := iface.Configure(ctx, Configuration{}); err == nil {
		t.Error("configure after destroy accepted")
	}
	if _, err := iface.Status(ctx); err == nil {
		t.Error("status after destroy accepted")
	}
}

func TestCreateFailure(t *testing.T) {
	drv := &fakeDriver{createErr: &core.NativeOperationError{Op: "WireGuardCreateAdapter", Code: 5}}
	_, err := Create(context.Background(), drv, "wg0")
	var ie *core.InterfaceError
	if !errors.As(err, &ie) || ie.Op != "create" {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, core.ErrInterfaceCreateFailed) {
		t.Error("not marked as ErrInterfaceCreateFailed")
	}
	if code, ok := core.NativeCode(err); !ok || code != 5 {
		t.Errorf("native code lost: %d %v", code, ok)
	}
}

func TestConfigureRejected(t *testing.T) {
	drv := &fakeDriver{applyErr: errors.New("bad key")}
	iface, err := Create(context.Background(), drv, "wg0")
	if err != nil {
		t.Fatal(err)
	}
	err = iface.Configure(context.Background(), Configuration{})
	if !errors.Is(err, core.ErrConfigurationRejected) {
		t.Fatalf("got %v", err)
	}
	if iface.State() != Created {
		t.Errorf("state = %s after rejected configuration", iface.State())
	}
}

func TestDestroyFailureStillDestroyed(t *testing.T) {
	drv := &fakeDriver{destroyErr: errors.New("busy")}
	iface, _ := Create(context.Background(), drv, "wg0")
	if err := iface.Destroy(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if iface.State() != Destroyed {
		t.Error("not destroyed")
	}
	if err := iface.Destroy(context.Background()); err != nil {
		t.Error("second destroy returned error")
	}
}

func TestBuildConfiguration(t *testing.T) {
	priv, _ := wgtypes.ParseKey(testPrivateKey)
	p := &core.Profile{
		Name:                "office",
		PeerPublicKey:       testPublicKey,
		PresharedKey:        testPresharedKey,
		Endpoint:            "vpn.example.com:51820",
		AllowedIPs:          []string{"10.1.2.3/8", "fd00::1"},
		Addresses:           []string{"10.8.0.2/24", "fd00:8::2"},
		PersistentKeepalive: 25,
		ListenPort:          51821,
		MTU:                 1380,
	}
	cfg, err := BuildConfiguration(p, priv)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PrivateKey != priv || cfg.ListenPort != 51821 || cfg.MTU != 1380 {
		t.Errorf("interface fields wrong: %+v", cfg)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("peers = %d", len(cfg.Peers))
	}
	peer := cfg.Peers[0]
	if peer.PresharedKey == nil || peer.PersistentKeepalive != 25*time.Second {
		t.Errorf("peer fields wrong: %+v", peer)
	}
	if peer.AllowedIPs[0].String() != "10.0.0.0/8" || peer.AllowedIPs[1].String() != "fd00::1/128" {
		t.Errorf("allowed ips = %v", peer.AllowedIPs)
	}
	if cfg.Addresses[0].String() != "10.8.0.2/24" || cfg.Addresses[1].String() != "fd00:8::2/128" {
		t.Errorf("addresses = %v", cfg.Addresses)
	}
}

func TestLatestHandshake(t *testing.T) {
	now := time.Now()
	s := Status{Peers: []PeerStatus{{LastHandshake: now.Add(-time.Minute)}, {LastHandshake: now}, {}}}
	if !s.LatestHandshake().Equal(now) {
		t.Errorf("got %v", s.LatestHandshake())
	}
	if !(Status{}).LatestHandshake().IsZero() {
		t.Error("empty status should have zero handshake")
	}
}
