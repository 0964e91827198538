package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Fake WireGuard keys (valid base64-encoded 32-byte values for testing only).
const (
	testPublicKey    = "YmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmJiYmI=" // 32x 0x62
	testPresharedKey = "Y2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2NjY2M=" // 32x 0x63
)

func validProfile() Profile {
	return Profile{
		Name:          "office",
		PeerPublicKey: testPublicKey,
		Endpoint:      "vpn.example.com:51820",
		AllowedIPs:    []string{"10.0.0.0/8", "192.168.1.0/24"},
		DNS:           []string{"10.0.0.53"},
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Profile)
		field  string // empty = valid
	}{
		{"valid", func(p *Profile) {}, ""},
		{"bare address allowed ip", func(p *Profile) { p.AllowedIPs = []string{"10.1.2.3"} }, ""},
		{"ipv6", func(p *Profile) { p.AllowedIPs = []string{"::/0"}; p.Endpoint = "[2001:db8::1]:51820" }, ""},
		{"psk", func(p *Profile) { p.PresharedKey = testPresharedKey }, ""},
		{"empty name", func(p *Profile) { p.Name = "" }, "name"},
		{"bad public key", func(p *Profile) { p.PeerPublicKey = "nope" }, "peer_public_key"},
		{"short key", func(p *Profile) { p.PeerPublicKey = "YWJj" }, "peer_public_key"},
		{"bad psk", func(p *Profile) { p.PresharedKey = "!!" }, "preshared_key"},
		{"no port", func(p *Profile) { p.Endpoint = "vpn.example.com" }, "endpoint"},
		{"port zero", func(p *Profile) { p.Endpoint = "vpn.example.com:0" }, "endpoint"},
		{"port too big", func(p *Profile) { p.Endpoint = "vpn.example.com:70000" }, "endpoint"},
		{"no allowed ips", func(p *Profile) { p.AllowedIPs = nil }, "allowed_ips"},
		{"bad cidr", func(p *Profile) { p.AllowedIPs = []string{"10.0.0.0/33"} }, "allowed_ips"},
		{"garbage cidr", func(p *Profile) { p.AllowedIPs = []string{"not-a-cidr"} }, "allowed_ips"},
		{"dns prefix", func(p *Profile) { p.DNS = []string{"10.0.0.0/24"} }, "dns"},
		{"keepalive", func(p *Profile) { p.PersistentKeepalive = -1 }, "persistent_keepalive"},
		{"mtu", func(p *Profile) { p.MTU = 100 }, "mtu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile()
			tt.mutate(&p)
			err := p.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestParseAllowedIPMasks(t *testing.T) {
	p, err := ParseAllowedIP("10.1.2.3/8")
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "10.0.0.0/8" {
		t.Errorf("got %s, want 10.0.0.0/8", p)
	}
	p, err = ParseAllowedIP("fd00::1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Bits() != 128 {
		t.Errorf("bare IPv6 bits = %d, want 128", p.Bits())
	}

	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.0/8", "10.0.0.0/8"},
		{"0.0.0.0/0", "0.0.0.0/0"},
		{"192.168.1.7", "192.168.1.7/32"},
		{"2001:db8::1/32", "2001:db8::/32"},
	}
	for _, tt := range tests {
		got, err := ParseAllowedIP(tt.in)
		if err != nil || got.String() != tt.want {
			t.Errorf("ParseAllowedIP(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
		}
	}
	for _, in := range []string{"", "10.0.0.0/33", "vpn.example.com", "10.0.0.0/"} {
		if _, err := ParseAllowedIP(in); err == nil {
			t.Errorf("ParseAllowedIP(%q): expected error", in)
		}
	}
}

func TestCoveredRangesMergesOverlaps(t *testing.T) {
	p := validProfile()
	p.AllowedIPs = []string{"10.0.0.0/8", "10.1.0.0/16", "192.168.1.0/24"}
	got := p.CoveredRanges()
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 prefixes", got)
	}
	if got[0].String() != "10.0.0.0/8" || got[1].String() != "192.168.1.0/24" {
		t.Errorf("got %v", got)
	}
}

func TestConfigManagerCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	cfg := cm.Get()
	if cfg.Interface.Name != DefaultInterfaceName {
		t.Errorf("interface name = %q, want default", cfg.Interface.Name)
	}
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("version = %d, want %d", cfg.Version, CurrentConfigVersion)
	}
}

func TestConfigManagerDefaultLoadPublishesReload(t *testing.T) {
	bus := NewEventBus()
	reloads := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloads++ })

	cm := NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"), bus)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	if reloads != 1 {
		t.Errorf("reload events = %d, want 1", reloads)
	}
}

func TestConfigManagerProfileCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bus := NewEventBus()
	reloads := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloads++ })

	cm := NewConfigManager(path, bus)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	if err := cm.PutProfile(validProfile()); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	bad := validProfile()
	bad.Name = "bad"
	bad.Endpoint = "nope"
	if err := cm.PutProfile(bad); err == nil {
		t.Fatal("expected validation error for bad profile")
	}
	if err := cm.Save(); err != nil {
		t.Fatal(err)
	}

	cm2 := NewConfigManager(path, nil)
	if err := cm2.Load(); err != nil {
		t.Fatal(err)
	}
	p, ok := cm2.Profile("office")
	if !ok {
		t.Fatal("profile not persisted")
	}
	p.AllowedIPs[0] = "1.1.1.1/32"
	again, _ := cm2.Profile("office")
	if again.AllowedIPs[0] != "10.0.0.0/8" {
		t.Error("Profile returned shared slice")
	}

	if !cm2.DeleteProfile("office") {
		t.Error("DeleteProfile returned false")
	}
	if cm2.DeleteProfile("office") {
		t.Error("second DeleteProfile returned true")
	}
	if reloads < 2 {
		t.Errorf("reload events = %d, want >= 2", reloads)
	}
}

func TestConfigManagerRejectsDuplicateProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `version: 2
profiles:
  - name: a
    peer_public_key: ` + testPublicKey + `
    endpoint: 1.2.3.4:51820
    allowed_ips: [0.0.0.0/0]
  - name: a
    peer_public_key: ` + testPublicKey + `
    endpoint: 1.2.3.4:51820
    allowed_ips: [0.0.0.0/0]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	err := NewConfigManager(path, nil).Load()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestConfigManagerMigratesLegacyPeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `peer:
  peer_public_key: ` + testPublicKey + `
  endpoint: 1.2.3.4:51820
  allowed_ips: 10.0.0.0/8, 172.16.0.0/12
  dns: 10.0.0.53
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := cm.Profile("default")
	if !ok {
		t.Fatal("legacy peer not migrated to profile \"default\"")
	}
	if len(p.AllowedIPs) != 2 || p.AllowedIPs[1] != "172.16.0.0/12" {
		t.Errorf("allowed_ips = %v", p.AllowedIPs)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("migrated profile invalid: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "version: 2") {
		t.Error("migrated config not persisted")
	}
}

func TestMigrateConfigRejectsFutureVersion(t *testing.T) {
	_, _, err := MigrateConfig(map[string]any{"version": CurrentConfigVersion + 1})
	if err == nil {
		t.Fatal("expected error for future version")
	}
}

func TestHealthIntervals(t *testing.T) {
	cfg := Config{Health: HealthConfig{Interval: "5s", StaleAfter: "bogus"}}
	iv, stale := cfg.HealthIntervals()
	if iv != 5*time.Second {
		t.Errorf("interval = %v", iv)
	}
	if stale != DefaultStaleAfter {
		t.Errorf("stale = %v, want default", stale)
	}
}

func TestResolveRelativeTo(t *testing.T) {
	base := filepath.Join("a", "b", "config.yaml")
	if got := ResolveRelativeTo(base, "journal.db"); got != filepath.Join("a", "b", "journal.db") {
		t.Errorf("got %q", got)
	}
	abs, _ := filepath.Abs("x")
	if got := ResolveRelativeTo(base, abs); got != abs {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestReconnectInterval(t *testing.T) {
	if got := (Config{}).ReconnectInterval(); got != DefaultReconnectDelay {
		t.Errorf("default = %v", got)
	}
	cfg := Config{Reconnect: ReconnectConfig{Interval: "2s"}}
	if got := cfg.ReconnectInterval(); got != 2*time.Second {
		t.Errorf("interval = %v", got)
	}
}
