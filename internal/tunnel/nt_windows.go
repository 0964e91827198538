//go:build windows

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"golang.zx2c4.com/wireguard/windows/driver"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"

	"wgtunnel/internal/core"
)

const tunnelType = "WireGuard"

// NTDriver drives WireGuardNT adapters. Adapter lifetime goes through the
// wireguard-windows driver package, configuration and status through
// wgctrl, interface addresses through winipcfg.
type NTDriver struct {
	mu       sync.Mutex
	adapters map[string]*driver.Adapter
	client   *wgctrl.Client
}

// NewNTDriver opens a wgctrl client for WireGuardNT devices.
func NewNTDriver() (*NTDriver, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("[Tunnel] open wgctrl: %w", err)
	}
	return &NTDriver{adapters: make(map[string]*driver.Adapter), client: c}, nil
}

// CreateInterface creates a WireGuardNT adapter.
func (d *NTDriver) CreateInterface(_ context.Context, name string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.adapters[name]; exists {
		return Handle{}, fmt.Errorf("interface %q already exists", name)
	}
	a, err := driver.CreateAdapter(name, tunnelType, nil)
	if err != nil {
		return Handle{}, &core.NativeOperationError{Op: "WireGuardCreateAdapter", Code: errnoOf(err)}
	}
	luid := a.LUID()
	guid, err := luid.GUID()
	if err != nil {
		a.Close()
		return Handle{}, &core.NativeOperationError{Op: "ConvertInterfaceLuidToGuid", Code: errnoOf(err)}
	}
	d.adapters[name] = a
	return Handle{Name: name, LUID: uint64(luid), GUID: guid.String()}, nil
}

// ApplyConfiguration pushes keys and peers, assigns addresses and MTU,
// and brings the adapter up.
func (d *NTDriver) ApplyConfiguration(_ context.Context, h Handle, cfg Configuration) error {
	d.mu.Lock()
	a, ok := d.adapters[h.Name]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("interface %q not owned by this process", h.Name)
	}

	wgCfg := wgtypes.Config{
		PrivateKey:   &cfg.PrivateKey,
		ReplacePeers: true,
	}
	if cfg.ListenPort != 0 {
		port := cfg.ListenPort
		wgCfg.ListenPort = &port
	}
	for _, p := range cfg.Peers {
		pc := wgtypes.PeerConfig{
			PublicKey:         p.PublicKey,
			PresharedKey:      p.PresharedKey,
			ReplaceAllowedIPs: true,
		}
		if p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return fmt.Errorf("resolve endpoint %s: %w", p.Endpoint, err)
			}
			pc.Endpoint = ep
		}
		if p.PersistentKeepalive > 0 {
			ka := p.PersistentKeepalive
			pc.PersistentKeepaliveInterval = &ka
		}
		for _, pfx := range p.AllowedIPs {
			pc.AllowedIPs = append(pc.AllowedIPs, net.IPNet{
				IP:   pfx.Addr().AsSlice(),
				Mask: net.CIDRMask(pfx.Bits(), pfx.Addr().BitLen()),
			})
		}
		wgCfg.Peers = append(wgCfg.Peers, pc)
	}
	if err := d.client.ConfigureDevice(h.Name, wgCfg); err != nil {
		return &core.NativeOperationError{Op: "WireGuardSetConfiguration", Code: errnoOf(err)}
	}

	luid := winipcfg.LUID(h.LUID)
	if len(cfg.Addresses) > 0 {
		if err := luid.SetIPAddresses(cfg.Addresses); err != nil {
			return &core.NativeOperationError{Op: "SetIPAddresses", Code: errnoOf(err)}
		}
	}
	if cfg.MTU > 0 {
		for _, family := range []winipcfg.AddressFamily{windows.AF_INET, windows.AF_INET6} {
			iface, err := luid.IPInterface(family)
			if err != nil {
				continue
			}
			iface.NLMTU = uint32(cfg.MTU)
			if err := iface.Set(); err != nil {
				core.Log.Warnf("Tunnel", "Set MTU %d on %s: %v", cfg.MTU, h.Name, err)
			}
		}
	}

	if err := a.SetAdapterState(driver.AdapterStateUp); err != nil {
		return &core.NativeOperationError{Op: "WireGuardSetAdapterState", Code: errnoOf(err)}
	}
	return nil
}

// DestroyInterface closes the adapter, which removes it. An adapter this
// process did not create is opened by name first; one that does not
// exist counts as destroyed.
func (d *NTDriver) DestroyInterface(_ context.Context, h Handle) error {
	d.mu.Lock()
	a, ok := d.adapters[h.Name]
	delete(d.adapters, h.Name)
	d.mu.Unlock()

	if !ok {
		var err error
		a, err = driver.OpenAdapter(h.Name)
		if err != nil {
			if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_NOT_FOUND) {
				return nil
			}
			return &core.NativeOperationError{Op: "WireGuardOpenAdapter", Code: errnoOf(err)}
		}
		_ = a.SetAdapterState(driver.AdapterStateDown)
	}
	if err := a.Close(); err != nil {
		return &core.NativeOperationError{Op: "WireGuardCloseAdapter", Code: errnoOf(err)}
	}
	return nil
}

// QueryStatus reads per-peer handshake time and counters.
func (d *NTDriver) QueryStatus(_ context.Context, h Handle) (Status, error) {
	dev, err := d.client.Device(h.Name)
	if err != nil {
		return Status{}, fmt.Errorf("[Tunnel] query %s: %w", h.Name, err)
	}
	st := Status{Interface: dev.Name, ListenPort: dev.ListenPort}
	for _, p := range dev.Peers {
		ps := PeerStatus{
			PublicKey:     p.PublicKey,
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}

// Close releases every adapter still open and the wgctrl client.
func (d *NTDriver) Close() error {
	d.mu.Lock()
	adapters := d.adapters
	d.adapters = make(map[string]*driver.Adapter)
	d.mu.Unlock()

	for name, a := range adapters {
		if err := a.Close(); err != nil {
			core.Log.Warnf("Tunnel", "Close adapter %s: %v", name, err)
		}
	}
	return d.client.Close()
}

func errnoOf(err error) uint32 {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0xFFFFFFFF
}
