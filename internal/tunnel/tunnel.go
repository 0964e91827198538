// Package tunnel creates, configures and destroys the WireGuard interface
// through the kernel driver.
package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgtunnel/internal/core"
)

// Handle identifies a created interface.
type Handle struct {
	Name string
	LUID uint64
	GUID string // "{xxxxxxxx-...}"
}

// Peer is one remote endpoint in a configuration.
type Peer struct {
	PublicKey           wgtypes.Key
	PresharedKey        *wgtypes.Key
	Endpoint            string // host:port, resolved by the driver backend
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
}

// Configuration is pushed to the driver in one call. Peers always replace
// the previous peer set.
type Configuration struct {
	PrivateKey wgtypes.Key
	ListenPort int
	Addresses  []netip.Prefix
	MTU        int
	Peers      []Peer
}

// PeerStatus is runtime information about one peer.
type PeerStatus struct {
	PublicKey     wgtypes.Key
	Endpoint      string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Status is runtime information about an interface.
type Status struct {
	Interface  string
	ListenPort int
	Peers      []PeerStatus
}

// LatestHandshake returns the most recent handshake over all peers.
func (s Status) LatestHandshake() time.Time {
	var latest time.Time
	for _, p := range s.Peers {
		if p.LastHandshake.After(latest) {
			latest = p.LastHandshake
		}
	}
	return latest
}

// Driver is the kernel tunnel driver. DestroyInterface on an interface
// that no longer exists returns nil.
type Driver interface {
	CreateInterface(ctx context.Context, name string) (Handle, error)
	ApplyConfiguration(ctx context.Context, h Handle, cfg Configuration) error
	DestroyInterface(ctx context.Context, h Handle) error
	QueryStatus(ctx context.Context, h Handle) (Status, error)
}

// State is the lifecycle position of one interface.
type State int

const (
	Absent State = iota
	Created
	Configured
	Destroyed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Created:
		return "created"
	case Configured:
		return "configured"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Interface tracks one interface through Absent → Created → Configured →
// Destroyed and forwards each step to the driver.
type Interface struct {
	drv Driver

	mu     sync.Mutex
	handle Handle
	state  State
}

// Create asks the driver for a new interface.
func Create(ctx context.Context, drv Driver, name string) (*Interface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := drv.CreateInterface(ctx, name)
	if err != nil {
		return nil, &core.InterfaceError{Op: "create", Name: name, Err: wrapSentinel(core.ErrInterfaceCreateFailed, err)}
	}
	core.Log.Infof("Tunnel", "Created interface %s (LUID 0x%x, GUID %s)", h.Name, h.LUID, h.GUID)
	return &Interface{drv: drv, handle: h, state: Created}, nil
}

// Handle returns the driver handle.
func (i *Interface) Handle() Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// State returns the lifecycle position.
func (i *Interface) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Configure pushes cfg. Allowed from Created or Configured; re-applying
// replaces the whole peer set.
func (i *Interface) Configure(ctx context.Context, cfg Configuration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != Created && i.state != Configured {
		return &core.InterfaceError{Op: "configure", Name: i.handle.Name, Err: fmt.Errorf("interface is %s", i.state)}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.drv.ApplyConfiguration(ctx, i.handle, cfg); err != nil {
		return &core.InterfaceError{Op: "configure", Name: i.handle.Name, Err: wrapSentinel(core.ErrConfigurationRejected, err)}
	}
	i.state = Configured
	core.Log.Infof("Tunnel", "Configured %s with %d peer(s)", i.handle.Name, len(cfg.Peers))
	return nil
}

// Destroy removes the interface. Calling it again is a no-op. A driver
// failure is returned but the interface is still treated as destroyed.
func (i *Interface) Destroy(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == Destroyed {
		return nil
	}
	i.state = Destroyed
	if err := i.drv.DestroyInterface(ctx, i.handle); err != nil {
		return fmt.Errorf("[Tunnel] destroy %s: %w", i.handle.Name, err)
	}
	core.Log.Infof("Tunnel", "Destroyed interface %s", i.handle.Name)
	return nil
}

// Status queries runtime counters. Only valid while the interface exists.
func (i *Interface) Status(ctx context.Context) (Status, error) {
	i.mu.Lock()
	h, st := i.handle, i.state
	i.mu.Unlock()

	if st != Created && st != Configured {
		return Status{}, fmt.Errorf("[Tunnel] status of %s: interface is %s", h.Name, st)
	}
	return i.drv.QueryStatus(ctx, h)
}

// sentinelError keeps the driver error as the message and cause while
// matching the sentinel with errors.Is.
type sentinelError struct {
	sentinel error
	err      error
}

func (e *sentinelError) Error() string   { return e.err.Error() }
func (e *sentinelError) Unwrap() []error { return []error{e.sentinel, e.err} }

func wrapSentinel(sentinel, err error) error {
	return &sentinelError{sentinel: sentinel, err: err}
}
