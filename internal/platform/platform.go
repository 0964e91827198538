// Package platform bundles the native backends the service is assembled
// from, so the wiring in cmd stays free of OS-specific imports.
package platform

import (
	"context"
	"fmt"
	"net"

	"wgtunnel/internal/core"
	"wgtunnel/internal/dns"
	"wgtunnel/internal/driver"
	"wgtunnel/internal/keys"
	"wgtunnel/internal/route"
	"wgtunnel/internal/tunnel"
)

// TunnelDriver is a tunnel.Driver holding a native handle that must be
// released on shutdown.
type TunnelDriver interface {
	tunnel.Driver
	Close() error
}

// IPCTransport provides the local control channel between the CLI and
// the service.
type IPCTransport interface {
	// Listener creates the server side.
	Listener() (net.Listener, error)
	// Dial connects to the server; addr is whatever gRPC resolved from Target.
	Dial(ctx context.Context, addr string) (net.Conn, error)
	// Target is the gRPC dial target for Dial.
	Target() string
}

// Notifier shows desktop notifications.
type Notifier interface {
	Show(title, message string) error
}

// Platform holds the native implementations for the current OS.
type Platform struct {
	NewRouteTable   func() (route.Table, error)
	NewDNSBackend   func() dns.Backend
	NewTunnelDriver func() (TunnelDriver, error)
	ServiceControl  driver.ServiceControl
	// Protector seals key blobs for the file key store.
	Protector keys.Protector
	IPC       IPCTransport
	Notifier  Notifier
}

// NewKeyStore builds the key store selected by cfg. Relative file paths
// resolve against the directory of configPath.
func (p *Platform) NewKeyStore(cfg core.KeyStoreConfig, configPath string) (keys.BlobStore, error) {
	switch cfg.Backend {
	case "", "dpapi":
		if p.Protector == nil {
			return nil, fmt.Errorf("[Keys] backend %q unavailable on this platform", cfg.Backend)
		}
		path := cfg.Path
		if path == "" {
			path = core.DefaultKeyPath
		}
		return &keys.FileStore{
			Path:      core.ResolveRelativeTo(configPath, path),
			Protector: p.Protector,
		}, nil
	case "keyring":
		return keys.NewKeyringStore(), nil
	default:
		return nil, fmt.Errorf("[Keys] unknown key store backend %q", cfg.Backend)
	}
}
