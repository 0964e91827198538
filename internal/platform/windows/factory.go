//go:build windows

// Package windows provides the Windows implementations of the platform
// backends.
package windows

import (
	"wgtunnel/internal/dns"
	"wgtunnel/internal/driver"
	"wgtunnel/internal/keys"
	"wgtunnel/internal/platform"
	"wgtunnel/internal/route"
	"wgtunnel/internal/tunnel"
)

// NewPlatform creates a Platform for Windows: iphlpapi routes, per-adapter
// DNS through winipcfg, the WireGuardNT driver managed by the SCM, DPAPI
// sealed keys and Named Pipe IPC.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		NewRouteTable: func() (route.Table, error) {
			return route.NewSystemTable()
		},
		NewDNSBackend: func() dns.Backend {
			return dns.NewSystemBackend()
		},
		NewTunnelDriver: func() (platform.TunnelDriver, error) {
			return tunnel.NewNTDriver()
		},
		ServiceControl: driver.NewSCM(),
		Protector:      keys.DPAPI{},
		IPC:            NewIPCTransport(),
		Notifier:       &Notifier{},
	}
}
