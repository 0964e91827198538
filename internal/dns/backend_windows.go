//go:build windows

package dns

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wireguard/windows/tunnel/winipcfg"

	"wgtunnel/internal/core"
)

var (
	modDNSAPI                 = windows.NewLazySystemDLL("dnsapi.dll")
	procDnsFlushResolverCache = modDNSAPI.NewProc("DnsFlushResolverCache")
)

// SystemBackend reads and writes per-interface DNS through iphlpapi.
type SystemBackend struct{}

// NewSystemBackend returns the native DNS backend.
func NewSystemBackend() *SystemBackend { return &SystemBackend{} }

func luidOf(guid string) (winipcfg.LUID, error) {
	g, err := windows.GUIDFromString(guid)
	if err != nil {
		return 0, fmt.Errorf("parse interface guid %q: %w", guid, err)
	}
	return winipcfg.LUIDFromGUID(&g)
}

// GetDNS returns the interface's configured DNS servers.
func (SystemBackend) GetDNS(guid string) ([]netip.Addr, error) {
	luid, err := luidOf(guid)
	if err != nil {
		return nil, err
	}
	return luid.DNS()
}

// SetDNS replaces the interface's DNS servers. Both families are always
// written so servers of the family not present in the list are cleared.
// An empty list returns the interface to automatic configuration.
func (SystemBackend) SetDNS(guid string, servers []netip.Addr) error {
	luid, err := luidOf(guid)
	if err != nil {
		return err
	}
	var v4, v6 []netip.Addr
	for _, s := range servers {
		if s.Is4() {
			v4 = append(v4, s)
		} else {
			v6 = append(v6, s)
		}
	}
	if err := luid.SetDNS(windows.AF_INET, v4, nil); err != nil {
		return &core.NativeOperationError{Op: "SetInterfaceDnsSettings(ipv4)", Code: errnoOf(err)}
	}
	if err := luid.SetDNS(windows.AF_INET6, v6, nil); err != nil {
		return &core.NativeOperationError{Op: "SetInterfaceDnsSettings(ipv6)", Code: errnoOf(err)}
	}
	flushResolverCache()
	return nil
}

func flushResolverCache() {
	if err := procDnsFlushResolverCache.Find(); err != nil {
		return
	}
	if r, _, _ := procDnsFlushResolverCache.Call(); r == 0 {
		core.Log.Debugf("DNS", "DnsFlushResolverCache failed")
	}
}

func errnoOf(err error) uint32 {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0xFFFFFFFF
}
