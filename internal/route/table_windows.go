//go:build windows

package route

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procInitializeIpForwardEntry = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2    = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2    = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
)

// MIB_IPFORWARD_ROW2 (104 bytes on x64).
type mibIPForwardRow2 struct {
	data [104]byte
}

// MIB_IPFORWARD_ROW2 field offsets (x64).
//
//	  0: NET_LUID          InterfaceLuid      (8)
//	  8: NET_IFINDEX       InterfaceIndex     (4)
//	 12: IP_ADDRESS_PREFIX DestinationPrefix  (SOCKADDR_INET(28) + PrefixLen(1) + pad(3))
//	 44: SOCKADDR_INET     NextHop            (28)
//	 72: UCHAR             SitePrefixLength   (1 + 3 pad)
//	 76: ULONG             ValidLifetime
//	 80: ULONG             PreferredLifetime
//	 84: ULONG             Metric
//	 88: NL_ROUTE_PROTOCOL Protocol
//	 92: BOOLEAN[4]        Loopback..Immortal
//	 96: ULONG             Age
//	100: NL_ROUTE_ORIGIN   Origin
//
// Inside SOCKADDR_INET the IPv4 address sits at +4 (sockaddr_in) and the
// IPv6 address at +8 (sockaddr_in6, after port and flowinfo).
const (
	fwdInterfaceLUID = 0
	fwdDestFamily    = 12
	fwdDestPrefixLen = 40
	fwdNextHopFamily = 44
	fwdMetric        = 84
	fwdProtocol      = 88
	fwdOrigin        = 100

	sockaddrIn4Addr = 4
	sockaddrIn6Addr = 8

	nlroManual = 1
)

// SystemTable is the Windows routing table reached through iphlpapi.
type SystemTable struct{}

// NewSystemTable returns the native route table backend.
func NewSystemTable() (*SystemTable, error) {
	if err := procCreateIpForwardEntry2.Find(); err != nil {
		return nil, err
	}
	return &SystemTable{}, nil
}

// CreateRoute installs row. Returns the Win32 status code.
func (SystemTable) CreateRoute(row Row) uint32 {
	native := toNative(row)
	r, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&native)))
	return win32Code(r)
}

// DeleteRoute removes row. Returns the Win32 status code.
func (SystemTable) DeleteRoute(row Row) uint32 {
	native := toNative(row)
	r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&native)))
	return win32Code(r)
}

// toNative fills a MIB_IPFORWARD_ROW2 from the tagged row. The struct is
// initialised by the OS first so lifetimes get their INFINITE defaults.
func toNative(row Row) mibIPForwardRow2 {
	var n mibIPForwardRow2
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(&n)))

	*(*uint64)(unsafe.Pointer(&n.data[fwdInterfaceLUID])) = row.InterfaceLUID

	*(*uint16)(unsafe.Pointer(&n.data[fwdDestFamily])) = uint16(row.Family)
	*(*uint16)(unsafe.Pointer(&n.data[fwdNextHopFamily])) = uint16(row.Family)
	if row.Family == FamilyIPv4 {
		copy(n.data[fwdDestFamily+sockaddrIn4Addr:], row.Destination[:4])
		copy(n.data[fwdNextHopFamily+sockaddrIn4Addr:], row.NextHop[:4])
	} else {
		copy(n.data[fwdDestFamily+sockaddrIn6Addr:], row.Destination[:])
		copy(n.data[fwdNextHopFamily+sockaddrIn6Addr:], row.NextHop[:])
	}
	n.data[fwdDestPrefixLen] = row.PrefixLen

	*(*uint32)(unsafe.Pointer(&n.data[fwdMetric])) = row.Metric
	*(*uint32)(unsafe.Pointer(&n.data[fwdProtocol])) = uint32(row.Protocol)
	*(*int32)(unsafe.Pointer(&n.data[fwdOrigin])) = nlroManual
	return n
}

// win32Code folds HRESULT_FROM_WIN32 values (0x8007xxxx) back to the
// plain Win32 code; ERROR_OBJECT_ALREADY_EXISTS arrives either way.
func win32Code(r uintptr) uint32 {
	c := uint32(r)
	if c&0xFFFF0000 == 0x80070000 {
		return c & 0xFFFF
	}
	return c
}
