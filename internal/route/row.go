package route

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Family is the address family tag of a route row. Values match the
// native AF_INET / AF_INET6 constants.
type Family uint16

const (
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 23
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint16(f))
	}
}

// Protocol is the routing protocol a row is installed with.
type Protocol uint32

const (
	ProtocolNetMgmt Protocol = 3 // MIB_IPPROTO_NETMGMT, static route
)

// Row is the platform-neutral description of one routing table entry.
// Addresses are stored in fixed 16-byte payloads; IPv4 uses the first four.
// The native backend converts it to its own struct layout.
type Row struct {
	Family        Family
	Destination   [16]byte
	PrefixLen     uint8
	NextHop       [16]byte // zero: on-link through the interface
	InterfaceLUID uint64
	Metric        uint32
	Protocol      Protocol
}

// NewRow builds a static row for dst bound to the interface. The next hop
// is the zero address of dst's family.
func NewRow(dst netip.Prefix, luid uint64, metric uint32) Row {
	dst = dst.Masked()
	r := Row{
		PrefixLen:     uint8(dst.Bits()),
		InterfaceLUID: luid,
		Metric:        metric,
		Protocol:      ProtocolNetMgmt,
	}
	if dst.Addr().Is4() {
		r.Family = FamilyIPv4
		a := dst.Addr().As4()
		copy(r.Destination[:], a[:])
	} else {
		r.Family = FamilyIPv6
		r.Destination = dst.Addr().As16()
	}
	return r
}

// Prefix returns the destination as a prefix.
func (r Row) Prefix() netip.Prefix {
	var addr netip.Addr
	if r.Family == FamilyIPv4 {
		addr = netip.AddrFrom4([4]byte(r.Destination[:4]))
	} else {
		addr = netip.AddrFrom16(r.Destination)
	}
	return netip.PrefixFrom(addr, int(r.PrefixLen))
}

// NextHopAddr returns the next hop address in the row's family.
func (r Row) NextHopAddr() netip.Addr {
	if r.Family == FamilyIPv4 {
		return netip.AddrFrom4([4]byte(r.NextHop[:4]))
	}
	return netip.AddrFrom16(r.NextHop)
}

// Same reports whether two rows address the same route (destination,
// interface and next hop). Metric does not identify a route.
func (r Row) Same(o Row) bool {
	return r.Family == o.Family &&
		r.Destination == o.Destination &&
		r.PrefixLen == o.PrefixLen &&
		r.NextHop == o.NextHop &&
		r.InterfaceLUID == o.InterfaceLUID
}

const rowEncodedLen = 2 + 16 + 1 + 16 + 8 + 4 + 4

// MarshalBinary encodes the row in a fixed little-endian layout.
func (r Row) MarshalBinary() ([]byte, error) {
	b := make([]byte, rowEncodedLen)
	binary.LittleEndian.PutUint16(b[0:], uint16(r.Family))
	copy(b[2:18], r.Destination[:])
	b[18] = r.PrefixLen
	copy(b[19:35], r.NextHop[:])
	binary.LittleEndian.PutUint64(b[35:], r.InterfaceLUID)
	binary.LittleEndian.PutUint32(b[43:], r.Metric)
	binary.LittleEndian.PutUint32(b[47:], uint32(r.Protocol))
	return b, nil
}

// UnmarshalBinary decodes a row written by MarshalBinary.
func (r *Row) UnmarshalBinary(b []byte) error {
	if len(b) != rowEncodedLen {
		return fmt.Errorf("route row: got %d bytes, want %d", len(b), rowEncodedLen)
	}
	fam := Family(binary.LittleEndian.Uint16(b[0:]))
	if fam != FamilyIPv4 && fam != FamilyIPv6 {
		return fmt.Errorf("route row: unknown %s", fam)
	}
	r.Family = fam
	copy(r.Destination[:], b[2:18])
	r.PrefixLen = b[18]
	copy(r.NextHop[:], b[19:35])
	r.InterfaceLUID = binary.LittleEndian.Uint64(b[35:])
	r.Metric = binary.LittleEndian.Uint32(b[43:])
	r.Protocol = Protocol(binary.LittleEndian.Uint32(b[47:]))
	return nil
}
