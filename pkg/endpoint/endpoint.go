// Package endpoint defines the (address, port) pair shared by every
// transport protocol's session map key.
package endpoint

import (
	"fmt"
	"net/netip"
)

// Endpoint is one side of a transport connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Endpoints keys a session by its local and remote Endpoint, the map key
// used by UDP and TCP session maps and listen bindings.
type Endpoints struct {
	Local  Endpoint
	Remote Endpoint
}

func (e Endpoints) String() string {
	return fmt.Sprintf("%s<->%s", e.Local, e.Remote)
}

// Pack encodes an Endpoint as a single uint64 (32-bit address, 16-bit port,
// 16 bits unused) — the representation carried under control.KeyLocalEndpoint
// / control.KeyRemoteEndpoint, since control.Value only holds fixed-width
// numeric payloads.
func (e Endpoint) Pack() uint64 {
	a := e.Addr.As4()
	addrBits := uint64(a[0])<<24 | uint64(a[1])<<16 | uint64(a[2])<<8 | uint64(a[3])
	return addrBits<<16 | uint64(e.Port)
}

// Unpack decodes an Endpoint from the uint64 produced by Pack.
func Unpack(v uint64) Endpoint {
	port := uint16(v & 0xFFFF)
	addrBits := uint32(v >> 16)
	addr := netip.AddrFrom4([4]byte{
		byte(addrBits >> 24),
		byte(addrBits >> 16),
		byte(addrBits >> 8),
		byte(addrBits),
	})
	return Endpoint{Addr: addr, Port: port}
}
