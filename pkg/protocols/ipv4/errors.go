package ipv4

import (
	"fmt"
	"net/netip"
)

// ErrNoRoute is returned by Open when the routing table has no entry
// (including no default route) matching the destination.
type ErrNoRoute struct {
	Dest netip.Addr
}

func (e ErrNoRoute) Error() string {
	return fmt.Sprintf("ipv4: no route to %s", e.Dest)
}

// ErrNoResolver is returned by Open when a route's next hop has no MAC
// recorded and the Protocol has no Resolver configured to find one.
type ErrNoResolver struct {
	Dest netip.Addr
}

func (e ErrNoResolver) Error() string {
	return fmt.Sprintf("ipv4: no MAC known for next hop to %s and no resolver configured", e.Dest)
}

// ErrDontFragmentSet is returned by the fragmentation logic when a
// datagram exceeds the path MTU but carries the Don't Fragment flag; per
// RFC 791 §3.2 the datagram is discarded rather than split. It is also
// returned when the MTU leaves no room for even one 8-byte fragment block
// after the header.
type ErrDontFragmentSet struct {
	Len int
	MTU int
}

func (e ErrDontFragmentSet) Error() string {
	return fmt.Sprintf("ipv4: datagram of length %d exceeds MTU %d and carries Don't Fragment", e.Len, e.MTU)
}
