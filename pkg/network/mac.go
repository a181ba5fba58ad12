package network

import "fmt"

// MAC identifies a delivery destination on a Network: either the broadcast
// pseudo-address or one attached machine's address.
type MAC struct {
	Broadcast bool
	Address   uint64
}

// BroadcastMAC is the destination used to reach every machine on a network.
var BroadcastMAC = MAC{Broadcast: true}

// Unicast builds a MAC addressing a single attached machine.
func Unicast(address uint64) MAC {
	return MAC{Address: address}
}

func (m MAC) String() string {
	if m.Broadcast {
		return "ff:ff:ff:ff:ff:ff"
	}
	return fmt.Sprintf("%012x", m.Address)
}
