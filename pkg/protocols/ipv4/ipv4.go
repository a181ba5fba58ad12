// Package ipv4 implements the network-layer protocol: longest-prefix
// routing over pkg/protocols/ipv4/rib, RFC 791 fragmentation on egress and
// reassembly (pkg/protocols/ipv4/reassembly) on ingress, and the
// Protocol/Session glue that plugs it into the x-kernel composition in
// pkg/protocol.
package ipv4

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/reassembly"
	"github.com/elvis-sim/elvis/pkg/protocols/ipv4/rib"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
)

// DefaultTTL seeds the TTL field of datagrams originated locally.
const DefaultTTL = 64

// DefaultReassemblyTimeout is the lower bound on how long an incomplete
// reassembly is held before being discarded; a fragment whose TTL (in
// seconds) is larger extends it to that TTL.
const DefaultReassemblyTimeout = 30 * time.Second

// Resolver resolves a next hop's IPv4 address to a link-layer MAC, the
// narrow interface pkg/protocols/arp implements; kept here rather than
// importing the arp package directly so ipv4 has no hard dependency on it.
type Resolver interface {
	Resolve(ctx context.Context, local, remote netip.Addr, slot int, m protocol.Machiner) (network.MAC, error)
}

// Pair keys an IPv4 session by its two endpoints' addresses (no ports: port
// demultiplexing is the concern of the transport protocol riding on top).
type Pair struct {
	Src, Dst netip.Addr
}

// Protocol is the IPv4 network layer. One instance per machine.
type Protocol struct {
	id    protocol.ProtocolId
	pciID protocol.ProtocolId
	log   *zap.SugaredLogger

	table    rib.Table
	local    map[netip.Addr]int
	resolver Resolver

	reasm     *reassembly.Manager
	idCounter atomic.Uint32

	sessions *protocol.SessionMap[Pair, *Session]
}

// New constructs an IPv4 protocol identified by id, sending through the Pci
// protocol identified by pciID.
func New(id, pciID protocol.ProtocolId, log *zap.SugaredLogger) *Protocol {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Protocol{
		id:       id,
		pciID:    pciID,
		log:      log,
		local:    make(map[netip.Addr]int),
		reasm:    reassembly.NewManager(DefaultReassemblyTimeout),
		sessions: protocol.NewSessionMap[Pair, *Session](),
	}
}

// ID satisfies protocol.Protocol.
func (p *Protocol) ID() protocol.ProtocolId { return p.id }

// SetResolver installs the ARP (or other) resolver used when a route's next
// hop has no MAC recorded.
func (p *Protocol) SetResolver(r Resolver) { p.resolver = r }

// AddLocalAddress records addr as reachable on slot, used by callers that
// need to know which addresses this machine answers to.
func (p *Protocol) AddLocalAddress(addr netip.Addr, slot int) {
	p.local[addr] = slot
}

// AddRoute installs a routing table entry.
func (p *Protocol) AddRoute(prefix netip.Prefix, recipient rib.Recipient) {
	p.table.Insert(prefix, recipient)
}

// Start has no background work of its own beyond the standard barrier
// handshake; all of IPv4's work happens synchronously inside Demux/Send.
func (p *Protocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	if err := barrier.Wait(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Open returns the session routing traffic from local to remote on behalf
// of upstream, constructing it (and resolving a route/MAC/downstream pci
// session) on first use.
func (p *Protocol) Open(upstream protocol.ProtocolId, local, remote netip.Addr, m protocol.Machiner) (*Session, error) {
	key := Pair{Src: local, Dst: remote}
	return p.sessions.LoadOrCreate(key, func() (*Session, error) {
		return p.buildSession(upstream, local, remote, m)
	})
}

func (p *Protocol) buildSession(upstream protocol.ProtocolId, local, remote netip.Addr, m protocol.Machiner) (*Session, error) {
	recipient, ok := p.table.Lookup(remote)
	if !ok {
		return nil, ErrNoRoute{Dest: remote}
	}

	var mac network.MAC
	if recipient.MAC != nil {
		mac = *recipient.MAC
	} else if p.resolver != nil {
		resolved, err := p.resolver.Resolve(context.Background(), local, remote, recipient.Slot, m)
		if err != nil {
			return nil, err
		}
		mac = resolved
	} else {
		return nil, ErrNoResolver{Dest: remote}
	}

	downstream, ok := machine.ProtocolAs[*pci.Pci](m, p.pciID)
	if !ok {
		return nil, protocol.ErrMissingProtocol
	}

	pciSession, err := downstream.Open(p.id, recipient.Slot, mac)
	if err != nil {
		return nil, err
	}

	mtu, err := downstream.MTU(recipient.Slot)
	if err != nil {
		return nil, err
	}
	// Fragments are sized against the raw network MTU, but every fragment
	// still has to cross Pci, which prepends its own HeaderLen-byte frame
	// and re-checks the framed length against that same MTU. Reserve that
	// framing overhead here so a maximal fragment still fits once framed.
	mtu -= pci.HeaderLen

	return &Session{
		proto:      p,
		upstream:   upstream,
		local:      local,
		remote:     remote,
		slot:       recipient.Slot,
		mtu:        mtu,
		downstream: pciSession,
	}, nil
}

// Demux parses an inbound IPv4 datagram, drops it if its header checksum
// does not verify, reassembles it first if it
// arrived fragmented, then dispatches the payload to the protocol named by
// the header's Protocol field.
func (p *Protocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	hdr := &layers.IPv4{}
	if err := hdr.DecodeFromBytes(msg.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return err
	}

	// One's-complement sum over the header including its checksum field;
	// a valid header sums to 0xffff.
	var sum uint32
	for i := 0; i+1 < len(hdr.Contents); i += 2 {
		sum += uint32(hdr.Contents[i])<<8 | uint32(hdr.Contents[i+1])
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	if sum != 0xffff {
		p.log.Warnw("dropping ipv4 datagram with invalid header checksum", "id", hdr.Id)
		return nil
	}

	fragmented := hdr.FragOffset != 0 || hdr.Flags&layers.IPv4MoreFragments != 0
	payload := hdr.Payload

	finalHeader := *hdr
	if fragmented {
		src, ok1 := netip.AddrFromSlice(hdr.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(hdr.DstIP.To4())
		if !ok1 || !ok2 {
			p.log.Warnw("dropping fragment with unparsable address")
			return nil
		}

		datagram, done := p.reasm.Add(reassembly.Key{Src: src, Dst: dst, ID: hdr.Id}, reassembly.Fragment{
			Header:        *hdr,
			Offset:        int(hdr.FragOffset) * 8,
			MoreFragments: hdr.Flags&layers.IPv4MoreFragments != 0,
			Payload:       hdr.Payload,
		})
		if !done {
			return nil
		}
		finalHeader = datagram.Header
		payload = datagram.Payload
	}

	upstreamID := protocol.ProtocolId(finalHeader.Protocol)
	upper, ok := m.Protocol(upstreamID)
	if !ok {
		p.log.Warnw("dropping datagram for unknown upstream protocol", "protocol_id", upstreamID)
		return nil
	}

	src, _ := netip.AddrFromSlice(finalHeader.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(finalHeader.DstIP.To4())

	ctl.Insert(control.KeyIPv4Header, packAddrs(src, dst))

	replySession, err := p.Open(upstreamID, dst, src, m)
	if err != nil {
		p.log.Warnw("failed constructing reply session for inbound datagram", "error", err)
		return nil
	}

	return upper.Demux(message.New(payload), replySession, ctl, m)
}

func packAddrs(src, dst netip.Addr) control.Value {
	s := src.As4()
	d := dst.As4()
	packed := uint64(s[0])<<56 | uint64(s[1])<<48 | uint64(s[2])<<40 | uint64(s[3])<<32 |
		uint64(d[0])<<24 | uint64(d[1])<<16 | uint64(d[2])<<8 | uint64(d[3])
	return control.NewValue[uint64](packed)
}

// UnpackAddrs recovers the source and destination addresses packed under
// control.KeyIPv4Header by Demux.
func UnpackAddrs(v control.Value) (src, dst netip.Addr) {
	packed := control.As[uint64](v)
	srcBytes := [4]byte{byte(packed >> 56), byte(packed >> 48), byte(packed >> 40), byte(packed >> 32)}
	dstBytes := [4]byte{byte(packed >> 24), byte(packed >> 16), byte(packed >> 8), byte(packed)}
	return netip.AddrFrom4(srcBytes), netip.AddrFrom4(dstBytes)
}
