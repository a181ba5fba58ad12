// Package arp resolves IPv4 addresses to link-layer MAC addresses,
// satisfying pkg/protocols/ipv4's Resolver interface. Resolution blocks the
// caller on a per-request waiter channel until a reply arrives or the
// caller's context is cancelled, rather than leaving the behavior
// unspecified.
package arp

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"go.uber.org/zap"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/machine"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
	"github.com/elvis-sim/elvis/pkg/protocols/pci"
)

// Pair identifies a resolution by the local address doing the asking and
// the remote address being resolved.
type Pair struct {
	Local  netip.Addr
	Remote netip.Addr
}

type pendingEntry struct {
	mac      network.MAC
	resolved bool
	waiters  []chan network.MAC
}

// Protocol is the ARP resolver. One instance per machine.
type Protocol struct {
	id     protocol.ProtocolId
	pciID  protocol.ProtocolId
	log    *zap.SugaredLogger

	mu         sync.Mutex
	localAddrs map[netip.Addr]struct{}
	entries    map[Pair]*pendingEntry
}

// New constructs an ARP protocol identified by id, broadcasting and
// listening for requests/replies directly atop the PCI protocol identified
// by pciID.
func New(id, pciID protocol.ProtocolId, log *zap.SugaredLogger) *Protocol {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Protocol{
		id:         id,
		pciID:      pciID,
		log:        log,
		localAddrs: make(map[netip.Addr]struct{}),
		entries:    make(map[Pair]*pendingEntry),
	}
}

// ID satisfies protocol.Protocol.
func (p *Protocol) ID() protocol.ProtocolId { return p.id }

// AddLocalAddress marks addr as owned by this machine: an ARP request for
// addr is answered with the local MAC on the slot it arrived on.
func (p *Protocol) AddLocalAddress(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localAddrs[addr] = struct{}{}
}

// Start has no background work: resolution is driven entirely by Resolve
// calls and inbound Demux traffic.
func (p *Protocol) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	if err := barrier.Wait(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Resolve implements ipv4.Resolver: it returns the MAC already cached for
// (local, remote) if known, otherwise broadcasts an ARP request on slot and
// blocks until a reply arrives or ctx is cancelled.
func (p *Protocol) Resolve(ctx context.Context, local, remote netip.Addr, slot int, m protocol.Machiner) (network.MAC, error) {
	pair := Pair{Local: local, Remote: remote}

	p.mu.Lock()
	e, ok := p.entries[pair]
	if ok && e.resolved {
		mac := e.mac
		p.mu.Unlock()
		return mac, nil
	}
	if !ok {
		e = &pendingEntry{}
		p.entries[pair] = e
	}
	waiter := make(chan network.MAC, 1)
	e.waiters = append(e.waiters, waiter)
	firstRequester := !ok
	p.mu.Unlock()

	if firstRequester {
		if err := p.sendRequest(pair, slot, m); err != nil {
			return network.MAC{}, err
		}
	}

	select {
	case mac := <-waiter:
		return mac, nil
	case <-ctx.Done():
		return network.MAC{}, ctx.Err()
	}
}

func (p *Protocol) sendRequest(pair Pair, slot int, m protocol.Machiner) error {
	pc, ok := machine.ProtocolAs[*pci.Pci](m, p.pciID)
	if !ok {
		return protocol.ErrMissingProtocol
	}

	macs := pc.LocalMACs()
	if slot < 0 || slot >= len(macs) {
		return pci.ErrNoSuchSlot{Slot: slot, Count: len(macs)}
	}

	sess, err := pc.Open(p.id, slot, network.BroadcastMAC)
	if err != nil {
		return err
	}

	raw, err := buildPacket(layers.ARPRequest, macs[slot], pair.Local, 0, pair.Remote)
	if err != nil {
		return err
	}
	return sess.Send(message.New(raw), m)
}

// Demux handles an inbound ARP request (replying if the target address is
// local) or reply (resolving any pending waiters for it).
func (p *Protocol) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	hdr := &layers.ARP{}
	if err := hdr.DecodeFromBytes(msg.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return err
	}

	senderIP, ok := netip.AddrFromSlice(hdr.SourceProtAddress)
	if !ok {
		return nil
	}
	targetIP, ok := netip.AddrFromSlice(hdr.DstProtAddress)
	if !ok {
		return nil
	}
	senderMAC := macBits(hdr.SourceHwAddress)

	switch hdr.Operation {
	case layers.ARPRequest:
		return p.handleRequest(senderIP, targetIP, senderMAC, ctl, m)
	case layers.ARPReply:
		p.handleReply(targetIP, senderIP, senderMAC)
		return nil
	default:
		return nil
	}
}

func (p *Protocol) handleRequest(senderIP, targetIP netip.Addr, senderMAC uint64, ctl control.Control, m protocol.Machiner) error {
	p.mu.Lock()
	_, isLocal := p.localAddrs[targetIP]
	p.mu.Unlock()
	if !isLocal {
		return nil
	}

	slotVal, err := ctl.Get(control.KeyPCISlot)
	if err != nil {
		return err
	}
	slot := int(control.As[uint32](slotVal))

	pc, ok := machine.ProtocolAs[*pci.Pci](m, p.pciID)
	if !ok {
		return protocol.ErrMissingProtocol
	}
	macs := pc.LocalMACs()
	if slot < 0 || slot >= len(macs) {
		return pci.ErrNoSuchSlot{Slot: slot, Count: len(macs)}
	}

	sess, err := pc.Open(p.id, slot, network.Unicast(senderMAC))
	if err != nil {
		return err
	}

	raw, err := buildPacket(layers.ARPReply, macs[slot], targetIP, senderMAC, senderIP)
	if err != nil {
		return err
	}
	return sess.Send(message.New(raw), m)
}

func (p *Protocol) handleReply(local, remote netip.Addr, mac uint64) {
	pair := Pair{Local: local, Remote: remote}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[pair]
	if !ok {
		e = &pendingEntry{}
		p.entries[pair] = e
	}
	e.mac = network.Unicast(mac)
	e.resolved = true
	for _, w := range e.waiters {
		w <- e.mac
	}
	e.waiters = nil
}

func macBits(b net.HardwareAddr) uint64 {
	if len(b) < 6 {
		return 0
	}
	var buf [8]byte
	copy(buf[2:], b[:6])
	return binary.BigEndian.Uint64(buf[:])
}

func buildPacket(op uint16, senderMAC uint64, senderIP netip.Addr, targetMAC uint64, targetIP netip.Addr) ([]byte, error) {
	senderMACBytes := macBytes(senderMAC)
	targetMACBytes := macBytes(targetMAC)
	senderIPBytes := senderIP.As4()
	targetIPBytes := targetIP.As4()

	hdr := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   senderMACBytes,
		SourceProtAddress: senderIPBytes[:],
		DstHwAddress:      targetMACBytes,
		DstProtAddress:    targetIPBytes[:],
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &hdr); err != nil {
		return nil, err
	}

	raw := make([]byte, len(buf.Bytes()))
	copy(raw, buf.Bytes())
	return raw, nil
}

func macBytes(mac uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], mac)
	return buf[2:]
}
