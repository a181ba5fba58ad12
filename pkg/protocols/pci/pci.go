// Package pci implements the bottom-most protocol in every stack: it
// frames outgoing messages with an 8-byte big-endian protocol identifier,
// submits them to the attached network fabric, and on ingress strips that
// framing and demultiplexes to the identified upper protocol.
package pci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/elvis-sim/elvis/pkg/control"
	"github.com/elvis-sim/elvis/pkg/message"
	"github.com/elvis-sim/elvis/pkg/network"
	"github.com/elvis-sim/elvis/pkg/protocol"
)

// HeaderLen is the size, in bytes, of the framing Pci prepends to every
// outgoing message. Upstream protocols that fragment to a network's MTU
// must reserve this many bytes so the framed message still fits.
const HeaderLen = 8

// ErrNoSuchSlot is returned by Open when slot is out of range.
type ErrNoSuchSlot struct {
	Slot  int
	Count int
}

func (e ErrNoSuchSlot) Error() string {
	return fmt.Sprintf("pci: slot %d out of range (have %d slots)", e.Slot, e.Count)
}

type attachment struct {
	net      *network.Network
	inbound  <-chan network.Delivery
	detach   func()
	localMAC uint64
}

// Pci is the network-facing protocol every machine has at least one of.
// Each attached network occupies one "slot".
type Pci struct {
	id  protocol.ProtocolId
	log *zap.SugaredLogger

	slots []*attachment
}

// New constructs an empty Pci protocol instance identified by id.
func New(id protocol.ProtocolId, log *zap.SugaredLogger) *Pci {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pci{id: id, log: log}
}

// ID satisfies protocol.Protocol.
func (p *Pci) ID() protocol.ProtocolId { return p.id }

// Attach binds a network to the next free slot under localMAC, returning
// the slot index.
func (p *Pci) Attach(net *network.Network, localMAC uint64) int {
	inbound, detach := net.Attach(localMAC)
	p.slots = append(p.slots, &attachment{net: net, inbound: inbound, detach: detach, localMAC: localMAC})
	return len(p.slots) - 1
}

// MTU returns the MTU of the network bound to slot.
func (p *Pci) MTU(slot int) (int, error) {
	if slot < 0 || slot >= len(p.slots) {
		return 0, ErrNoSuchSlot{Slot: slot, Count: len(p.slots)}
	}
	return p.slots[slot].net.MTU(), nil
}

// LocalMACs returns the MAC address bound to each slot, in slot order.
func (p *Pci) LocalMACs() []uint64 {
	macs := make([]uint64, len(p.slots))
	for i, s := range p.slots {
		macs[i] = s.localMAC
	}
	return macs
}

// Open constructs a Session that frames outgoing messages for upstream
// (the caller's own protocol id) and submits them to slot addressed to
// dest. It is the bottom of every send chain: IPv4/ARP/etc. call Open on
// Pci once they've resolved a destination MAC.
func (p *Pci) Open(upstream protocol.ProtocolId, slot int, dest network.MAC) (protocol.Session, error) {
	if slot < 0 || slot >= len(p.slots) {
		return nil, ErrNoSuchSlot{Slot: slot, Count: len(p.slots)}
	}
	return &session{pci: p, slot: slot, upstream: upstream, dest: dest}, nil
}

// Start runs one ingress loop per attached slot until ctx is cancelled.
func (p *Pci) Start(ctx context.Context, shutdown protocol.Shutdown, barrier *protocol.Barrier, m protocol.Machiner) error {
	barrier.Arrive()
	if err := barrier.Wait(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i, slot := range p.slots {
		wg.Add(1)
		go func(i int, slot *attachment) {
			defer wg.Done()
			p.ingressLoop(ctx, i, slot, m)
		}(i, slot)
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (p *Pci) ingressLoop(ctx context.Context, slot int, a *attachment, m protocol.Machiner) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-a.inbound:
			if !ok {
				return
			}
			p.demuxDelivery(slot, d, m)
		}
	}
}

func (p *Pci) demuxDelivery(slot int, d network.Delivery, m protocol.Machiner) {
	if d.Message.Len() < HeaderLen {
		p.log.Warnw("dropping frame shorter than pci header", "slot", slot, "len", d.Message.Len())
		return
	}

	headerBytes := d.Message.Slice(0, HeaderLen).Bytes()
	upstreamID := protocol.ProtocolId(binary.BigEndian.Uint64(headerBytes))
	body := d.Message.Slice(HeaderLen, d.Message.Len())

	upper, ok := m.Protocol(upstreamID)
	if !ok {
		p.log.Warnw("dropping frame for unknown upstream protocol", "slot", slot, "protocol_id", upstreamID)
		return
	}

	ctl := d.Control
	if !ctl.Has(control.KeyPCISlot) {
		ctl.Insert(control.KeyPCISlot, control.NewValue[uint32](uint32(slot)))
	}

	caller, err := p.Open(upstreamID, slot, network.Unicast(d.Source))
	if err != nil {
		p.log.Errorw("failed constructing reply session for inbound frame", "slot", slot, "error", err)
		return
	}

	if err := upper.Demux(body, caller, ctl, m); err != nil {
		p.log.Warnw("upstream demux failed", "slot", slot, "protocol_id", upstreamID, "error", err)
	}
}

// Demux is unused: Pci sits at the bottom of the stack and never receives
// frames through the Session/Protocol demux path, only through its own
// ingress loop reading directly off the attached Network.
func (p *Pci) Demux(msg message.Message, caller protocol.Session, ctl control.Control, m protocol.Machiner) error {
	return fmt.Errorf("pci: Demux is not supported, pci is the network-facing boundary")
}

type session struct {
	pci      *Pci
	slot     int
	upstream protocol.ProtocolId
	dest     network.MAC
}

// Send frames msg with the 8-byte big-endian upstream protocol id and
// submits it to the bound network, returning network.ErrMTUExceeded if the
// framed message would exceed the network's MTU (checked here, rather than
// left to Network.Send's panic, since this is the boundary where an
// oversized message is the caller's input, not an internal bug).
func (s *session) Send(msg message.Message, m protocol.Machiner) error {
	var header [HeaderLen]byte
	binary.BigEndian.PutUint64(header[:], uint64(s.upstream))
	framed := msg.Prepend(header[:])

	mtu, err := s.pci.MTU(s.slot)
	if err != nil {
		return err
	}
	if framed.Len() > mtu {
		return network.ErrMTUExceeded{Len: framed.Len(), MTU: datasize.ByteSize(mtu)}
	}

	a := s.pci.slots[s.slot]
	return a.net.Send(context.Background(), network.Delivery{
		Message:     framed,
		Source:      a.localMAC,
		Destination: s.dest,
	})
}

// Receive is unused on a pci session: inbound frames are handled by the
// ingress loop, never replayed back through the session that represents
// them.
func (s *session) Receive(msg message.Message, ctl control.Control, m protocol.Machiner) error {
	return fmt.Errorf("pci: Receive is not supported on a pci session")
}

func (s *session) Query(key control.Key) (control.Value, bool) {
	if key == control.KeyPCISlot {
		return control.NewValue[uint32](uint32(s.slot)), true
	}
	return control.Value{}, false
}
