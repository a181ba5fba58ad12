package ipv4

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// buildDatagrams renders hdr+payload to wire bytes, splitting into RFC 791
// §3.2 fragments if the combined length exceeds mtu. Each returned slice is
// one complete, independently-routable IPv4 datagram.
func buildDatagrams(hdr layers.IPv4, payload []byte, mtu int) ([][]byte, error) {
	if hdr.IHL == 0 {
		hdr.IHL = 5
	}
	headerLen := int(hdr.IHL) * 4
	totalLength := headerLen + len(payload)

	if totalLength <= mtu {
		hdr.Length = uint16(totalLength)
		hdr.FragOffset = 0
		raw, err := serialize(hdr, payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil
	}

	if hdr.Flags&layers.IPv4DontFragment != 0 {
		return nil, ErrDontFragmentSet{Len: totalLength, MTU: mtu}
	}

	nfb := (mtu - headerLen) / 8
	if nfb <= 0 {
		return nil, ErrDontFragmentSet{Len: totalLength, MTU: mtu}
	}
	chunkSize := nfb * 8

	var out [][]byte
	offset := 0
	for offset < len(payload) {
		end := offset + chunkSize
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}

		fragHdr := hdr
		fragHdr.FragOffset = uint16(offset / 8)
		fragHdr.Length = uint16(headerLen + (end - offset))
		if more {
			fragHdr.Flags |= layers.IPv4MoreFragments
		} else {
			fragHdr.Flags &^= layers.IPv4MoreFragments
		}

		raw, err := serialize(fragHdr, payload[offset:end])
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
		offset = end
	}

	return out, nil
}

func serialize(hdr layers.IPv4, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: false}
	if err := gopacket.SerializeLayers(buf, opts, &hdr, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
