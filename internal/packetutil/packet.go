// Package packetutil implements the IP/TCP/UDP/ICMP packet helpers consumed
// by the UDP proxy pool to wrap inbound datagrams back into IP packets
// addressed to the originating client, and by the wider data plane to
// synthesize ICMP/TCP error replies. It is a narrow, self-contained
// collaborator: nothing outside the pool's inbound-delivery path calls into
// it.
package packetutil

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40
	icmpHeaderLen    = 8
	// DefaultTTL is used for synthesized packets that originate at this host.
	DefaultTTL uint8 = 255
	// maxEchoedBytes is how much of the offending packet is embedded in a
	// synthesized ICMP Destination Unreachable message.
	maxEchoedBytes = 28
	// lengthPrefixHeaderLen is the size of the length-prefix framing header:
	// 2 reserved bytes followed by a big-endian uint16 total length.
	lengthPrefixHeaderLen = 4
)

// RawPacket is a fully serialized packet ready to be written to a socket or
// tunnel, or one read off the wire awaiting decode.
type RawPacket struct {
	Data []byte
}

// Packet is anything that can be serialized into a RawPacket.
type Packet interface {
	IPLayer() *IP
	EncodeLayers() ([]gopacket.SerializableLayer, error)
}

// IP is the generic IPv4/IPv6 envelope shared by every packet kind this
// package produces.
type IP struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol layers.IPProtocol
	TTL      uint8
}

func (ip *IP) IPLayer() *IP { return ip }

func (ip *IP) isIPv4() bool { return ip.Src.Is4() }

func (ip *IP) EncodeLayers() ([]gopacket.SerializableLayer, error) {
	if ip.isIPv4() {
		return []gopacket.SerializableLayer{&layers.IPv4{
			Version:  4,
			SrcIP:    ip.Src.AsSlice(),
			DstIP:    ip.Dst.AsSlice(),
			Protocol: ip.Protocol,
			TTL:      ip.TTL,
		}}, nil
	}
	return []gopacket.SerializableLayer{&layers.IPv6{
		Version:    6,
		SrcIP:      ip.Src.AsSlice(),
		DstIP:      ip.Dst.AsSlice(),
		NextHeader: ip.Protocol,
		HopLimit:   ip.TTL,
	}}, nil
}

// UDP is an IP packet carrying a UDP datagram. It is what the proxy pool's
// inbound-delivery path produces: a reply from destination_ep is rewrapped
// as destination_ep -> source_ep before being pushed into the client tunnel.
type UDP struct {
	*IP
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// NewUDP builds a UDP packet addressed src -> dst with the given ports and
// payload, defaulting TTL to DefaultTTL.
func NewUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) *UDP {
	return &UDP{
		IP: &IP{
			Src:      src,
			Dst:      dst,
			Protocol: layers.IPProtocolUDP,
			TTL:      DefaultTTL,
		},
		SrcPort: srcPort,
		DstPort: dstPort,
		Payload: payload,
	}
}

func (u *UDP) EncodeLayers() ([]gopacket.SerializableLayer, error) {
	ipLayers, err := u.IP.EncodeLayers()
	if err != nil {
		return nil, err
	}
	udpLayer := &layers.UDP{
		SrcPort: layers.UDPPort(u.SrcPort),
		DstPort: layers.UDPPort(u.DstPort),
	}
	if err := setNetworkLayerForChecksum(udpLayer, ipLayers[0]); err != nil {
		return nil, err
	}
	return append(ipLayers, udpLayer, gopacket.Payload(u.Payload)), nil
}

// TCP is an IP packet carrying a TCP segment. The proxy core only ever
// synthesizes RST segments with it; it is not used to proxy TCP payload
// (that belongs to the out-of-scope tunnel reader/writer).
type TCP struct {
	*IP
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	SYN     bool
	ACK     bool
	RST     bool
}

func (t *TCP) EncodeLayers() ([]gopacket.SerializableLayer, error) {
	ipLayers, err := t.IP.EncodeLayers()
	if err != nil {
		return nil, err
	}
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(t.SrcPort),
		DstPort: layers.TCPPort(t.DstPort),
		Seq:     t.Seq,
		Ack:     t.Ack,
		SYN:     t.SYN,
		ACK:     t.ACK,
		RST:     t.RST,
		Window:  0,
	}
	if err := setNetworkLayerForChecksum(tcpLayer, ipLayers[0]); err != nil {
		return nil, err
	}
	return append(ipLayers, tcpLayer), nil
}

func setNetworkLayerForChecksum(layer gopacket.SerializableLayer, networkLayer gopacket.SerializableLayer) error {
	switch l := layer.(type) {
	case *layers.UDP:
		nl, ok := networkLayer.(gopacket.NetworkLayer)
		if !ok {
			return fmt.Errorf("network layer does not implement gopacket.NetworkLayer")
		}
		return l.SetNetworkLayerForChecksum(nl)
	case *layers.TCP:
		nl, ok := networkLayer.(gopacket.NetworkLayer)
		if !ok {
			return fmt.Errorf("network layer does not implement gopacket.NetworkLayer")
		}
		return l.SetNetworkLayerForChecksum(nl)
	default:
		return fmt.Errorf("unsupported layer type %T", layer)
	}
}

// NewTCPReset synthesizes a TCP RST for the given original packet, per
// RFC 793: if the original was a SYN without ACK, the reset acknowledges it
// (ACK=1, seq=0, ack=orig.seq+1); otherwise the reset mirrors the original's
// sequencing (seq=ack=orig.ack).
func NewTCPReset(original *TCP) *TCP {
	reset := &TCP{
		IP: &IP{
			Src:      original.Dst,
			Dst:      original.Src,
			Protocol: layers.IPProtocolTCP,
			TTL:      DefaultTTL,
		},
		SrcPort: original.DstPort,
		DstPort: original.SrcPort,
		RST:     true,
	}
	if original.SYN && !original.ACK {
		reset.ACK = true
		reset.Seq = 0
		reset.Ack = original.Seq + 1
	} else {
		reset.Seq = original.Ack
		reset.Ack = original.Ack
	}
	return reset
}

// ICMP is an IP packet carrying an ICMP message.
type ICMP struct {
	*IP
	*icmp.Message
}

func (i *ICMP) EncodeLayers() ([]gopacket.SerializableLayer, error) {
	ipLayers, err := i.IP.EncodeLayers()
	if err != nil {
		return nil, err
	}
	msg, err := i.Marshal(nil)
	if err != nil {
		return nil, err
	}
	return append(ipLayers, gopacket.Payload(msg)), nil
}

// NewICMPUnreachable synthesizes an ICMPv4/ICMPv6 Destination Unreachable
// reply to originalIP, embedding the first min(len(originalPacket), 28)
// bytes of the offending packet, sourced from routerIP.
func NewICMPUnreachable(originalIP *IP, originalPacket RawPacket, routerIP netip.Addr) *ICMP {
	var (
		protocol layers.IPProtocol
		icmpType icmp.Type
	)
	if originalIP.Dst.Is4() {
		protocol = layers.IPProtocolICMPv4
		icmpType = ipv4.ICMPTypeDestinationUnreachable
	} else {
		protocol = layers.IPProtocolICMPv6
		icmpType = ipv6.ICMPTypeDestinationUnreachable
	}

	return &ICMP{
		IP: &IP{
			Src:      routerIP,
			Dst:      originalIP.Src,
			Protocol: protocol,
			TTL:      DefaultTTL,
		},
		Message: &icmp.Message{
			Type: icmpType,
			Code: 0,
			Body: &icmp.DstUnreach{
				Data: echoedBytes(originalPacket),
			},
		},
	}
}

func echoedBytes(original RawPacket) []byte {
	n := len(original.Data)
	if n > maxEchoedBytes {
		n = maxEchoedBytes
	}
	return original.Data[:n]
}

// Encoder serializes a Packet into a RawPacket, recomputing lengths and
// checksums. The internal buffer is reused across calls, so Encoder is not
// safe for concurrent use.
type Encoder struct {
	buf gopacket.SerializeBuffer
}

func NewEncoder() *Encoder {
	return &Encoder{buf: gopacket.NewSerializeBuffer()}
}

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// Encode serializes pk, recomputing IP/TCP/UDP/ICMP checksums.
func (e *Encoder) Encode(pk Packet) (RawPacket, error) {
	encodedLayers, err := pk.EncodeLayers()
	if err != nil {
		return RawPacket{}, err
	}
	if err := gopacket.SerializeLayers(e.buf, serializeOpts, encodedLayers...); err != nil {
		return RawPacket{}, err
	}
	data := make([]byte, len(e.buf.Bytes()))
	copy(data, e.buf.Bytes())
	return RawPacket{Data: data}, nil
}

// RecomputeChecksums re-serializes pk so its IP/TCP/UDP/ICMP checksums
// reflect its current contents. It is a convenience wrapper around a
// throwaway Encoder for callers that don't need to reuse a buffer.
func RecomputeChecksums(pk Packet) (RawPacket, error) {
	return NewEncoder().Encode(pk)
}

// FindIPVersion returns the IP version (4 or 6) encoded in the first byte of
// a raw packet.
func FindIPVersion(p []byte) (uint8, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("packet length is 0")
	}
	return p[0] >> 4, nil
}

// ErrInvalidPacketLength is returned by ParseNextPacket when the declared
// length doesn't fit a valid IP packet within the remaining buffer.
var ErrInvalidPacketLength = fmt.Errorf("invalid packet length")

// ParseNextPacket reads one length-prefixed packet from the front of buf.
// The frame is a 4-byte header (2 reserved bytes followed by a big-endian
// uint16 packet length) followed by that many bytes of packet data. It
// returns the packet's raw bytes and the remainder of buf after it.
func ParseNextPacket(buf []byte) (RawPacket, []byte, error) {
	if len(buf) < lengthPrefixHeaderLen {
		return RawPacket{}, nil, ErrInvalidPacketLength
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if int(length) < ipv4MinHeaderLen {
		return RawPacket{}, nil, ErrInvalidPacketLength
	}
	end := lengthPrefixHeaderLen + int(length)
	if len(buf) < end {
		return RawPacket{}, nil, ErrInvalidPacketLength
	}
	return RawPacket{Data: buf[lengthPrefixHeaderLen:end]}, buf[end:], nil
}
