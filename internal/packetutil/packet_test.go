package packetutil_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"

	"github.com/vpnhood/tunnelcore/internal/packetutil"
)

func TestEncodeUDPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("203.0.113.5")
	pk := packetutil.NewUDP(src, dst, 51820, 53, []byte("hello"))

	raw, err := packetutil.RecomputeChecksums(pk)
	require.NoError(t, err)
	require.NotEmpty(t, raw.Data)

	version, err := packetutil.FindIPVersion(raw.Data)
	require.NoError(t, err)
	require.Equal(t, uint8(4), version)
}

func TestNewTCPResetForSYN(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	original := &packetutil.TCP{
		IP:      &packetutil.IP{Src: src, Dst: dst},
		SrcPort: 1234,
		DstPort: 443,
		Seq:     1000,
		SYN:     true,
	}

	reset := packetutil.NewTCPReset(original)

	require.True(t, reset.RST)
	require.True(t, reset.ACK)
	require.Equal(t, uint32(0), reset.Seq)
	require.Equal(t, uint32(1001), reset.Ack)
	require.Equal(t, dst, reset.Src)
	require.Equal(t, src, reset.Dst)
	require.Equal(t, uint16(443), reset.SrcPort)
	require.Equal(t, uint16(1234), reset.DstPort)
}

func TestNewTCPResetForEstablished(t *testing.T) {
	original := &packetutil.TCP{
		IP:      &packetutil.IP{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")},
		SrcPort: 1234,
		DstPort: 443,
		Seq:     5000,
		Ack:     9000,
		ACK:     true,
	}

	reset := packetutil.NewTCPReset(original)

	require.True(t, reset.RST)
	require.False(t, reset.ACK)
	require.Equal(t, uint32(9000), reset.Seq)
	require.Equal(t, uint32(9000), reset.Ack)
}

func TestNewICMPUnreachableClampsEchoedBytes(t *testing.T) {
	originalIP := &packetutil.IP{
		Src: netip.MustParseAddr("10.0.0.1"),
		Dst: netip.MustParseAddr("10.0.0.2"),
	}
	bigPacket := packetutil.RawPacket{Data: make([]byte, 200)}
	for i := range bigPacket.Data {
		bigPacket.Data[i] = byte(i)
	}

	icmpPk := packetutil.NewICMPUnreachable(originalIP, bigPacket, netip.MustParseAddr("192.0.2.1"))

	require.Equal(t, originalIP.Src, icmpPk.Dst)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), icmpPk.Src)
	body, ok := icmpPk.Body.(*icmp.DstUnreach)
	require.True(t, ok)
	require.Equal(t, bigPacket.Data[:28], body.Data)
}

func TestParseNextPacketHappyPath(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0x45 // IPv4, header len 20
	frame := make([]byte, 4+len(payload))
	frame[2] = 0
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)

	pk, rest, err := packetutil.ParseNextPacket(frame)
	require.NoError(t, err)
	require.Equal(t, payload, pk.Data)
	require.Empty(t, rest)
}

func TestParseNextPacketRejectsTooShort(t *testing.T) {
	_, _, err := packetutil.ParseNextPacket([]byte{0, 0, 0})
	require.ErrorIs(t, err, packetutil.ErrInvalidPacketLength)
}

func TestParseNextPacketRejectsBelowIPv4Minimum(t *testing.T) {
	frame := []byte{0, 0, 0, 5, 1, 2, 3, 4, 5}
	_, _, err := packetutil.ParseNextPacket(frame)
	require.ErrorIs(t, err, packetutil.ErrInvalidPacketLength)
}

func TestParseNextPacketRejectsTruncatedBody(t *testing.T) {
	frame := []byte{0, 0, 0, 30, 1, 2, 3}
	_, _, err := packetutil.ParseNextPacket(frame)
	require.ErrorIs(t, err, packetutil.ErrInvalidPacketLength)
}

func TestParseNextPacketLeavesRemainder(t *testing.T) {
	first := make([]byte, 20)
	first[0] = 0x45
	frame := make([]byte, 4+len(first))
	frame[3] = byte(len(first))
	copy(frame[4:], first)
	frame = append(frame, []byte("trailing")...)

	pk, rest, err := packetutil.ParseNextPacket(frame)
	require.NoError(t, err)
	require.Equal(t, first, pk.Data)
	require.Equal(t, []byte("trailing"), rest)
}
