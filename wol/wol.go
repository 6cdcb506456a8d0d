// Package wol implements the Wake-on-LAN magic packet format and a UDP
// broadcaster for it. The gateway uses it to wake the upstream host when
// the tunnel is healthy but the machine behind it has gone to sleep.
package wol

import (
	"bytes"
	"context"
	"net"

	"golang.org/x/xerrors"
)

const (
	// HardwareAddrLen is the length of an EUI-48 hardware address.
	HardwareAddrLen = 6
	// headerLen is the length of the synchronization stream: six bytes
	// of 0xFF.
	headerLen = 6
	// addrRepetitions is how many times the hardware address is repeated
	// after the synchronization stream.
	addrRepetitions = 16
	// PacketLen is the total size of a magic packet.
	PacketLen = headerLen + addrRepetitions*HardwareAddrLen

	// DefaultPort is the conventional discard port magic packets are
	// broadcast to. Port 7 is also seen in the wild; either works since
	// the NIC only inspects the payload.
	DefaultPort = 9
)

// MagicPacket is an encoded wake frame for a single hardware address.
type MagicPacket [PacketLen]byte

// Encode builds the magic packet for hw: six 0xFF bytes followed by the
// hardware address repeated sixteen times.
func Encode(hw net.HardwareAddr) (MagicPacket, error) {
	var pkt MagicPacket
	if len(hw) != HardwareAddrLen {
		return pkt, xerrors.Errorf("hardware address must be %d bytes, got %d", HardwareAddrLen, len(hw))
	}
	for i := 0; i < headerLen; i++ {
		pkt[i] = 0xFF
	}
	for i := 0; i < addrRepetitions; i++ {
		copy(pkt[headerLen+i*HardwareAddrLen:], hw)
	}
	return pkt, nil
}

// Decode validates a received frame and returns the hardware address it
// wakes. All sixteen repetitions must match.
func Decode(frame []byte) (net.HardwareAddr, error) {
	if len(frame) != PacketLen {
		return nil, xerrors.Errorf("frame must be %d bytes, got %d", PacketLen, len(frame))
	}
	for i := 0; i < headerLen; i++ {
		if frame[i] != 0xFF {
			return nil, xerrors.Errorf("byte %d of synchronization stream is %#x, want 0xff", i, frame[i])
		}
	}
	hw := net.HardwareAddr(frame[headerLen : headerLen+HardwareAddrLen])
	for i := 1; i < addrRepetitions; i++ {
		rep := frame[headerLen+i*HardwareAddrLen : headerLen+(i+1)*HardwareAddrLen]
		if !bytes.Equal(hw, rep) {
			return nil, xerrors.Errorf("address repetition %d does not match the first", i)
		}
	}
	return hw, nil
}

// Wake encodes and broadcasts a magic packet for hw to the given UDP
// broadcast address, e.g. "192.168.1.255:9".
func Wake(ctx context.Context, broadcast string, hw net.HardwareAddr) error {
	pkt, err := Encode(hw)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", broadcast)
	if err != nil {
		return xerrors.Errorf("dial broadcast address %q: %w", broadcast, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	n, err := conn.Write(pkt[:])
	if err != nil {
		return xerrors.Errorf("write magic packet: %w", err)
	}
	if n != PacketLen {
		return xerrors.Errorf("short write: %d of %d bytes", n, PacketLen)
	}
	return nil
}
