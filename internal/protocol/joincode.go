package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
)

const joinCodeBytes = 6

// EncodeJoinCode renders the host's IPv4 address and port as the hex join code
// shared with the joining player.
func EncodeJoinCode(addr netip.AddrPort) (string, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return "", fmt.Errorf("join code: %s is not an IPv4 address", addr.Addr())
	}
	var raw [joinCodeBytes]byte
	v4 := ip.As4()
	copy(raw[:4], v4[:])
	binary.BigEndian.PutUint16(raw[4:], addr.Port())
	return hex.EncodeToString(raw[:]), nil
}

// DecodeJoinCode parses a code produced by EncodeJoinCode.
func DecodeJoinCode(code string) (netip.AddrPort, error) {
	raw, err := hex.DecodeString(code)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("join code %q: %w", code, err)
	}
	if len(raw) != joinCodeBytes {
		return netip.AddrPort{}, fmt.Errorf("join code %q: want %d bytes, got %d", code, joinCodeBytes, len(raw))
	}
	ip := netip.AddrFrom4([4]byte(raw[:4]))
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(raw[4:])), nil
}
