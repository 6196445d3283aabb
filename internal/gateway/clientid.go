package gateway

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// ClientIDLen is the length of a client identity: 8 hex digits of the
// gateway's internal IPv4 address, 4 of its internal port and 8 of the
// connection counter. Anyone holding an ID can find the owning gateway.
const ClientIDLen = 20

// EncodeClientID builds the identity of connection seq on the gateway
// whose internal endpoint is ip:port.
func EncodeClientID(ip net.IP, port int, seq uint32) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("gateway: lan_ip %s is not IPv4", ip)
	}
	if port <= 0 || port > 0xffff {
		return "", fmt.Errorf("gateway: bad internal port %d", port)
	}
	return fmt.Sprintf("%s%04x%08x", hex.EncodeToString(v4), port, seq), nil
}

// DecodeClientID returns the internal gateway address ("ip:port") and the
// connection counter encoded in id.
func DecodeClientID(id string) (string, uint32, error) {
	if len(id) != ClientIDLen {
		return "", 0, fmt.Errorf("gateway: invalid client id %q", id)
	}
	ipb, err := hex.DecodeString(id[:8])
	if err != nil {
		return "", 0, fmt.Errorf("gateway: invalid client id %q: %w", id, err)
	}
	port, err := strconv.ParseUint(id[8:12], 16, 16)
	if err != nil {
		return "", 0, fmt.Errorf("gateway: invalid client id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(id[12:], 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("gateway: invalid client id %q: %w", id, err)
	}
	addr := net.JoinHostPort(net.IP(ipb).String(), strconv.Itoa(int(port)))
	return addr, uint32(seq), nil
}
