package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	ipv4Len = 4
	ipv6Len = 16

	compactStrideV4 = ipv4Len + 2 // 4 bytes address + 2 bytes port
	compactStrideV6 = ipv6Len + 2
)

// decodePeers decodes a tracker announce response's "peers" field, which may
// arrive as a compact byte string (BEP 23) or as a list of {ip, port}
// dictionaries (the original, pre-compact form).
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), ipv6)
	case []byte:
		return decodeCompactPeers(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

// decodeCompactPeers splits data into fixed-width address+port chunks.
func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := compactStrideV4
	decodeOne := decodeCompactV4
	if ipv6 {
		stride = compactStrideV6
		decodeOne = decodeCompactV6
	}

	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (len=%d, stride=%d)", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i := range out {
		out[i] = decodeOne(data[i*stride : (i+1)*stride])
	}

	return out, nil
}

func decodeCompactV4(chunk []byte) netip.AddrPort {
	addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
	port := binary.BigEndian.Uint16(chunk[ipv4Len:compactStrideV4])
	return netip.AddrPortFrom(addr, port)
}

func decodeCompactV6(chunk []byte) netip.AddrPort {
	var raw [ipv6Len]byte
	copy(raw[:], chunk[:ipv6Len])
	addr := netip.AddrFrom16(raw)
	port := binary.BigEndian.Uint16(chunk[ipv6Len:compactStrideV6])
	return netip.AddrPortFrom(addr, port)
}

// decodeDictPeers decodes the non-compact peer list form: each entry a dict
// with an "ip" (string or raw address bytes) and integer "port".
func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, entry := range list {
		dict, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		addr, err := decodeDictAddr(dict["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d]: %w", i, err)
		}

		port, ok := dict["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d]: invalid port %v", i, dict["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}

func decodeDictAddr(v any) (netip.Addr, error) {
	switch ip := v.(type) {
	case string:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", ip, err)
		}
		return addr, nil
	case []byte:
		switch len(ip) {
		case ipv4Len:
			return netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]}), nil
		case ipv6Len:
			var raw [ipv6Len]byte
			copy(raw[:], ip)
			return netip.AddrFrom16(raw), nil
		default:
			return netip.Addr{}, fmt.Errorf("bad ip bytes len=%d", len(ip))
		}
	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", v)
	}
}
