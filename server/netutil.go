package server

import (
	"fmt"
	"net"
	"strconv"
)

// GetHostPortFromAddr splits addr into host and port, best effort.
func GetHostPortFromAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// RemoteIP returns the IP part of addr, or the whole address when it has no
// port.
func RemoteIP(addr net.Addr) string {
	host, _ := GetHostPortFromAddr(addr)
	return host
}

// ParseTrustedNetworks parses CIDRs. A bare IP is taken as a single-host
// network.
func ParseTrustedNetworks(cidrs []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network '%s': not a valid IP address or CIDR", cidr)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// ContainsIP reports whether ip falls in any of networks.
func ContainsIP(networks []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
