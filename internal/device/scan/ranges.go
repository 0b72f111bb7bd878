package scan

import (
	"fmt"
	"net"
	"strings"
)

// Expand turns scan ranges into candidate host addresses. A range is
// either a /24 CIDR, expanded to hosts 1..254 (the network and
// broadcast addresses are never candidates), or a single host address.
func Expand(ranges []string) ([]string, error) {
	var hosts []string
	for _, r := range ranges {
		expanded, err := expandRange(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", r, err)
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, nil
}

func expandRange(r string) ([]string, error) {
	if r == "" {
		return nil, fmt.Errorf("empty range")
	}

	if strings.Contains(r, "/") {
		_, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			return nil, err
		}
		base := ipnet.IP.To4()
		if base == nil {
			return nil, fmt.Errorf("only IPv4 ranges are supported")
		}
		if ones, _ := ipnet.Mask.Size(); ones != 24 {
			return nil, fmt.Errorf("only /24 ranges are supported, got /%d", ones)
		}

		hosts := make([]string, 0, 254)
		for h := 1; h <= 254; h++ {
			hosts = append(hosts, fmt.Sprintf("%d.%d.%d.%d", base[0], base[1], base[2], h))
		}
		return hosts, nil
	}

	if err := ValidateHost(r); err != nil {
		return nil, err
	}
	return []string{r}, nil
}

// ValidateHost checks that addr is a usable IPv4 host address. The
// network (.0) and broadcast (.255) addresses of a /24 are rejected.
func ValidateHost(addr string) error {
	octets, err := parseHost(addr)
	if err != nil {
		return err
	}
	switch octets[3] {
	case 0:
		return fmt.Errorf("%s is a network address, not a host", addr)
	case 255:
		return fmt.Errorf("%s is a broadcast address, not a host", addr)
	}
	return nil
}

// ValidatePort checks that p is a usable TCP port.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}

func parseHost(addr string) ([4]byte, error) {
	var octets [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		return octets, fmt.Errorf("invalid address %q", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return octets, fmt.Errorf("only IPv4 addresses are supported, got %q", addr)
	}
	copy(octets[:], v4)
	return octets, nil
}
