package wgpeer

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrPoolExhausted means every host address in the configured pool CIDR is
// already assigned to a device.
var ErrPoolExhausted = errors.New("wireguard address pool exhausted")

// poolHosts enumerates every host address in cidr in ascending order. The
// network and broadcast addresses of the prefix are not special-cased
// beyond being included in iteration order; callers reserve hosts[0] for
// the server itself per spec.md §4.J step 3.
func poolHosts(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing wg pool cidr %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("wg pool cidr %q must be IPv4", cidr)
	}
	prefix = prefix.Masked()

	var hosts []netip.Addr
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}
	return hosts, nil
}

// firstFreeAddress returns the first address in cidr, after the first host
// (reserved for the server), not present in used.
func firstFreeAddress(cidr string, used map[string]struct{}) (netip.Addr, error) {
	hosts, err := poolHosts(cidr)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(hosts) < 2 {
		return netip.Addr{}, fmt.Errorf("wg pool cidr %q has no usable host addresses", cidr)
	}

	for _, h := range hosts[1:] {
		if _, taken := used[h.String()]; !taken {
			return h, nil
		}
	}
	return netip.Addr{}, ErrPoolExhausted
}
