package sensors

import (
	"context"
	"regexp"
	"strings"

	"github.com/go-routeros/routeros/v3"
	"github.com/jellydator/ttlcache/v3"
)

// Kind is a resolved (not hinted) interface classification.
type Kind string

const (
	KindResolvedEthernet Kind = "ethernet"
	KindResolvedVLAN     Kind = "vlan"
)

var vlanNameSuffix = regexp.MustCompile(`\.\d+$`)

// ifaceCacheKey identifies one (device_ip, iface_name) pair.
type ifaceCacheKey struct {
	deviceIP string
	iface    string
}

// KindDetector resolves an ethernet sensor's interface_kind using the
// precedence in spec.md §4.E: explicit hint, name heuristic, then a
// RouterOS probe — caching the probed result per (device_ip, iface_name)
// for the process lifetime (NoTTL, since interface type does not change
// without reconfiguration).
type KindDetector struct {
	cache *ttlcache.Cache[ifaceCacheKey, Kind]
}

// NewKindDetector creates a KindDetector with an unbounded-lifetime cache.
func NewKindDetector() *KindDetector {
	cache := ttlcache.New[ifaceCacheKey, Kind](
		ttlcache.WithTTL[ifaceCacheKey, Kind](ttlcache.NoTTL),
	)
	go cache.Start()
	return &KindDetector{cache: cache}
}

// Close stops the cache's background cleanup goroutine.
func (d *KindDetector) Close() {
	d.cache.Stop()
}

// Resolve determines iface's kind for deviceIP, given the sensor's
// explicit hint. client is used only when neither the hint nor the name
// heuristic settles the question.
func (d *KindDetector) Resolve(ctx context.Context, client routerosRunner, deviceIP, iface string, hint InterfaceKindHint) (Kind, error) {
	if hint == KindEthernet {
		return KindResolvedEthernet, nil
	}
	if hint == KindVLAN {
		return KindResolvedVLAN, nil
	}

	if strings.Contains(strings.ToLower(iface), "vlan") || vlanNameSuffix.MatchString(iface) {
		return KindResolvedVLAN, nil
	}

	key := ifaceCacheKey{deviceIP: deviceIP, iface: iface}
	if item := d.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	kind, err := probeInterfaceKind(client, iface)
	if err != nil {
		return "", err
	}
	d.cache.Set(key, kind, ttlcache.NoTTL)
	return kind, nil
}

// routerosRunner is the minimal RouterOS call surface the probe needs;
// satisfied by routeros.Client.
type routerosRunner interface {
	Run(sentence ...string) (*routeros.Reply, error)
}

// probeInterfaceKind implements spec.md §4.E step 3: try
// /interface/vlan get name=<n> first, then fall back to /interface get,
// then assume ethernet if neither call errors out informatively.
func probeInterfaceKind(client routerosRunner, iface string) (Kind, error) {
	if reply, err := client.Run("/interface/vlan/print", "?name="+iface); err == nil && len(reply.Re) > 0 {
		return KindResolvedVLAN, nil
	}

	reply, err := client.Run("/interface/print", "?name="+iface)
	if err == nil && len(reply.Re) > 0 {
		typ := strings.ToLower(reply.Re[0].Map["type"])
		if strings.Contains(typ, "vlan") {
			return KindResolvedVLAN, nil
		}
		if strings.Contains(typ, "ether") {
			return KindResolvedEthernet, nil
		}
	}

	// Neither probe positively identified the interface; spec.md §4.E's
	// precedence falls through to ethernet regardless.
	return KindResolvedEthernet, nil
}
