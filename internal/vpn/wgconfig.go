package vpn

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// NormalizedConfig is a WireGuard client config rewritten for unattended
// use by wg-quick, per spec.md §4.B step 2 and §6 "WireGuard config
// accepted". Table is always forced off so wg-quick never installs its own
// default route — the VPN manager owns all routing via policy-based
// routing tables.
type NormalizedConfig struct {
	Address    string // single IPv4 CIDR
	PrivateKey string
	PublicKey  string
	Endpoint   string
	AllowedIPs string // "0.0.0.0/0" or a comma-joined IPv4 list
	RawINI     string // the full [Interface]/[Peer] text ready to write to disk
}

// Normalize parses a classic wg-quick ini (raw) and rewrites it per
// spec.md §4.B/§6: inserts "Table = off" if absent, strips DNS, keeps only
// the first IPv4 Address, and collapses AllowedIPs to IPv4-only, replacing
// any exact "0.0.0.0/32" entry with "0.0.0.0/0".
//
// Normalize is idempotent: Normalize(Normalize(x).RawINI) == Normalize(x),
// satisfying spec.md §8 invariant 7 — every rewrite step only adds a
// missing key or narrows a value that is already in its narrowed form on a
// second pass.
func Normalize(raw string) (*NormalizedConfig, error) {
	cfg, err := ini.Load([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing wireguard config: %w", err)
	}

	iface, err := cfg.GetSection("Interface")
	if err != nil {
		return nil, fmt.Errorf("config has no [Interface] section: %w", err)
	}
	peer, err := cfg.GetSection("Peer")
	if err != nil {
		return nil, fmt.Errorf("config has no [Peer] section: %w", err)
	}

	privKey := strings.TrimSpace(iface.Key("PrivateKey").String())
	if privKey == "" {
		return nil, fmt.Errorf("[Interface] missing PrivateKey")
	}
	pubKey := strings.TrimSpace(peer.Key("PublicKey").String())
	if pubKey == "" {
		return nil, fmt.Errorf("[Peer] missing PublicKey")
	}
	endpoint := strings.TrimSpace(peer.Key("Endpoint").String())
	if endpoint == "" {
		return nil, fmt.Errorf("[Peer] missing Endpoint")
	}

	addr, err := firstIPv4CIDR(iface.Key("Address").String())
	if err != nil {
		return nil, fmt.Errorf("[Interface] Address: %w", err)
	}

	allowed := normalizeAllowedIPs(peer.Key("AllowedIPs").String())

	iface.DeleteKey("DNS")
	iface.Key("Address").SetValue(addr)
	if iface.HasKey("Table") {
		iface.Key("Table").SetValue("off")
	} else {
		_, _ = iface.NewKey("Table", "off")
	}
	peer.Key("AllowedIPs").SetValue(allowed)

	var buf strings.Builder
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("re-encoding wireguard config: %w", err)
	}

	return &NormalizedConfig{
		Address:    addr,
		PrivateKey: privKey,
		PublicKey:  pubKey,
		Endpoint:   endpoint,
		AllowedIPs: allowed,
		RawINI:     buf.String(),
	}, nil
}

// firstIPv4CIDR returns the first IPv4 CIDR entry from a comma-separated
// Address value, per spec.md §4.B step 2 ("normalize Address to one IPv4").
func firstIPv4CIDR(raw string) (string, error) {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, ":") {
			continue // skip IPv6 entries
		}
		return part, nil
	}
	return "", fmt.Errorf("no IPv4 address found in %q", raw)
}

// normalizeAllowedIPs collapses AllowedIPs to IPv4-only entries, per
// spec.md §4.B step 2: any exact "0.0.0.0/32" is replaced by "0.0.0.0/0",
// and IPv6 entries are dropped.
func normalizeAllowedIPs(raw string) string {
	var kept []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(part, ":") {
			continue
		}
		if part == "0.0.0.0/32" {
			part = "0.0.0.0/0"
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "0.0.0.0/0"
	}
	return strings.Join(kept, ", ")
}
