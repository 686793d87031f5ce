package wgpeer

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// clientSnippet is the rendered output for a newly registered peer: a
// wg-quick ini a generic client can write straight to disk, and a RouterOS
// v7 CLI script for a MikroTik device acting as the client.
type clientSnippet struct {
	INI      string
	RouterOS string
}

// buildClientINI renders the classic [Interface]/[Peer] wg-quick config for
// the new client, using the same ini.v1 builder idiom internal/vpn's
// Normalize uses for parsing.
func buildClientINI(clientPrivateKey, clientAddress, serverPublicKey, endpoint, allowedIPs, dns string) (string, error) {
	cfg := ini.Empty()

	iface, err := cfg.NewSection("Interface")
	if err != nil {
		return "", fmt.Errorf("building [Interface] section: %w", err)
	}
	if _, err := iface.NewKey("PrivateKey", clientPrivateKey); err != nil {
		return "", err
	}
	if _, err := iface.NewKey("Address", clientAddress); err != nil {
		return "", err
	}
	if dns != "" {
		if _, err := iface.NewKey("DNS", dns); err != nil {
			return "", err
		}
	}

	peer, err := cfg.NewSection("Peer")
	if err != nil {
		return "", fmt.Errorf("building [Peer] section: %w", err)
	}
	if _, err := peer.NewKey("PublicKey", serverPublicKey); err != nil {
		return "", err
	}
	if _, err := peer.NewKey("Endpoint", endpoint); err != nil {
		return "", err
	}
	if _, err := peer.NewKey("AllowedIPs", allowedIPs); err != nil {
		return "", err
	}
	if _, err := peer.NewKey("PersistentKeepalive", "25"); err != nil {
		return "", err
	}

	var buf strings.Builder
	if _, err := cfg.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("encoding wireguard config: %w", err)
	}
	return buf.String(), nil
}

// buildRouterOSSnippet renders the /interface wireguard CLI script a
// MikroTik device runs to register itself as a peer, per spec.md §4.J step
// 6: add the interface, assign the tunnel address, then add the server as
// a peer with the fixed keepalive/route-distance used across the fleet.
func buildRouterOSSnippet(ifaceName, clientPrivateKey, clientAddress, serverPublicKey, endpointHost string, endpointPort int, allowedIPs string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/interface wireguard add name=%s private-key=%q\n", ifaceName, clientPrivateKey)
	fmt.Fprintf(&b, "/ip address add address=%s interface=%s\n", clientAddress, ifaceName)
	fmt.Fprintf(&b, "/interface wireguard peers add interface=%s public-key=%q endpoint-address=%s endpoint-port=%d allowed-address=%s persistent-keepalive=25s route-distance=254\n",
		ifaceName, serverPublicKey, endpointHost, endpointPort, allowedIPs)
	return b.String()
}
