// Package wgpeer implements spec.md §4.J: registering a new WireGuard peer
// against the server's own tunnel interface and reporting live peer status,
// in the same shell-out style internal/vpn and internal/netadmin use for
// every other WireGuard operation — nothing here talks to a WireGuard
// userspace library directly.
package wgpeer

import (
	"context"
	"fmt"
	"time"

	"github.com/kuuji/monitor360/internal/netadmin"
)

// Store is the persistence this package needs: the set of tunnel addresses
// already handed out, and a place to best-effort record a newly assigned
// one against the owning device.
type Store interface {
	UsedWGAddresses(ctx context.Context) (map[string]struct{}, error)
	SetDeviceWGAddress(ctx context.Context, deviceID, address string) error
}

// Options are the server-side, rarely-changing parameters of peer
// registration: the tunnel's address pool, this host's own WireGuard
// identity, and the defaults a request can override.
type Options struct {
	PoolCIDR        string
	ServerInterface string
	ServerPublicKey string
	EndpointHost    string
	EndpointPort    int
	DNSDefault      string
}

// Request is one mikrotik_auto_register call, per spec.md §4.J step 1: any
// field left empty falls back to the Options default.
type Request struct {
	DeviceID     string
	EndpointHost string
	EndpointPort int
	DNS          string
	AllowedIPs   string
}

// ClientConfig is what mikrotik_auto_register returns: the assigned
// address, the generated keypair, and both rendered client artifacts.
type ClientConfig struct {
	ClientAddress    string // e.g. "10.66.0.5"
	ClientPrivateKey string
	ClientPublicKey  string
	INI              string
	RouterOSSnippet  string
}

// Registrar implements mikrotik_auto_register and PeerStatus against a
// single WireGuard server interface.
type Registrar struct {
	store  Store
	runner netadmin.Runner
	opts   Options
}

// NewRegistrar builds a Registrar over store and runner with the given
// server-side options.
func NewRegistrar(store Store, runner netadmin.Runner, opts Options) *Registrar {
	return &Registrar{store: store, runner: runner, opts: opts}
}

// Register implements spec.md §4.J's mikrotik_auto_register: resolve
// request-or-default fields, allocate a free pool address, generate a
// keypair via the wg binary, install the peer, and render both client
// artifacts. Any failure after the peer is installed rolls the peer back,
// except persisting the assigned address to the device row, which is
// explicitly best-effort and never causes a rollback.
func (r *Registrar) Register(ctx context.Context, req Request) (*ClientConfig, error) {
	if err := ValidatePublicKey(r.opts.ServerPublicKey); err != nil {
		return nil, fmt.Errorf("server wireguard public key: %w", err)
	}

	used, err := r.store.UsedWGAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading assigned wg addresses: %w", err)
	}

	clientAddr, err := firstFreeAddress(r.opts.PoolCIDR, used)
	if err != nil {
		return nil, err
	}
	clientCIDR := clientAddr.String() + "/32"

	priv, pub, err := generateClientKeypair(ctx, r.runner)
	if err != nil {
		return nil, err
	}

	if _, err := r.runner.Run(ctx, "wg", "set", r.opts.ServerInterface, "peer", pub, "allowed-ips", clientCIDR); err != nil {
		return nil, fmt.Errorf("installing wireguard peer: %w", err)
	}

	cfg, err := r.finish(ctx, req, clientAddr.String(), clientCIDR, priv, pub)
	if err != nil {
		r.removePeer(pub)
		return nil, err
	}
	return cfg, nil
}

// finish resolves request overrides, renders the two client artifacts, and
// best-effort persists the assignment. It runs after the peer is already
// installed on the server interface, so a rendering failure here still
// triggers Register's rollback.
func (r *Registrar) finish(ctx context.Context, req Request, clientAddress, clientCIDR, priv, pub string) (*ClientConfig, error) {
	allowedIPs := req.AllowedIPs
	if allowedIPs == "" {
		allowedIPs = "0.0.0.0/0"
	}
	endpointHost := req.EndpointHost
	if endpointHost == "" {
		endpointHost = r.opts.EndpointHost
	}
	endpointPort := req.EndpointPort
	if endpointPort == 0 {
		endpointPort = r.opts.EndpointPort
	}
	dns := req.DNS
	if dns == "" {
		dns = r.opts.DNSDefault
	}
	endpoint := fmt.Sprintf("%s:%d", endpointHost, endpointPort)

	ini, err := buildClientINI(priv, clientCIDR, r.opts.ServerPublicKey, endpoint, allowedIPs, dns)
	if err != nil {
		return nil, fmt.Errorf("rendering client config: %w", err)
	}
	routeros := buildRouterOSSnippet(r.opts.ServerInterface, priv, clientCIDR, r.opts.ServerPublicKey, endpointHost, endpointPort, allowedIPs)

	// Best-effort: a persistence failure is logged by the caller's store
	// implementation but does not unwind the peer we already installed.
	_ = r.store.SetDeviceWGAddress(ctx, req.DeviceID, clientAddress)

	return &ClientConfig{
		ClientAddress:    clientAddress,
		ClientPrivateKey: priv,
		ClientPublicKey:  pub,
		INI:              ini,
		RouterOSSnippet:  routeros,
	}, nil
}

// removePeer best-effort unwinds a peer installed earlier in Register. It
// uses a background context since ctx may already be canceled by the
// failure that triggered the rollback.
func (r *Registrar) removePeer(pub string) {
	_, _ = r.runner.Run(context.Background(), "wg", "set", r.opts.ServerInterface, "peer", pub, "remove")
}

// PeerStatus reports whether pub currently has a live handshake on the
// server's interface, per spec.md §4.J peer_status.
func (r *Registrar) PeerStatus(ctx context.Context, pub string, now time.Time) (*PeerStatus, bool, error) {
	return PeerStatusFor(ctx, r.runner, r.opts.ServerInterface, pub, now)
}
