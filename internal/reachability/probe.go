// Package reachability implements the one-shot VPN+RouterOS probe from
// spec.md §4.H, used by "test reachability" and "add device": bring up
// connectivity just long enough to try credentials against one IP, then
// unwind everything regardless of outcome.
package reachability

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kuuji/monitor360/internal/netadmin"
	"github.com/kuuji/monitor360/internal/routeros"
)

const (
	outerTimeout          = 9 * time.Second
	credentialSweepBudget = 8 * time.Second
	perCredentialTimeout  = 3 * time.Second
	icmpTimeout           = 1 * time.Second
)

// VPNManager is the subset of internal/vpn.Manager a probe needs.
type VPNManager interface {
	EnsureUp(ctx context.Context, p VPNProfile) (iface string, err error)
	Release(ctx context.Context, profileID int64)
	AddRuleToDest(ctx context.Context, profileID int64, ip string) error
	DelRuleToDest(ctx context.Context, profileID int64, ip string)
	PinHostRoute(ctx context.Context, profileID int64, ip, iface string)
	UnpinHostRoute(ctx context.Context, profileID int64, ip string)
}

// VPNProfile is the subset of a VpnProfile row the probe needs, including
// its optional check_ip gate.
type VPNProfile struct {
	ID         int64
	ConfigData string
	CheckIP    string // empty if the profile has none configured
}

// VPNProfileLoader resolves a profile id to the data EnsureUp/check_ip
// needs.
type VPNProfileLoader func(ctx context.Context, profileID int64) (VPNProfile, error)

// MaestroResolver resolves a maestro (master device) id to the VPN
// profile id routed through it, per spec.md §4.H's maestro_id branch.
type MaestroResolver interface {
	VPNProfileIDForMaestro(ctx context.Context, maestroID string) (profileID int64, ok bool, err error)
}

// Credential is one candidate to try against the target IP.
type Credential struct {
	ID       string
	Username string
	Password string
}

// Request is test-reachability's input, per spec.md §4.H.
type Request struct {
	IP           string
	VPNProfileID *int64
	MaestroID    *string
	Credentials  []Credential
}

// Result is test-reachability's output, per spec.md §4.H.
type Result struct {
	Reachable     bool
	CredentialID  string
	UsedProfileID *int64
	Detail        string
}

// Prober runs one reachability test end to end.
type Prober struct {
	vpn      VPNManager
	loadProf VPNProfileLoader
	maestros MaestroResolver
	dial     routeros.Dialer
	runner   netadmin.Runner

	// tcpDial checks TCP reachability on the RouterOS API port; defaults
	// to a real dial, overridable in tests so the ICMP-or-TCP check_ip
	// gate doesn't depend on real network reachability.
	tcpDial func(ctx context.Context, ip string) bool
}

// NewProber creates a Prober. dial opens one RouterOS session per
// credential attempt (no pooling: this is always a single-shot probe).
func NewProber(vpn VPNManager, loadProf VPNProfileLoader, maestros MaestroResolver, dial routeros.Dialer, runner netadmin.Runner) *Prober {
	p := &Prober{vpn: vpn, loadProf: loadProf, maestros: maestros, dial: dial, runner: runner}
	p.tcpDial = p.defaultTCPDial
	return p
}

func (p *Prober) defaultTCPDial(ctx context.Context, ip string) bool {
	tcpCtx, cancel := context.WithTimeout(ctx, icmpTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(tcpCtx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", routeros.DefaultPort)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Probe implements spec.md §4.H: bring up whichever connectivity path the
// request names, try check_ip if configured, then sweep credentials
// against req.IP — always unwinding pins/rules/VPN release via deferred
// finalizers, regardless of which branch returns early.
func (p *Prober) Probe(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, outerTimeout)
	defer cancel()

	switch {
	case req.VPNProfileID != nil:
		return p.probeViaProfile(ctx, *req.VPNProfileID, req.IP, req.Credentials, true)
	case req.MaestroID != nil:
		profileID, ok, err := p.maestros.VPNProfileIDForMaestro(ctx, *req.MaestroID)
		if err != nil {
			return Result{}, fmt.Errorf("resolving maestro %s: %w", *req.MaestroID, err)
		}
		if !ok {
			return Result{Reachable: false, Detail: "maestro has no vpn profile"}, nil
		}
		return p.probeViaProfile(ctx, profileID, req.IP, req.Credentials, false)
	default:
		return p.sweepCredentials(ctx, req.IP, req.Credentials, nil)
	}
}

// probeViaProfile brings up profileID, optionally gates on check_ip, pins
// a route to target, and sweeps credentials — unwinding everything on
// every exit path.
func (p *Prober) probeViaProfile(ctx context.Context, profileID int64, target string, creds []Credential, honorCheckIP bool) (Result, error) {
	profile, err := p.loadProf(ctx, profileID)
	if err != nil {
		return Result{}, fmt.Errorf("loading vpn profile %d: %w", profileID, err)
	}

	iface, err := p.vpn.EnsureUp(ctx, profile)
	if err != nil {
		return Result{}, fmt.Errorf("bringing up vpn profile %d: %w", profileID, err)
	}
	defer p.vpn.Release(ctx, profileID)

	if honorCheckIP && profile.CheckIP != "" {
		if err := p.vpn.AddRuleToDest(ctx, profileID, profile.CheckIP); err != nil {
			return Result{}, fmt.Errorf("pinning check_ip rule %s: %w", profile.CheckIP, err)
		}
		defer p.vpn.DelRuleToDest(ctx, profileID, profile.CheckIP)
		p.vpn.PinHostRoute(ctx, profileID, profile.CheckIP, iface)
		defer p.vpn.UnpinHostRoute(ctx, profileID, profile.CheckIP)

		if !p.checkIPReachable(ctx, profile.CheckIP) {
			return Result{Reachable: false, UsedProfileID: &profileID, Detail: "check_ip unreachable"}, nil
		}
	}

	if err := p.vpn.AddRuleToDest(ctx, profileID, target); err != nil {
		return Result{}, fmt.Errorf("pinning target rule %s: %w", target, err)
	}
	defer p.vpn.DelRuleToDest(ctx, profileID, target)
	p.vpn.PinHostRoute(ctx, profileID, target, iface)
	defer p.vpn.UnpinHostRoute(ctx, profileID, target)

	return p.sweepCredentials(ctx, target, creds, &profileID)
}

// checkIPReachable requires either an ICMP (shelled ping) or a TCP
// connect on the RouterOS API port to succeed, per spec.md §4.H.
func (p *Prober) checkIPReachable(ctx context.Context, ip string) bool {
	icmpCtx, cancel := context.WithTimeout(ctx, icmpTimeout+500*time.Millisecond)
	defer cancel()
	if ok, _ := p.runner.RunQuiet(icmpCtx, "ping", "-c1", "-W1", ip); ok {
		return true
	}

	return p.tcpDial(ctx, ip)
}

// sweepCredentials tries every candidate against target in order, each
// bounded by perCredentialTimeout, the whole sweep by
// credentialSweepBudget, per spec.md §4.H's "9s outer, 8s overall, 3s per
// credential".
func (p *Prober) sweepCredentials(ctx context.Context, target string, creds []Credential, usedProfileID *int64) (Result, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, credentialSweepBudget)
	defer cancel()

	for _, cred := range creds {
		select {
		case <-sweepCtx.Done():
			return Result{Reachable: false, UsedProfileID: usedProfileID, Detail: "credential sweep timed out"}, nil
		default:
		}

		attemptCtx, cancel := context.WithTimeout(sweepCtx, perCredentialTimeout)
		client, err := p.dial(attemptCtx, target, routeros.DefaultPort, routeros.Credential{Username: cred.Username, Password: cred.Password})
		cancel()
		if err != nil {
			continue
		}
		_ = client.Close()
		return Result{Reachable: true, CredentialID: cred.ID, UsedProfileID: usedProfileID}, nil
	}

	return Result{Reachable: false, UsedProfileID: usedProfileID, Detail: "no valid credentials"}, nil
}
