// Package vpn implements the per-tenant-profile WireGuard session manager
// from spec.md §4.B: bring-up/down with policy-based routing, reference-
// counted shared use, and per-destination route pinning.
package vpn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kuuji/monitor360/internal/netadmin"
)

// Profile is the subset of a VpnProfile row the manager needs.
type Profile struct {
	ID         int64
	ConfigData string // raw wg-quick ini, as stored
}

// profileState is VPN_STATE[profile_id] from spec.md §3, moved to a typed
// struct with its lock co-located per §9's explicit instruction: the
// source's pattern of mutating nested maps outside the profile lock is a
// race under real parallelism, so every mutation here happens while mu is
// held.
type profileState struct {
	mu            sync.Mutex
	iface         string
	confPath      string
	tunAddr       string // normalized "ip/prefix" from the wg-quick config's Address
	refcount      int
	up            bool
	destRuleRefs  map[string]int
	hostRouteRefs map[string]int
}

// Manager owns every tenant profile's tunnel lifecycle. One Manager serves
// the whole process; profiles proceed independently (distinct locks), but
// operations on the same profile are serialized by its own mutex.
type Manager struct {
	runner  netadmin.Runner
	log     *slog.Logger
	workDir string // directory for generated wg-quick config files

	mu       sync.Mutex // guards the profiles map itself, not its values
	profiles map[int64]*profileState
}

// NewManager creates a Manager. workDir holds generated 0600 wg-quick
// config files; it is created if missing.
func NewManager(runner netadmin.Runner, workDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:   runner,
		log:      logger.With("component", "vpn"),
		workDir:  workDir,
		profiles: make(map[int64]*profileState),
	}
}

// ifaceName returns the deterministic interface name for a profile, per
// spec.md §4.B.
func ifaceName(profileID int64) string {
	return fmt.Sprintf("m360-p%d", profileID)
}

// tableID returns the PBR table id for a profile.
func tableID(profileID int64) int64 {
	return 10000 + profileID
}

// rulePriority returns the "to <dest>"/default rule priority for a profile.
func rulePriority(profileID int64) int64 {
	return 10000 + profileID
}

// sourceRulePriority returns the "from <tun_ip>" rule priority for a profile.
func sourceRulePriority(profileID int64) int64 {
	return 11000 + profileID
}

// vrfName returns the optional VRF device name for a profile.
func vrfName(profileID int64) string {
	return fmt.Sprintf("m360-vrfp%d", profileID)
}

// stateFor returns (creating if needed) the profileState for a profile id.
// This only guards map access; callers must still lock the returned
// state's own mutex before reading or mutating its fields.
func (m *Manager) stateFor(profileID int64) *profileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.profiles[profileID]
	if !ok {
		st = &profileState{
			destRuleRefs:  make(map[string]int),
			hostRouteRefs: make(map[string]int),
		}
		m.profiles[profileID] = st
	}
	return st
}

// EnsureUp brings profile P's tunnel up (or re-asserts it if already up),
// increments its refcount, and returns the interface name. It implements
// spec.md §4.B steps 1–6.
func (m *Manager) EnsureUp(ctx context.Context, p Profile) (string, error) {
	st := m.stateFor(p.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	iface := ifaceName(p.ID)

	if st.up && m.ifaceIsUp(ctx, iface) {
		if err := m.assertBasePBR(ctx, p.ID, iface, st.tunAddr); err != nil {
			return "", err
		}
		m.bestEffortVRF(ctx, p.ID, iface, tableID(p.ID))
		st.refcount++
		return iface, nil
	}

	norm, err := Normalize(p.ConfigData)
	if err != nil {
		return "", fmt.Errorf("normalizing vpn profile %d config: %w", p.ID, err)
	}

	confPath, err := m.writeTempConfig(p.ID, norm.RawINI)
	if err != nil {
		return "", err
	}

	if err := m.bringUpWithRetry(ctx, iface, confPath); err != nil {
		return "", err
	}

	st.iface = iface
	st.confPath = confPath
	st.tunAddr = norm.Address
	st.up = true

	if err := m.assertBasePBR(ctx, p.ID, iface, st.tunAddr); err != nil {
		return "", err
	}
	m.bestEffortVRF(ctx, p.ID, iface, tableID(p.ID))

	if !m.pollIfaceUp(ctx, iface) {
		return "", fmt.Errorf("interface %s did not come up within 3s", iface)
	}

	st.refcount++
	return iface, nil
}

// Release decrements profile P's refcount. At zero it flushes the PBR
// table, every known destination rule, the source rule, and empties the
// route refcounts, leaving the interface itself up (idle release), per
// spec.md §4.B.
func (m *Manager) Release(ctx context.Context, profileID int64) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.refcount > 0 {
		st.refcount--
	}
	if st.refcount > 0 {
		return
	}

	table := tableID(profileID)

	_, _ = m.runner.RunQuiet(ctx, "ip", "route", "flush", "table", fmt.Sprintf("%d", table))
	for destIP := range st.destRuleRefs {
		_, _ = m.runner.RunQuiet(ctx, "ip", "rule", "del", "to", destIP, "lookup", fmt.Sprintf("%d", table))
	}
	_, _ = m.runner.RunQuiet(ctx, "ip", "rule", "del", "priority", fmt.Sprintf("%d", sourceRulePriority(profileID)))

	st.destRuleRefs = make(map[string]int)
	st.hostRouteRefs = make(map[string]int)
}

// TeardownAll brings down every known profile's tunnel on shutdown, per
// spec.md §5 "Shutdown cancels all workers ... and runs teardown_all_vpns".
func (m *Manager) TeardownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		st := m.stateFor(id)
		st.mu.Lock()
		confPath := st.confPath
		st.mu.Unlock()
		if confPath == "" {
			continue
		}
		if _, err := m.runner.Run(ctx, "wg-quick", "down", confPath); err != nil {
			m.log.Warn("wg-quick down failed during shutdown", "profile_id", id, "error", err)
		}
	}
}

// AddRuleToDest pins destination ip through profile P's table, per
// spec.md §4.B "add_rule_to_dest": refcounted, idempotent.
func (m *Manager) AddRuleToDest(ctx context.Context, profileID int64, ip string) error {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.destRuleRefs[ip] == 0 {
		table := tableID(profileID)
		if ok, out := m.runner.RunQuiet(ctx, "ip", "rule", "add", "to", ip, "lookup", fmt.Sprintf("%d", table),
			"priority", fmt.Sprintf("%d", rulePriority(profileID))); !ok {
			return fmt.Errorf("adding dest rule for %s on profile %d: %s", ip, profileID, out)
		}
	}
	st.destRuleRefs[ip]++
	return nil
}

// DelRuleToDest decrements the pin on ip; at zero it removes the rule.
func (m *Manager) DelRuleToDest(ctx context.Context, profileID int64, ip string) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.destRuleRefs[ip] <= 0 {
		return
	}
	st.destRuleRefs[ip]--
	if st.destRuleRefs[ip] == 0 {
		delete(st.destRuleRefs, ip)
		table := tableID(profileID)
		_, _ = m.runner.RunQuiet(ctx, "ip", "rule", "del", "to", ip, "lookup", fmt.Sprintf("%d", table))
	}
}

// PinHostRoute forces ip through iface within profile P's table.
func (m *Manager) PinHostRoute(ctx context.Context, profileID int64, ip, iface string) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hostRouteRefs[ip] == 0 {
		table := tableID(profileID)
		_, _ = m.runner.Run(ctx, "ip", "route", "replace", ip, "dev", iface, "table", fmt.Sprintf("%d", table))
	}
	st.hostRouteRefs[ip]++
}

// UnpinHostRoute is the symmetric counterpart of PinHostRoute.
func (m *Manager) UnpinHostRoute(ctx context.Context, profileID int64, ip string) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hostRouteRefs[ip] <= 0 {
		return
	}
	st.hostRouteRefs[ip]--
	if st.hostRouteRefs[ip] == 0 {
		delete(st.hostRouteRefs, ip)
		table := tableID(profileID)
		_, _ = m.runner.RunQuiet(ctx, "ip", "route", "del", ip, "table", fmt.Sprintf("%d", table))
	}
}

// Refcount returns profile P's current refcount (tests only).
func (m *Manager) Refcount(profileID int64) int {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.refcount
}

// --- internal helpers ---

func (m *Manager) writeTempConfig(profileID int64, raw string) (string, error) {
	if err := os.MkdirAll(m.workDir, 0700); err != nil {
		return "", fmt.Errorf("creating vpn work dir: %w", err)
	}
	path := filepath.Join(m.workDir, fmt.Sprintf("%s.conf", ifaceName(profileID)))
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		return "", fmt.Errorf("writing wireguard config: %w", err)
	}
	return path, nil
}

// bringUpWithRetry implements spec.md §4.B step 3: try wg-quick up; on
// failure, confirm the iface is truly absent (wg show fails too), then
// wg-quick down + retry once.
func (m *Manager) bringUpWithRetry(ctx context.Context, iface, confPath string) error {
	if _, err := m.runner.Run(ctx, "wg-quick", "up", confPath); err == nil {
		return nil
	}

	if _, err := m.runner.Run(ctx, "wg", "show", iface); err == nil {
		// Interface exists despite wg-quick reporting failure — proceed.
		return nil
	}

	_, _ = m.runner.RunQuiet(ctx, "wg-quick", "down", confPath)
	if _, err := m.runner.Run(ctx, "wg-quick", "up", confPath); err != nil {
		return fmt.Errorf("wg-quick up failed after retry: %w", err)
	}
	return nil
}

func (m *Manager) ifaceIsUp(ctx context.Context, iface string) bool {
	_, err := m.runner.Run(ctx, "ip", "link", "show", "up", iface)
	return err == nil
}

// assertBasePBR (re)installs the default route in the profile's table and
// the "from <tun_ip>/32 lookup <table>" source rule, per spec.md §4.B step
// 4. Safe to call repeatedly (spec.md §4.B step 1's "re-assert
// idempotently"): the source rule is deleted before it is re-added, since
// "ip rule add" is not itself idempotent and a bare re-add would leave one
// duplicate kernel rule per re-assertion.
func (m *Manager) assertBasePBR(ctx context.Context, profileID int64, iface, tunAddr string) error {
	table := tableID(profileID)
	if _, err := m.runner.Run(ctx, "ip", "route", "replace", "default", "dev", iface, "table", fmt.Sprintf("%d", table)); err != nil {
		return fmt.Errorf("installing default route for profile %d: %w", profileID, err)
	}

	priority := fmt.Sprintf("%d", sourceRulePriority(profileID))
	_, _ = m.runner.RunQuiet(ctx, "ip", "rule", "del", "priority", priority)
	if _, err := m.runner.Run(ctx, "ip", "rule", "add", "from", sourceSelector(tunAddr), "priority", priority,
		"lookup", fmt.Sprintf("%d", table)); err != nil {
		return fmt.Errorf("installing source rule for profile %d: %w", profileID, err)
	}
	return nil
}

// sourceSelector reduces a wg-quick "Address" value (an IPv4 CIDR, e.g.
// "10.8.0.2/24") to the tunnel's own host address as a /32, the selector
// spec.md §4.B step 4 requires for the source rule.
func sourceSelector(tunAddr string) string {
	if ip, _, err := net.ParseCIDR(tunAddr); err == nil {
		return ip.String() + "/32"
	}
	if host, _, ok := strings.Cut(tunAddr, "/"); ok {
		return host + "/32"
	}
	return tunAddr + "/32"
}

// bestEffortVRF implements spec.md §4.B step 5: failures are logged and
// ignored.
func (m *Manager) bestEffortVRF(ctx context.Context, profileID int64, iface string, table int64) {
	vrf := vrfName(profileID)
	if _, err := m.runner.Run(ctx, "ip", "link", "add", vrf, "type", "vrf", "table", fmt.Sprintf("%d", table)); err != nil {
		m.log.Debug("vrf link add (best effort)", "profile_id", profileID, "error", err)
	}
	if _, err := m.runner.Run(ctx, "ip", "link", "set", vrf, "up"); err != nil {
		m.log.Debug("vrf set up (best effort)", "profile_id", profileID, "error", err)
	}
	if _, err := m.runner.Run(ctx, "ip", "link", "set", iface, "master", vrf); err != nil {
		m.log.Debug("vrf master assign (best effort)", "profile_id", profileID, "error", err)
	}
	if _, err := m.runner.Run(ctx, "ip", "rule", "add", "iif", iface, "table", fmt.Sprintf("%d", table)); err != nil {
		m.log.Debug("vrf iif rule (best effort)", "profile_id", profileID, "error", err)
	}
}

// pollIfaceUp polls up to 3s (30 × 100ms) for the interface to report UP,
// per spec.md §4.B step 6.
func (m *Manager) pollIfaceUp(ctx context.Context, iface string) bool {
	for i := 0; i < 30; i++ {
		if m.ifaceIsUp(ctx, iface) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}
