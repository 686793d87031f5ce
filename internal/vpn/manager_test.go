package vpn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kuuji/monitor360/internal/netadmin"
)

const testWGConfig = `[Interface]
PrivateKey = aGVsbG8td29ybGQtcHJpdmF0ZS1rZXktMzItYnl0ZXMh
Address = 10.8.0.2/32
DNS = 10.8.0.1

[Peer]
PublicKey = aGVsbG8td29ybGQtcHVibGljLWtleS0zMi1ieXRlcyEh
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0
`

func newTestManager(t *testing.T) (*Manager, *netadmin.FakeRunner) {
	t.Helper()
	fr := netadmin.NewFakeRunner()
	m := NewManager(fr, t.TempDir(), nil)
	return m, fr
}

func TestEnsureUp_BringsUpAndSetsRefcountOne(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	iface, err := m.EnsureUp(ctx, Profile{ID: 3, ConfigData: testWGConfig})
	if err != nil {
		t.Fatalf("EnsureUp() error: %v", err)
	}
	if iface != "m360-p3" {
		t.Errorf("iface = %q, want m360-p3", iface)
	}
	if got := m.Refcount(3); got != 1 {
		t.Errorf("Refcount() = %d, want 1", got)
	}
}

// TestEnsureUp_SharedProfileRefcountsAndTearsDownAtZero is scenario S4:
// two sensors share one VPN profile. The tunnel comes up once, the
// refcount tracks both holders, and only the second Release tears down
// the PBR state.
func TestEnsureUp_SharedProfileRefcountsAndTearsDownAtZero(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()
	profile := Profile{ID: 7, ConfigData: testWGConfig}

	if _, err := m.EnsureUp(ctx, profile); err != nil {
		t.Fatalf("first EnsureUp() error: %v", err)
	}
	if _, err := m.EnsureUp(ctx, profile); err != nil {
		t.Fatalf("second EnsureUp() error: %v", err)
	}
	if got := m.Refcount(7); got != 2 {
		t.Fatalf("Refcount() after two EnsureUp = %d, want 2", got)
	}

	upCalls := countCalls(fr, "wg-quick", "up")
	if upCalls != 1 {
		t.Errorf("wg-quick up invoked %d times, want 1 (second EnsureUp should re-assert, not re-bring-up)", upCalls)
	}

	m.Release(ctx, 7)
	if got := m.Refcount(7); got != 1 {
		t.Fatalf("Refcount() after first Release = %d, want 1", got)
	}
	if countCalls(fr, "ip", "route flush table 10007") != 0 {
		t.Error("table flushed after first Release, want it to survive while refcount > 0")
	}

	m.Release(ctx, 7)
	if got := m.Refcount(7); got != 0 {
		t.Fatalf("Refcount() after second Release = %d, want 0", got)
	}
	if countCalls(fr, "ip", "route flush table 10007") != 1 {
		t.Error("table not flushed after refcount reached 0")
	}
}

// TestAddRuleToDest_PinSoundness is invariant 2: a destination pinned by N
// callers stays routed until all N release it, and the rule is removed
// exactly once, at the last release.
func TestAddRuleToDest_PinSoundness(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()
	const profileID = int64(4)
	const ip = "203.0.113.9"

	if err := m.AddRuleToDest(ctx, profileID, ip); err != nil {
		t.Fatalf("AddRuleToDest() error: %v", err)
	}
	if err := m.AddRuleToDest(ctx, profileID, ip); err != nil {
		t.Fatalf("AddRuleToDest() error: %v", err)
	}

	if got := countCalls(fr, "ip", "rule add to 203.0.113.9"); got != 1 {
		t.Errorf("rule add invoked %d times for two pins, want 1", got)
	}

	m.DelRuleToDest(ctx, profileID, ip)
	if got := countCalls(fr, "ip", "rule del to 203.0.113.9"); got != 0 {
		t.Errorf("rule removed after first of two DelRuleToDest calls, want it to survive; got %d del calls", got)
	}

	m.DelRuleToDest(ctx, profileID, ip)
	if got := countCalls(fr, "ip", "rule del to 203.0.113.9"); got != 1 {
		t.Errorf("rule del invoked %d times after final release, want 1", got)
	}
}

func TestPinHostRoute_RefcountsAndUnpins(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()
	const profileID = int64(2)
	const ip = "198.51.100.20"

	m.PinHostRoute(ctx, profileID, ip, "m360-p2")
	m.PinHostRoute(ctx, profileID, ip, "m360-p2")
	if got := countCalls(fr, "ip", "route replace 198.51.100.20"); got != 1 {
		t.Errorf("route replace invoked %d times for two pins, want 1", got)
	}

	m.UnpinHostRoute(ctx, profileID, ip)
	if got := countCalls(fr, "ip", "route del 198.51.100.20"); got != 0 {
		t.Error("route deleted after first unpin, want it to survive")
	}
	m.UnpinHostRoute(ctx, profileID, ip)
	if got := countCalls(fr, "ip", "route del 198.51.100.20"); got != 1 {
		t.Errorf("route del invoked %d times after final unpin, want 1", got)
	}
}

func TestEnsureUp_RetriesOnceOnWGQuickFailure(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()
	profile := Profile{ID: 9, ConfigData: testWGConfig}

	fr.SetResponse("wg", []string{"show", "m360-p9"}, netadmin.Response{Err: errors.New("ip: Cannot find device")})

	path := m.workDirConfPath(9)
	fr.SetResponse("wg-quick", []string{"up", path}, netadmin.Response{Err: errors.New("exit status 1")})

	if _, err := m.EnsureUp(ctx, profile); err == nil {
		t.Fatalf("expected EnsureUp to fail: FakeRunner replays the same canned failure on every matching call, so the retry fails identically")
	}
	if got := countCalls(fr, "wg-quick", "up "+path); got != 2 {
		t.Errorf("wg-quick up invoked %d times, want 2 (initial attempt + one retry)", got)
	}
	if got := countCalls(fr, "wg-quick", "down "+path); got != 1 {
		t.Errorf("wg-quick down invoked %d times, want 1 (between the two up attempts)", got)
	}
}

func countCalls(fr *netadmin.FakeRunner, name, argsPrefix string) int {
	n := 0
	for _, c := range fr.Calls {
		if c.Name != name {
			continue
		}
		joined := name
		for _, a := range c.Args {
			joined += " " + a
		}
		if len(joined) >= len(name+" "+argsPrefix) && joined[:len(name+" "+argsPrefix)] == name+" "+argsPrefix {
			n++
		}
	}
	return n
}

func (m *Manager) workDirConfPath(profileID int64) string {
	return filepath.Join(m.workDir, ifaceName(profileID)+".conf")
}
