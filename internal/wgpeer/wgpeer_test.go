package wgpeer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kuuji/monitor360/internal/netadmin"
)

const (
	testClientPriv = "cHJpdmF0ZWtleXByaXZhdGVrZXlwcml2YXRla2V5MDA="
	testClientPub  = "cHVibGlja2V5cHVibGlja2V5cHVibGlja2V5MDAwMDA="
)

type fakeStore struct {
	used         map[string]struct{}
	lastDeviceID string
	lastAddress  string
	persistErr   error
}

func (s *fakeStore) UsedWGAddresses(_ context.Context) (map[string]struct{}, error) {
	return s.used, nil
}

func (s *fakeStore) SetDeviceWGAddress(_ context.Context, deviceID, address string) error {
	s.lastDeviceID, s.lastAddress = deviceID, address
	return s.persistErr
}

func newFakeRunnerWithKeygen() *netadmin.FakeRunner {
	r := netadmin.NewFakeRunner()
	r.SetResponse("wg", []string{"genkey"}, netadmin.Response{Output: testClientPriv + "\n"})
	r.SetResponse("wg", []string{"pubkey"}, netadmin.Response{Output: testClientPub + "\n"})
	return r
}

func testOptions() Options {
	return Options{
		PoolCIDR:        "10.66.0.0/29",
		ServerInterface: "wg0",
		ServerPublicKey: "c2VydmVycHVibGlja2V5MHNlcnZlcnB1YmxpY2tleTA=",
		EndpointHost:    "vpn.example.com",
		EndpointPort:    51820,
		DNSDefault:      "1.1.1.1",
	}
}

func TestRegister_HappyPath(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	store := &fakeStore{used: map[string]struct{}{"10.66.0.1": {}}}
	r := NewRegistrar(store, runner, testOptions())

	cfg, err := r.Register(context.Background(), Request{DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if cfg.ClientAddress != "10.66.0.2" {
		t.Errorf("ClientAddress = %q, want 10.66.0.2 (first free host after the reserved server address)", cfg.ClientAddress)
	}
	if cfg.ClientPublicKey != testClientPub {
		t.Errorf("ClientPublicKey = %q, want %q", cfg.ClientPublicKey, testClientPub)
	}
	if !strings.Contains(cfg.INI, "[Interface]") || !strings.Contains(cfg.INI, "[Peer]") {
		t.Errorf("INI missing expected sections: %q", cfg.INI)
	}
	if !strings.Contains(cfg.RouterOSSnippet, "/interface wireguard add") {
		t.Errorf("RouterOSSnippet missing expected command: %q", cfg.RouterOSSnippet)
	}

	if store.lastDeviceID != "device-1" || store.lastAddress != "10.66.0.2" {
		t.Errorf("store was not told about the assignment: deviceID=%q address=%q", store.lastDeviceID, store.lastAddress)
	}

	var sawAdd bool
	for _, c := range runner.Calls {
		if c.Name == "wg" && len(c.Args) >= 4 && c.Args[0] == "set" {
			sawAdd = true
			if c.Args[3] != testClientPub {
				t.Errorf("wg set peer arg = %q, want %q", c.Args[3], testClientPub)
			}
		}
	}
	if !sawAdd {
		t.Error("expected a `wg set wg0 peer ... allowed-ips ...` call")
	}
}

func TestRegister_PubkeyReadsPrivateKeyFromStdin(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	store := &fakeStore{used: map[string]struct{}{}}
	r := NewRegistrar(store, runner, testOptions())

	if _, err := r.Register(context.Background(), Request{DeviceID: "device-1"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	var sawStdin string
	for _, c := range runner.Calls {
		if c.Name == "wg" && len(c.Args) == 1 && c.Args[0] == "pubkey" {
			sawStdin = c.Stdin
		}
	}
	if !strings.Contains(sawStdin, testClientPriv) {
		t.Errorf("wg pubkey was not given the generated private key on stdin, got %q", sawStdin)
	}
}

func TestRegister_PeerInstallFailureDoesNotRollback(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	runner.SetResponse("wg", []string{"set", "wg0", "peer", testClientPub, "allowed-ips", "10.66.0.1/32"},
		netadmin.Response{Err: errors.New("device busy")})
	store := &fakeStore{used: map[string]struct{}{}}
	r := NewRegistrar(store, runner, testOptions())

	if _, err := r.Register(context.Background(), Request{DeviceID: "device-1"}); err == nil {
		t.Fatal("Register() expected an error when installing the peer fails")
	}

	for _, c := range runner.Calls {
		if c.Name == "wg" && len(c.Args) > 0 && c.Args[len(c.Args)-1] == "remove" {
			t.Error("a peer that was never successfully installed should not be rolled back")
		}
	}
}

func TestRegister_PersistenceFailureIsBestEffort(t *testing.T) {
	// Persistence failures are explicitly best-effort and must not roll back
	// an already-installed peer.
	runner := newFakeRunnerWithKeygen()
	store := &fakeStore{used: map[string]struct{}{}, persistErr: errors.New("db unavailable")}
	r := NewRegistrar(store, runner, testOptions())

	cfg, err := r.Register(context.Background(), Request{DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("Register() error: %v, want persistence failure to be swallowed", err)
	}
	if cfg == nil {
		t.Fatal("Register() returned nil config despite a best-effort persistence failure")
	}

	for _, c := range runner.Calls {
		if c.Name == "wg" && len(c.Args) > 0 && c.Args[len(c.Args)-1] == "remove" {
			t.Error("a best-effort persistence failure must not trigger peer rollback")
		}
	}
}

func TestRegister_RejectsMalformedServerPublicKey(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	store := &fakeStore{used: map[string]struct{}{}}
	opts := testOptions()
	opts.ServerPublicKey = "not-a-real-key"
	r := NewRegistrar(store, runner, opts)

	if _, err := r.Register(context.Background(), Request{DeviceID: "device-1"}); err == nil {
		t.Fatal("Register() expected an error for a malformed server public key")
	}
	for _, c := range runner.Calls {
		if c.Name == "wg" {
			t.Errorf("Register() should validate the server key before shelling out, but called: %v", c)
		}
	}
}

func TestRegister_PoolExhausted(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	// /29 has 8 addresses; hosts[0] reserved, so 7 are assignable.
	used := map[string]struct{}{}
	for _, ip := range []string{"10.66.0.1", "10.66.0.2", "10.66.0.3", "10.66.0.4", "10.66.0.5", "10.66.0.6", "10.66.0.7"} {
		used[ip] = struct{}{}
	}
	store := &fakeStore{used: used}
	r := NewRegistrar(store, runner, testOptions())

	_, err := r.Register(context.Background(), Request{DeviceID: "device-1"})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Register() error = %v, want ErrPoolExhausted", err)
	}
}

func TestRegister_RequestOverridesDefaults(t *testing.T) {
	runner := newFakeRunnerWithKeygen()
	store := &fakeStore{used: map[string]struct{}{}}
	r := NewRegistrar(store, runner, testOptions())

	cfg, err := r.Register(context.Background(), Request{
		DeviceID:     "device-1",
		EndpointHost: "override.example.com",
		EndpointPort: 13231,
		AllowedIPs:   "10.0.0.0/8",
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if !strings.Contains(cfg.INI, "override.example.com:13231") {
		t.Errorf("INI did not use overridden endpoint: %q", cfg.INI)
	}
	if !strings.Contains(cfg.INI, "10.0.0.0/8") {
		t.Errorf("INI did not use overridden AllowedIPs: %q", cfg.INI)
	}
}

func TestParsePeerStatus_NoIfacePrefix(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dump := strings.Join([]string{
		testClientPub + "\t(none)\t203.0.113.5:51820\t10.66.0.2/32\t" + strconv.FormatInt(now.Add(-30*time.Second).Unix(), 10) + "\t100\t200\t25",
	}, "\n")

	status, ok := ParsePeerStatus(dump, testClientPub, now)
	if !ok {
		t.Fatal("ParsePeerStatus() did not find the peer")
	}
	if !status.Connected {
		t.Error("peer with a 30s-old handshake should be Connected")
	}
	if status.RxBytes != 100 || status.TxBytes != 200 {
		t.Errorf("RxBytes/TxBytes = %d/%d, want 100/200", status.RxBytes, status.TxBytes)
	}
}

func TestParsePeerStatus_WithIfacePrefix(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dump := "wg0\t" + testClientPub + "\t(none)\t203.0.113.5:51820\t10.66.0.2/32\t" +
		strconv.FormatInt(now.Add(-400*time.Second).Unix(), 10) + "\t100\t200\t25"

	status, ok := ParsePeerStatus(dump, testClientPub, now)
	if !ok {
		t.Fatal("ParsePeerStatus() did not find the peer in the iface-prefixed format")
	}
	if status.Connected {
		t.Error("peer with a 400s-old handshake should not be Connected")
	}
}

func TestParsePeerStatus_NeverHandshaken(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	dump := testClientPub + "\t(none)\t(none)\t10.66.0.2/32\t0\t0\t0\t25"

	status, ok := ParsePeerStatus(dump, testClientPub, now)
	if !ok {
		t.Fatal("ParsePeerStatus() did not find the peer")
	}
	if status.Connected {
		t.Error("a peer with no handshake timestamp must not be Connected")
	}
	if !status.LatestHandshake.IsZero() {
		t.Errorf("LatestHandshake = %v, want zero value", status.LatestHandshake)
	}
}

func TestParsePeerStatus_UnknownKeyNotFound(t *testing.T) {
	dump := testClientPub + "\t(none)\t(none)\t10.66.0.2/32\t0\t0\t0\t25"
	if _, ok := ParsePeerStatus(dump, "someotherkey", time.Now()); ok {
		t.Error("ParsePeerStatus() should not match an unrelated public key")
	}
}

func TestRegistrar_PeerStatus(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	runner := netadmin.NewFakeRunner()
	runner.SetResponse("wg", []string{"show", "wg0", "dump"}, netadmin.Response{
		Output: testClientPub + "\t(none)\t203.0.113.5:51820\t10.66.0.2/32\t" +
			strconv.FormatInt(now.Add(-10*time.Second).Unix(), 10) + "\t1\t2\t25",
	})
	r := NewRegistrar(&fakeStore{}, runner, testOptions())

	status, ok, err := r.PeerStatus(context.Background(), testClientPub, now)
	if err != nil {
		t.Fatalf("PeerStatus() error: %v", err)
	}
	if !ok || !status.Connected {
		t.Fatal("PeerStatus() expected to find a connected peer")
	}
}

