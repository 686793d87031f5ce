package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-routeros/routeros/v3"
	intrt "github.com/kuuji/monitor360/internal/routeros"
)

// --- fakes ---

type fakeStore struct {
	mu      sync.Mutex
	devices map[string]Device
	origins map[string]Device // keyed by device ID
	creds   map[string]intrt.Credential

	pingResults []PingResult
	ethResults  []EthernetResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: map[string]Device{},
		origins: map[string]Device{},
		creds:   map[string]intrt.Credential{},
	}
}

func (f *fakeStore) DeviceForSensor(_ context.Context, sensorID string) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[sensorID]
	if !ok {
		return Device{}, errors.New("no device for sensor")
	}
	return d, nil
}

func (f *fakeStore) OriginDevice(_ context.Context, d Device) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.origins[d.ID]; ok {
		return o, nil
	}
	return d, nil
}

func (f *fakeStore) CredentialForDevice(_ context.Context, deviceID string) (intrt.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[deviceID], nil
}

func (f *fakeStore) SaveResult(_ context.Context, r PingResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingResults = append(f.pingResults, r)
	return nil
}

func (f *fakeStore) SaveEthernetResult(_ context.Context, r EthernetResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ethResults = append(f.ethResults, r)
	return nil
}

func (f *fakeStore) latestPing() PingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pingResults) == 0 {
		return PingResult{}
	}
	return f.pingResults[len(f.pingResults)-1]
}

func (f *fakeStore) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pingResults)
}

type fakeRTClient struct {
	mu    sync.Mutex
	runs  []string
	reply map[string]*routeros.Reply
	err   map[string]error
}

func newFakeRTClient() *fakeRTClient {
	return &fakeRTClient{reply: map[string]*routeros.Reply{}, err: map[string]error{}}
}

func (c *fakeRTClient) Run(sentence ...string) (*routeros.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sentence[0]
	c.runs = append(c.runs, key)
	if err, ok := c.err[key]; ok {
		return nil, err
	}
	if r, ok := c.reply[key]; ok {
		return r, nil
	}
	return &routeros.Reply{}, nil
}

func (c *fakeRTClient) Close() error { return nil }

type fakeSessions struct {
	client         intrt.Client
	getErr         error
	invalidated    []string
	rotateCalled   int
	rotateNewID    string
	rotateRotated  bool
}

func (f *fakeSessions) Get(_ context.Context, _ string, _ intrt.Credential) (intrt.Client, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.client, nil
}

func (f *fakeSessions) Invalidate(deviceIP string) { f.invalidated = append(f.invalidated, deviceIP) }

func (f *fakeSessions) Rotate(_ context.Context, _ string) (string, bool, error) {
	f.rotateCalled++
	return f.rotateNewID, f.rotateRotated, nil
}

type fakeVPN struct {
	mu         sync.Mutex
	ensureUps  int
	releases   int
	addRules   int
	delRules   int
	pins       int
	unpins     int
}

func (f *fakeVPN) EnsureUp(_ context.Context, _ VPNProfile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureUps++
	return "m360-p1", nil
}
func (f *fakeVPN) Release(_ context.Context, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}
func (f *fakeVPN) AddRuleToDest(_ context.Context, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRules++
	return nil
}
func (f *fakeVPN) DelRuleToDest(_ context.Context, _ int64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delRules++
}
func (f *fakeVPN) PinHostRoute(_ context.Context, _ int64, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins++
}
func (f *fakeVPN) UnpinHostRoute(_ context.Context, _ int64, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpins++
}

type fakeAlerts struct {
	mu        sync.Mutex
	pingCalls int
	ethCalls  int
}

func (f *fakeAlerts) EvaluatePing(_ context.Context, _ Sensor, _ PingResult, _ Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
}
func (f *fakeAlerts) EvaluateEthernet(_ context.Context, _ Sensor, _ EthernetResult, _ Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ethCalls++
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	count int
}

func (f *fakeBroadcaster) BroadcastSensorUpdate(_, _ string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func newTestDeps(store *fakeStore, rtClient *fakeRTClient) (Deps, *fakeVPN, *fakeAlerts, *fakeBroadcaster) {
	vpn := &fakeVPN{}
	alerts := &fakeAlerts{}
	bc := &fakeBroadcaster{}
	sessions := &fakeSessions{client: rtClient}
	deps := Deps{
		Store:    store,
		Sessions: sessions,
		VPN:      vpn,
		LoadProfile: func(_ context.Context, id int64) (VPNProfile, error) {
			return VPNProfile{ID: id}, nil
		},
		Alerts:    alerts,
		Broadcast: bc,
		Kinds:     NewKindDetector(),
	}
	return deps, vpn, alerts, bc
}

func TestPingCycle_OkClassification(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5", CredentialID: "d1"}

	rt := newFakeRTClient()
	rt.reply["/ping"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"received": "1", "avg-rtt": "0s20ms"}},
	}}

	deps, _, alerts, bc := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := PingConfig{IntervalSec: 60, LatencyThresholdMs: 100}
	cfgJSON, _ := json.Marshal(cfg)
	sensor := Sensor{ID: "s1", Type: TypePing, Config: cfgJSON, OwnerID: "tenant-1"}

	device, _ := store.DeviceForSensor(context.Background(), "s1")
	sched.pingCycle(context.Background(), sensor, device, device, cfg)

	got := store.latestPing()
	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
	if got.LatencyMs == nil || *got.LatencyMs != 20 {
		t.Errorf("LatencyMs = %v, want 20", got.LatencyMs)
	}
	if alerts.pingCalls != 1 {
		t.Errorf("EvaluatePing calls = %d, want 1", alerts.pingCalls)
	}
	if bc.count != 1 {
		t.Errorf("broadcast calls = %d, want 1", bc.count)
	}
}

func TestPingCycle_HighLatencyClassification(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5"}
	rt := newFakeRTClient()
	rt.reply["/ping"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"received": "1", "avg-rtt": "0s250ms"}},
	}}
	deps, _, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := PingConfig{IntervalSec: 60, LatencyThresholdMs: 100}
	sensor := Sensor{ID: "s1", Type: TypePing, OwnerID: "t1"}
	device, _ := store.DeviceForSensor(context.Background(), "s1")
	sched.pingCycle(context.Background(), sensor, device, device, cfg)

	if got := store.latestPing(); got.Status != "high_latency" {
		t.Errorf("Status = %q, want high_latency", got.Status)
	}
}

func TestPingCycle_TimeoutOnPingError(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5"}
	rt := newFakeRTClient()
	rt.err["/ping"] = errors.New("no route to host")
	deps, _, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := PingConfig{IntervalSec: 60, LatencyThresholdMs: 100}
	sensor := Sensor{ID: "s1", Type: TypePing, OwnerID: "t1"}
	device, _ := store.DeviceForSensor(context.Background(), "s1")
	sched.pingCycle(context.Background(), sensor, device, device, cfg)

	if got := store.latestPing(); got.Status != "timeout" {
		t.Errorf("Status = %q, want timeout", got.Status)
	}
}

func TestEnsureOriginConnectivity_SkipsWhenNoProfile(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRTClient()
	deps, vpn, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	iface, err := sched.ensureOriginConnectivity(context.Background(), Device{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ensureOriginConnectivity() error: %v", err)
	}
	if iface != "" {
		t.Errorf("iface = %q, want empty", iface)
	}
	if vpn.ensureUps != 0 {
		t.Error("EnsureUp was called for a device without a vpn profile")
	}
}

func TestEnsureOriginConnectivity_BringsUpAndPinsWhenProfilePresent(t *testing.T) {
	store := newFakeStore()
	rt := newFakeRTClient()
	deps, vpn, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	origin := Device{IPAddress: "10.0.0.9", HasVPNProfile: true, VPNProfileID: 4}
	iface, err := sched.ensureOriginConnectivity(context.Background(), origin)
	if err != nil {
		t.Fatalf("ensureOriginConnectivity() error: %v", err)
	}
	if iface != "m360-p1" {
		t.Errorf("iface = %q, want m360-p1", iface)
	}
	if vpn.ensureUps != 1 || vpn.addRules != 1 || vpn.pins != 1 {
		t.Errorf("vpn calls = {ensureUps:%d addRules:%d pins:%d}, want all 1", vpn.ensureUps, vpn.addRules, vpn.pins)
	}

	sched.releaseOriginConnectivity(origin, iface)
	if vpn.unpins != 1 || vpn.delRules != 1 || vpn.releases != 1 {
		t.Errorf("release calls = {unpins:%d delRules:%d releases:%d}, want all 1", vpn.unpins, vpn.delRules, vpn.releases)
	}
}

func TestEthernetCycle_VLANNeverReadsLinkState(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5"}
	rt := newFakeRTClient()
	rt.reply["/interface/monitor-traffic"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"rx-bits-per-second": "1000", "tx-bits-per-second": "2000"}},
	}}
	deps, _, alerts, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := EthernetConfig{IntervalSec: 30, InterfaceName: "vlan10", InterfaceKind: KindVLAN}
	sensor := Sensor{ID: "s1", Type: TypeEthernet, OwnerID: "t1"}
	device, _ := store.DeviceForSensor(context.Background(), "s1")
	sched.ethernetCycle(context.Background(), sensor, device, cfg)

	store.mu.Lock()
	got := store.ethResults[len(store.ethResults)-1]
	store.mu.Unlock()

	if got.Status != "ok" {
		t.Errorf("Status = %q, want ok for vlan", got.Status)
	}
	if got.Speed != "N/A" {
		t.Errorf("Speed = %q, want N/A for vlan", got.Speed)
	}
	if got.RxBPS != 1000 || got.TxBPS != 2000 {
		t.Errorf("traffic = {%d,%d}, want {1000,2000}", got.RxBPS, got.TxBPS)
	}
	for _, r := range rt.runs {
		if r == "/interface/ethernet/print" {
			t.Error("vlan path invoked /interface/ethernet/print, which reads link state it must never read")
		}
	}
	if alerts.ethCalls != 1 {
		t.Errorf("EvaluateEthernet calls = %d, want 1", alerts.ethCalls)
	}
}

func TestEthernetCycle_EthernetReadsLinkStateAndSpeed(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5"}
	rt := newFakeRTClient()
	rt.reply["/interface/print"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"running": "true"}},
	}}
	rt.reply["/interface/ethernet/print"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"speed": "1Gbps"}},
	}}
	deps, _, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := EthernetConfig{IntervalSec: 30, InterfaceName: "ether1", InterfaceKind: KindEthernet}
	sensor := Sensor{ID: "s1", Type: TypeEthernet, OwnerID: "t1"}
	device, _ := store.DeviceForSensor(context.Background(), "s1")
	sched.ethernetCycle(context.Background(), sensor, device, cfg)

	store.mu.Lock()
	got := store.ethResults[len(store.ethResults)-1]
	store.mu.Unlock()

	if got.Status != "link_up" {
		t.Errorf("Status = %q, want link_up", got.Status)
	}
	if got.Speed != "1Gbps" {
		t.Errorf("Speed = %q, want 1Gbps", got.Speed)
	}
}

func TestStartStop_CancelsWorkerAndReleasesConnectivity(t *testing.T) {
	store := newFakeStore()
	store.devices["s1"] = Device{ID: "d1", IPAddress: "10.0.0.5", HasVPNProfile: true, VPNProfileID: 1}
	rt := newFakeRTClient()
	rt.reply["/ping"] = &routeros.Reply{Re: []*routeros.Sentence{
		{Map: map[string]string{"received": "1", "avg-rtt": "0s5ms"}},
	}}
	deps, vpn, _, _ := newTestDeps(store, rt)
	defer deps.Kinds.Close()
	sched := NewScheduler(deps)

	cfg := PingConfig{IntervalSec: 60, LatencyThresholdMs: 100}
	cfgJSON, _ := json.Marshal(cfg)
	sensor := Sensor{ID: "s1", Type: TypePing, Config: cfgJSON, OwnerID: "t1"}

	sched.Start(context.Background(), sensor)
	// Give the worker goroutine a moment to run its first cycle.
	deadline := time.Now().Add(2 * time.Second)
	for store.pingCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop("s1")

	if store.pingCount() == 0 {
		t.Fatal("worker never ran a ping cycle")
	}
	if vpn.releases == 0 {
		t.Error("stopping the task did not release vpn connectivity")
	}
}
