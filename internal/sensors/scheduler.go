package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/monitor360/internal/routeros"
)

// Store abstracts the persistence and origin-device lookups a worker
// needs, per spec.md §3's Device/Sensor rows and result tables.
type Store interface {
	DeviceForSensor(ctx context.Context, sensorID string) (Device, error)
	OriginDevice(ctx context.Context, d Device) (Device, error) // maestro for maestro_to_device pings, else d itself
	CredentialForDevice(ctx context.Context, deviceID string) (routeros.Credential, error)

	SaveResult(ctx context.Context, r PingResult) error
	SaveEthernetResult(ctx context.Context, r EthernetResult) error
}

// Broadcaster abstracts component G's per-tenant push, so Scheduler does
// not import internal/wsfanout directly.
type Broadcaster interface {
	BroadcastSensorUpdate(ownerID, sensorID string, payload any)
}

// AlertEvaluator abstracts component F's per-cycle alert evaluation.
type AlertEvaluator interface {
	EvaluatePing(ctx context.Context, s Sensor, result PingResult, resolvedKind Kind)
	EvaluateEthernet(ctx context.Context, s Sensor, result EthernetResult, resolvedKind Kind)
}

// VPNManager is the subset of internal/vpn.Manager a worker needs to
// assert connectivity to its origin device.
type VPNManager interface {
	EnsureUp(ctx context.Context, profile VPNProfile) (iface string, err error)
	Release(ctx context.Context, profileID int64)
	AddRuleToDest(ctx context.Context, profileID int64, ip string) error
	DelRuleToDest(ctx context.Context, profileID int64, ip string)
	PinHostRoute(ctx context.Context, profileID int64, ip, iface string)
	UnpinHostRoute(ctx context.Context, profileID int64, ip string)
}

// VPNProfile is the subset of a VpnProfile row a worker needs to call
// EnsureUp; callers supply the actual config_data lookup.
type VPNProfile struct {
	ID         int64
	ConfigData string
}

// VPNProfileLoader resolves a profile id to the data EnsureUp needs.
type VPNProfileLoader func(ctx context.Context, profileID int64) (VPNProfile, error)

// SessionProvider abstracts acquiring a healthy RouterOS client for a
// device IP and recovering from auth failures, composing internal/routeros
// and internal/rotation behind one small interface for this package.
type SessionProvider interface {
	Get(ctx context.Context, deviceIP string, cred routeros.Credential) (routeros.Client, error)
	Invalidate(deviceIP string)
	Rotate(ctx context.Context, deviceIP string) (newCredentialID string, rotated bool, err error)
}

// Deps bundles every external dependency a Scheduler needs, mirroring
// bamgate's Deps/DefaultDeps() split for testability.
type Deps struct {
	Store       Store
	Sessions    SessionProvider
	VPN         VPNManager
	LoadProfile VPNProfileLoader
	Alerts      AlertEvaluator
	Broadcast   Broadcaster
	Kinds       *KindDetector
	Logger      *slog.Logger
}

// task is one running_tasks[sensor_id] entry.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler launches and restarts one worker per sensor, per spec.md §4.E.
type Scheduler struct {
	deps Deps
	log  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewScheduler creates a Scheduler. Call Start for each sensor at
// process startup.
func NewScheduler(deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		deps:  deps,
		log:   logger.With("component", "sensors"),
		tasks: make(map[string]*task),
	}
}

// Start spawns sensor's worker, canceling and replacing any existing task
// for the same sensor id, per spec.md §4.E ("Creating, updating, or
// restarting a sensor cancels its prior task ... and respawns it").
func (s *Scheduler) Start(parent context.Context, sensor Sensor) {
	s.Stop(sensor.ID)

	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[sensor.ID] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		s.runWorker(ctx, sensor)
	}()
}

// Stop cancels and forgets sensorID's task, if any, waiting for it to
// fully exit so release_origin_connectivity has run before returning.
func (s *Scheduler) Stop(sensorID string) {
	s.mu.Lock()
	t, ok := s.tasks[sensorID]
	delete(s.tasks, sensorID)
	s.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// StopAll cancels every running worker, for graceful shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}
}

// runWorker is the per-sensor loop body: resolve origin/target, assert
// connectivity, then dispatch to the type-specific ticking loop, with a
// guaranteed release on exit.
func (s *Scheduler) runWorker(ctx context.Context, sensor Sensor) {
	device, err := s.deps.Store.DeviceForSensor(ctx, sensor.ID)
	if err != nil {
		s.log.Warn("cannot resolve device for sensor", "sensor_id", sensor.ID, "error", err)
		return
	}

	origin, err := s.deps.Store.OriginDevice(ctx, device)
	if err != nil {
		s.log.Warn("cannot resolve origin device for sensor", "sensor_id", sensor.ID, "error", err)
		return
	}

	iface, err := s.ensureOriginConnectivity(ctx, origin)
	if err != nil {
		s.log.Warn("origin connectivity failed", "sensor_id", sensor.ID, "device_ip", origin.IPAddress, "error", err)
		return
	}
	defer s.releaseOriginConnectivity(origin, iface)

	switch sensor.Type {
	case TypePing:
		cfg, err := DecodePingConfig(sensor.Config)
		if err != nil {
			s.log.Warn("bad ping config", "sensor_id", sensor.ID, "error", err)
			return
		}
		s.runPingLoop(ctx, sensor, device, origin, cfg)
	case TypeEthernet:
		cfg, err := DecodeEthernetConfig(sensor.Config)
		if err != nil {
			s.log.Warn("bad ethernet config", "sensor_id", sensor.ID, "error", err)
			return
		}
		s.runEthernetLoop(ctx, sensor, device, cfg)
	default:
		s.log.Warn("unknown sensor type", "sensor_id", sensor.ID, "type", sensor.Type)
	}
}

// ensureOriginConnectivity implements spec.md §4.E's
// ensure_origin_connectivity: if origin has a VPN profile, bring it up
// and pin routing to the origin's IP.
func (s *Scheduler) ensureOriginConnectivity(ctx context.Context, origin Device) (string, error) {
	if !origin.HasVPNProfile {
		return "", nil
	}

	profile, err := s.deps.LoadProfile(ctx, origin.VPNProfileID)
	if err != nil {
		return "", fmt.Errorf("loading vpn profile %d: %w", origin.VPNProfileID, err)
	}

	iface, err := s.deps.VPN.EnsureUp(ctx, profile)
	if err != nil {
		return "", fmt.Errorf("bringing up vpn profile %d: %w", origin.VPNProfileID, err)
	}
	if err := s.deps.VPN.AddRuleToDest(ctx, origin.VPNProfileID, origin.IPAddress); err != nil {
		return "", fmt.Errorf("pinning route to origin %s: %w", origin.IPAddress, err)
	}
	s.deps.VPN.PinHostRoute(ctx, origin.VPNProfileID, origin.IPAddress, iface)
	return iface, nil
}

// releaseOriginConnectivity is the symmetric counterpart, run as a
// guaranteed finalizer on task exit per spec.md §4.E.
func (s *Scheduler) releaseOriginConnectivity(origin Device, iface string) {
	if !origin.HasVPNProfile {
		return
	}
	ctx := context.Background()
	s.deps.VPN.UnpinHostRoute(ctx, origin.VPNProfileID, origin.IPAddress)
	s.deps.VPN.DelRuleToDest(ctx, origin.VPNProfileID, origin.IPAddress)
	s.deps.VPN.Release(ctx, origin.VPNProfileID)
}

func (s *Scheduler) runPingLoop(ctx context.Context, sensor Sensor, device, origin Device, cfg PingConfig) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		s.pingCycle(ctx, sensor, device, origin, cfg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runEthernetLoop(ctx context.Context, sensor Sensor, device Device, cfg EthernetConfig) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		s.ethernetCycle(ctx, sensor, device, cfg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) pingCycle(ctx context.Context, sensor Sensor, device, origin Device, cfg PingConfig) {
	cred, err := s.deps.Store.CredentialForDevice(ctx, origin.CredentialID)
	if err != nil {
		s.recordPingTimeout(ctx, sensor)
		return
	}

	client, err := s.deps.Sessions.Get(ctx, origin.IPAddress, cred)
	if err != nil {
		s.recordPingTimeout(ctx, sensor)
		s.handleSessionError(ctx, origin.IPAddress, err)
		return
	}

	target := cfg.TargetIP
	if target == "" {
		target = device.IPAddress
	}

	reply, err := client.Run("/ping", "=address="+target, "=count=1")
	if err != nil {
		s.recordPingTimeout(ctx, sensor)
		s.handleSessionError(ctx, origin.IPAddress, err)
		return
	}

	result := classifyPingReply(sensor.ID, reply, cfg.LatencyThresholdMs)
	_ = s.deps.Store.SaveResult(ctx, result)
	s.deps.Broadcast.BroadcastSensorUpdate(sensor.OwnerID, sensor.ID, result)
	s.deps.Alerts.EvaluatePing(ctx, sensor, result, "")
}

func (s *Scheduler) recordPingTimeout(ctx context.Context, sensor Sensor) {
	result := PingResult{SensorID: sensor.ID, Status: "timeout"}
	_ = s.deps.Store.SaveResult(ctx, result)
	s.deps.Broadcast.BroadcastSensorUpdate(sensor.OwnerID, sensor.ID, result)
	s.deps.Alerts.EvaluatePing(ctx, sensor, result, "")
}

func (s *Scheduler) ethernetCycle(ctx context.Context, sensor Sensor, device Device, cfg EthernetConfig) {
	cred, err := s.deps.Store.CredentialForDevice(ctx, device.CredentialID)
	if err != nil {
		s.recordEthernetError(ctx, sensor, cfg)
		return
	}

	client, err := s.deps.Sessions.Get(ctx, device.IPAddress, cred)
	if err != nil {
		s.recordEthernetError(ctx, sensor, cfg)
		s.handleSessionError(ctx, device.IPAddress, err)
		return
	}

	kind, err := s.deps.Kinds.Resolve(ctx, client, device.IPAddress, cfg.InterfaceName, cfg.InterfaceKind)
	if err != nil {
		s.recordEthernetError(ctx, sensor, cfg)
		return
	}

	var result EthernetResult
	if kind == KindResolvedVLAN {
		result = s.readVLANResult(sensor.ID, client, cfg.InterfaceName)
	} else {
		result = s.readEthernetResult(sensor.ID, client, cfg.InterfaceName)
	}

	_ = s.deps.Store.SaveEthernetResult(ctx, result)
	s.deps.Broadcast.BroadcastSensorUpdate(sensor.OwnerID, sensor.ID, result)
	s.deps.Alerts.EvaluateEthernet(ctx, sensor, result, kind)
}

func (s *Scheduler) readVLANResult(sensorID string, client routeros.Client, iface string) EthernetResult {
	traffic, _ := client.Run("/interface/monitor-traffic", "=interface="+iface, "=once=")
	tc := parseTrafficCounters(traffic)
	return EthernetResult{SensorID: sensorID, Status: "ok", Speed: "N/A", RxBPS: tc.RxBPS, TxBPS: tc.TxBPS}
}

func (s *Scheduler) readEthernetResult(sensorID string, client routeros.Client, iface string) EthernetResult {
	ifReply, _ := client.Run("/interface/print", "?name="+iface)
	ethReply, _ := client.Run("/interface/ethernet/print", "?name="+iface)
	traffic, _ := client.Run("/interface/monitor-traffic", "=interface="+iface, "=once=")

	status := "link_down"
	if linkRunning(ifReply) {
		status = "link_up"
	}
	tc := parseTrafficCounters(traffic)
	return EthernetResult{
		SensorID: sensorID,
		Status:   status,
		Speed:    ethernetSpeed(ethReply),
		RxBPS:    tc.RxBPS,
		TxBPS:    tc.TxBPS,
	}
}

func (s *Scheduler) recordEthernetError(ctx context.Context, sensor Sensor, cfg EthernetConfig) {
	status := "link_down"
	if cfg.InterfaceKind == KindVLAN {
		status = "ok"
	}
	result := EthernetResult{SensorID: sensor.ID, Status: status, Speed: "N/A", RxBPS: 0, TxBPS: 0}
	_ = s.deps.Store.SaveEthernetResult(ctx, result)
	s.deps.Broadcast.BroadcastSensorUpdate(sensor.OwnerID, sensor.ID, result)
	s.deps.Alerts.EvaluateEthernet(ctx, sensor, result, "")
}

// handleSessionError invalidates a broken session and triggers rotation
// when the failure looks auth-related, per spec.md §4.E.
func (s *Scheduler) handleSessionError(ctx context.Context, deviceIP string, err error) {
	s.deps.Sessions.Invalidate(deviceIP)
	if !routeros.IsAuthLike(err) {
		return
	}
	if _, rotated, rerr := s.deps.Sessions.Rotate(ctx, deviceIP); rerr != nil {
		s.log.Warn("rotation attempt failed", "device_ip", deviceIP, "error", rerr)
	} else if rotated {
		s.log.Info("credential rotated after auth failure", "device_ip", deviceIP)
	}
}
