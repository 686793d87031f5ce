// Package sensors implements the per-sensor worker scheduler from
// spec.md §4.E: one long-running task per sensor, restartable on
// create/update, each owning its RouterOS session and VPN connectivity.
package sensors

import (
	"encoding/json"
	"fmt"
)

// Type is a sensor's kind, determining which worker loop runs it.
type Type string

const (
	TypePing     Type = "ping"
	TypeEthernet Type = "ethernet"
)

// PingType distinguishes where a ping sensor's probe originates.
type PingType string

const (
	PingMaestroToDevice PingType = "maestro_to_device"
	PingDeviceToTarget  PingType = "device_to_target"
)

// InterfaceKindHint is the sensor-configured override for ethernet
// interface classification, per spec.md §3's Ethernet config.
type InterfaceKindHint string

const (
	KindAuto     InterfaceKindHint = "auto"
	KindEthernet InterfaceKindHint = "ethernet"
	KindVLAN     InterfaceKindHint = "vlan"
)

// AlertType is one of the alert kinds a sensor can configure, per
// spec.md §3.
type AlertType string

const (
	AlertTimeout          AlertType = "timeout"
	AlertHighLatency      AlertType = "high_latency"
	AlertSpeedChange      AlertType = "speed_change"
	AlertTrafficThreshold AlertType = "traffic_threshold"
	AlertLinkDown         AlertType = "link_down"
)

// AlertConfig is one alert entry on a sensor, per spec.md §3.
type AlertConfig struct {
	Type            AlertType `json:"type"`
	ChannelID       string    `json:"channel_id"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	ToleranceCount  int       `json:"tolerance_count"`
	ThresholdMs     *int      `json:"threshold_ms,omitempty"`
	ThresholdMbps   *float64  `json:"threshold_mbps,omitempty"`
	Direction       string    `json:"direction,omitempty"` // "rx", "tx", or "any"
}

// PingConfig is a ping sensor's decoded configuration.
type PingConfig struct {
	IntervalSec       int           `json:"interval_sec"`
	LatencyThresholdMs int          `json:"latency_threshold_ms"`
	PingType          PingType      `json:"ping_type"`
	TargetIP          string        `json:"target_ip,omitempty"`
	Alerts            []AlertConfig `json:"alerts"`
}

// EthernetConfig is an ethernet sensor's decoded configuration.
type EthernetConfig struct {
	IntervalSec   int               `json:"interval_sec"`
	InterfaceName string            `json:"interface_name"`
	InterfaceKind InterfaceKindHint `json:"interface_kind"`
	Alerts        []AlertConfig     `json:"alerts"`
}

// DecodePingConfig parses a sensor's raw JSON config as a PingConfig,
// filling in the default 60s interval spec.md §4.E names when absent.
func DecodePingConfig(raw json.RawMessage) (PingConfig, error) {
	var cfg PingConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return PingConfig{}, fmt.Errorf("decoding ping config: %w", err)
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 60
	}
	return cfg, nil
}

// DecodeEthernetConfig parses a sensor's raw JSON config as an
// EthernetConfig, defaulting interval to 30s and kind to auto.
func DecodeEthernetConfig(raw json.RawMessage) (EthernetConfig, error) {
	var cfg EthernetConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return EthernetConfig{}, fmt.Errorf("decoding ethernet config: %w", err)
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 30
	}
	if cfg.InterfaceKind == "" {
		cfg.InterfaceKind = KindAuto
	}
	return cfg, nil
}

// Device is the subset of a device row a sensor worker needs.
type Device struct {
	ID            string
	IPAddress     string
	CredentialID  string
	IsMaestro     bool
	MaestroID     string // empty if none
	VPNProfileID  int64  // 0 if none
	HasVPNProfile bool
}

// Sensor is the subset of a sensor row a worker needs.
type Sensor struct {
	ID        string
	MonitorID string
	Type      Type
	Name      string
	Config    json.RawMessage
	OwnerID   string
}

// PingResult is one row written to ping_results.
type PingResult struct {
	SensorID  string
	Status    string // "ok", "high_latency", "timeout"
	LatencyMs *int
}

// EthernetResult is one row written to ethernet_results.
type EthernetResult struct {
	SensorID string
	Status   string // "link_up", "link_down", "ok" (vlan)
	Speed    string
	RxBPS    int64
	TxBPS    int64
}
