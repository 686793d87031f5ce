package store

import (
	"encoding/json"
	"time"
)

// Credential is spec.md §3's tenant-scoped RouterOS login.
type Credential struct {
	ID       string
	Name     string
	Username string
	Password string
	OwnerID  string
}

// Device is spec.md §3's Device row.
type Device struct {
	ID             string
	ClientName     string
	IPAddress      string
	Node           string
	MAC            string
	Status         string
	CredentialID   string
	IsMaestro      bool
	MaestroID      *string
	VPNProfileID   *int64
	OwnerID        string
	LastAuthOK     *time.Time
	LastAuthFail   *time.Time
	RotationsCount int
	WGAddress      *string
}

// VpnProfile is spec.md §3's VpnProfile row.
type VpnProfile struct {
	ID         int64
	Name       string
	ConfigData string
	CheckIP    string
	IsDefault  bool
	OwnerID    string
}

// Monitor is spec.md §3's Monitor row: one device bound to a sensor set.
type Monitor struct {
	ID       string
	DeviceID string
	OwnerID  string
}

// Sensor is spec.md §3's Sensor row.
type Sensor struct {
	ID        string
	MonitorID string
	Type      string // "ping" or "ethernet"
	Name      string
	Config    json.RawMessage
	OwnerID   string
}

// NotificationChannel is spec.md §3's NotificationChannel row.
type NotificationChannel struct {
	ID      string
	Name    string
	Type    string // "webhook" or "telegram"
	Config  json.RawMessage
	OwnerID string
}
