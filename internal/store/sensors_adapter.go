package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kuuji/monitor360/internal/routeros"
	"github.com/kuuji/monitor360/internal/sensors"
)

// DeviceForSensor implements sensors.Store, resolving a sensor to the
// device its monitor is bound to, per spec.md §3's Monitor "container
// binding one device to a set of sensors".
func (p *Pool) DeviceForSensor(ctx context.Context, sensorID string) (sensors.Device, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT d.id, d.ip_address, d.credential_id, d.is_maestro,
		       COALESCE(d.maestro_id, ''), COALESCE(d.vpn_profile_id, 0), d.vpn_profile_id IS NOT NULL
		FROM devices d
		JOIN monitors m ON m.device_id = d.id
		JOIN sensors s ON s.monitor_id = m.id
		WHERE s.id = $1`,
		sensorID)

	var d sensors.Device
	err := row.Scan(&d.ID, &d.IPAddress, &d.CredentialID, &d.IsMaestro, &d.MaestroID, &d.VPNProfileID, &d.HasVPNProfile)
	if err == pgx.ErrNoRows {
		return sensors.Device{}, &ErrNotFound{Entity: "device for sensor", ID: sensorID}
	}
	if err != nil {
		return sensors.Device{}, fmt.Errorf("resolving device for sensor: %w", err)
	}
	return d, nil
}

// OriginDevice implements sensors.Store: for a device with a maestro
// (master) set, the origin of a maestro_to_device ping is the maestro
// device itself; otherwise the device is its own origin.
func (p *Pool) OriginDevice(ctx context.Context, d sensors.Device) (sensors.Device, error) {
	if d.MaestroID == "" {
		return d, nil
	}

	row := p.DB.QueryRow(ctx, `
		SELECT id, ip_address, credential_id, is_maestro,
		       COALESCE(maestro_id, ''), COALESCE(vpn_profile_id, 0), vpn_profile_id IS NOT NULL
		FROM devices WHERE id = $1`,
		d.MaestroID)

	var origin sensors.Device
	err := row.Scan(&origin.ID, &origin.IPAddress, &origin.CredentialID, &origin.IsMaestro,
		&origin.MaestroID, &origin.VPNProfileID, &origin.HasVPNProfile)
	if err == pgx.ErrNoRows {
		return sensors.Device{}, &ErrNotFound{Entity: "maestro device", ID: d.MaestroID}
	}
	if err != nil {
		return sensors.Device{}, fmt.Errorf("resolving origin device: %w", err)
	}
	return origin, nil
}

// CredentialForDevice implements sensors.Store.
func (p *Pool) CredentialForDevice(ctx context.Context, deviceID string) (routeros.Credential, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT c.username, c.password
		FROM credentials c
		JOIN devices d ON d.credential_id = c.id
		WHERE d.id = $1`,
		deviceID)

	var cred routeros.Credential
	err := row.Scan(&cred.Username, &cred.Password)
	if err == pgx.ErrNoRows {
		return routeros.Credential{}, &ErrNotFound{Entity: "credential for device", ID: deviceID}
	}
	if err != nil {
		return routeros.Credential{}, fmt.Errorf("resolving credential for device: %w", err)
	}
	return cred, nil
}

// SaveResult implements sensors.Store, appending a ping_results row.
func (p *Pool) SaveResult(ctx context.Context, r sensors.PingResult) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO ping_results (sensor_id, timestamp, latency_ms, status)
		VALUES ($1, now(), $2, $3)`,
		r.SensorID, r.LatencyMs, r.Status)
	if err != nil {
		return fmt.Errorf("saving ping result: %w", err)
	}
	return nil
}

// SaveEthernetResult implements sensors.Store, appending an
// ethernet_results row.
func (p *Pool) SaveEthernetResult(ctx context.Context, r sensors.EthernetResult) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO ethernet_results (sensor_id, timestamp, status, speed, rx_bitrate, tx_bitrate)
		VALUES ($1, now(), $2, $3, $4, $5)`,
		r.SensorID, r.Status, r.Speed, r.RxBPS, r.TxBPS)
	if err != nil {
		return fmt.Errorf("saving ethernet result: %w", err)
	}
	return nil
}

// VPNProfileForSensor implements sensors.VPNProfileLoader.
func (p *Pool) VPNProfileForSensor(ctx context.Context, profileID int64) (sensors.VPNProfile, error) {
	row := p.DB.QueryRow(ctx, `SELECT id, config_data FROM vpn_profiles WHERE id = $1`, profileID)
	var v sensors.VPNProfile
	err := row.Scan(&v.ID, &v.ConfigData)
	if err == pgx.ErrNoRows {
		return sensors.VPNProfile{}, &ErrNotFound{Entity: "vpn_profile", ID: fmt.Sprint(profileID)}
	}
	if err != nil {
		return sensors.VPNProfile{}, fmt.Errorf("resolving vpn profile: %w", err)
	}
	return v, nil
}
