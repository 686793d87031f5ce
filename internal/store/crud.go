package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// These CRUD methods back the explicitly out-of-scope plain management
// surfaces spec.md §6 expects a complete server to expose (credential,
// device, monitor, sensor, notification-channel CRUD) — thin enough to
// exercise the store layer and let the in-scope components (rotation,
// sensors, alerts, wsfanout, reachability, wgpeer) find real rows, without
// reimplementing validation business logic this repo's spec doesn't own.

func (p *Pool) CreateCredential(ctx context.Context, ownerID, name, username, password string) (Credential, error) {
	c := Credential{ID: uuid.NewString(), Name: name, Username: username, Password: password, OwnerID: ownerID}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO credentials (id, name, username, password, owner_id)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Username, c.Password, c.OwnerID)
	if err != nil {
		return Credential{}, fmt.Errorf("creating credential: %w", err)
	}
	return c, nil
}

func (p *Pool) ListCredentials(ctx context.Context, ownerID string) ([]Credential, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, name, username, password FROM credentials WHERE owner_id = $1 ORDER BY name`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c := Credential{OwnerID: ownerID}
		if err := rows.Scan(&c.ID, &c.Name, &c.Username, &c.Password); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteCredential(ctx context.Context, ownerID, id string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", ID: id}
	}
	return nil
}

func (p *Pool) CreateDevice(ctx context.Context, d Device) (Device, error) {
	d.ID = uuid.NewString()
	_, err := p.DB.Exec(ctx, `
		INSERT INTO devices (id, client_name, ip_address, node, mac, status, credential_id,
		                      is_maestro, maestro_id, vpn_profile_id, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.ClientName, d.IPAddress, d.Node, d.MAC, d.Status, d.CredentialID,
		d.IsMaestro, d.MaestroID, d.VPNProfileID, d.OwnerID)
	if err != nil {
		return Device{}, fmt.Errorf("creating device: %w", err)
	}
	return d, nil
}

func (p *Pool) GetDevice(ctx context.Context, ownerID, id string) (Device, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, client_name, ip_address, node, mac, status, credential_id,
		       is_maestro, maestro_id, vpn_profile_id, last_auth_ok, last_auth_fail,
		       rotations_count, wg_address
		FROM devices WHERE id = $1 AND owner_id = $2`,
		id, ownerID)

	d := Device{OwnerID: ownerID}
	err := row.Scan(&d.ID, &d.ClientName, &d.IPAddress, &d.Node, &d.MAC, &d.Status, &d.CredentialID,
		&d.IsMaestro, &d.MaestroID, &d.VPNProfileID, &d.LastAuthOK, &d.LastAuthFail,
		&d.RotationsCount, &d.WGAddress)
	if err == pgx.ErrNoRows {
		return Device{}, &ErrNotFound{Entity: "device", ID: id}
	}
	if err != nil {
		return Device{}, fmt.Errorf("getting device: %w", err)
	}
	return d, nil
}

func (p *Pool) ListDevices(ctx context.Context, ownerID string) ([]Device, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, client_name, ip_address, node, mac, status, credential_id,
		       is_maestro, maestro_id, vpn_profile_id, last_auth_ok, last_auth_fail,
		       rotations_count, wg_address
		FROM devices WHERE owner_id = $1 ORDER BY client_name`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d := Device{OwnerID: ownerID}
		if err := rows.Scan(&d.ID, &d.ClientName, &d.IPAddress, &d.Node, &d.MAC, &d.Status, &d.CredentialID,
			&d.IsMaestro, &d.MaestroID, &d.VPNProfileID, &d.LastAuthOK, &d.LastAuthFail,
			&d.RotationsCount, &d.WGAddress); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteDevice(ctx context.Context, ownerID, id string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM devices WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "device", ID: id}
	}
	return nil
}

// AssociateDeviceVPNProfile implements the device-VPN association endpoint
// (exercises B+H): sets or clears devices.vpn_profile_id.
func (p *Pool) AssociateDeviceVPNProfile(ctx context.Context, ownerID, deviceID string, profileID *int64) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE devices SET vpn_profile_id = $1 WHERE id = $2 AND owner_id = $3`,
		profileID, deviceID, ownerID)
	if err != nil {
		return fmt.Errorf("associating device vpn profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "device", ID: deviceID}
	}
	return nil
}

func (p *Pool) CreateVpnProfile(ctx context.Context, v VpnProfile) (VpnProfile, error) {
	row := p.DB.QueryRow(ctx, `
		INSERT INTO vpn_profiles (name, config_data, check_ip, is_default, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		v.Name, v.ConfigData, v.CheckIP, v.IsDefault, v.OwnerID)
	if err := row.Scan(&v.ID); err != nil {
		return VpnProfile{}, fmt.Errorf("creating vpn profile: %w", err)
	}
	return v, nil
}

func (p *Pool) ListVpnProfiles(ctx context.Context, ownerID string) ([]VpnProfile, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, name, config_data, check_ip, is_default FROM vpn_profiles
		WHERE owner_id = $1 ORDER BY name`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing vpn profiles: %w", err)
	}
	defer rows.Close()

	var out []VpnProfile
	for rows.Next() {
		v := VpnProfile{OwnerID: ownerID}
		if err := rows.Scan(&v.ID, &v.Name, &v.ConfigData, &v.CheckIP, &v.IsDefault); err != nil {
			return nil, fmt.Errorf("scanning vpn profile: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteVpnProfile(ctx context.Context, ownerID string, id int64) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM vpn_profiles WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting vpn profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "vpn_profile", ID: fmt.Sprint(id)}
	}
	return nil
}

func (p *Pool) CreateMonitor(ctx context.Context, ownerID, deviceID string) (Monitor, error) {
	m := Monitor{ID: uuid.NewString(), DeviceID: deviceID, OwnerID: ownerID}
	_, err := p.DB.Exec(ctx, `
		INSERT INTO monitors (id, device_id, owner_id) VALUES ($1, $2, $3)`,
		m.ID, m.DeviceID, m.OwnerID)
	if err != nil {
		return Monitor{}, fmt.Errorf("creating monitor: %w", err)
	}
	return m, nil
}

func (p *Pool) ListMonitors(ctx context.Context, ownerID string) ([]Monitor, error) {
	rows, err := p.DB.Query(ctx, `SELECT id, device_id FROM monitors WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing monitors: %w", err)
	}
	defer rows.Close()

	var out []Monitor
	for rows.Next() {
		m := Monitor{OwnerID: ownerID}
		if err := rows.Scan(&m.ID, &m.DeviceID); err != nil {
			return nil, fmt.Errorf("scanning monitor: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteMonitor(ctx context.Context, ownerID, id string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM monitors WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "monitor", ID: id}
	}
	return nil
}

func (p *Pool) CreateSensor(ctx context.Context, s Sensor) (Sensor, error) {
	s.ID = uuid.NewString()
	_, err := p.DB.Exec(ctx, `
		INSERT INTO sensors (id, monitor_id, sensor_type, name, config, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.MonitorID, s.Type, s.Name, s.Config, s.OwnerID)
	if err != nil {
		return Sensor{}, fmt.Errorf("creating sensor: %w", err)
	}
	return s, nil
}

func (p *Pool) ListSensorsForMonitor(ctx context.Context, ownerID, monitorID string) ([]Sensor, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, monitor_id, sensor_type, name, config FROM sensors
		WHERE monitor_id = $1 AND owner_id = $2 ORDER BY name`,
		monitorID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sensors: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		s := Sensor{OwnerID: ownerID}
		if err := rows.Scan(&s.ID, &s.MonitorID, &s.Type, &s.Name, &s.Config); err != nil {
			return nil, fmt.Errorf("scanning sensor: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAllSensors returns every tenant's sensors, unscoped, for the daemon
// to spawn a worker per sensor at startup — the one place this process
// legitimately needs to see across tenants rather than within one.
func (p *Pool) ListAllSensors(ctx context.Context) ([]Sensor, error) {
	rows, err := p.DB.Query(ctx, `SELECT id, monitor_id, sensor_type, name, config, owner_id FROM sensors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing all sensors: %w", err)
	}
	defer rows.Close()

	var out []Sensor
	for rows.Next() {
		var s Sensor
		if err := rows.Scan(&s.ID, &s.MonitorID, &s.Type, &s.Name, &s.Config, &s.OwnerID); err != nil {
			return nil, fmt.Errorf("scanning sensor: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteSensor(ctx context.Context, ownerID, id string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM sensors WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting sensor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "sensor", ID: id}
	}
	return nil
}

// SensorType resolves a sensor's kind ("ping" or "ethernet") scoped to
// the caller's tenant, so history_range/history_window handlers know
// which Aggregator method to call without leaking another tenant's
// sensor existence.
func (p *Pool) SensorType(ctx context.Context, ownerID, sensorID string) (string, error) {
	row := p.DB.QueryRow(ctx, `SELECT sensor_type FROM sensors WHERE id = $1 AND owner_id = $2`, sensorID, ownerID)
	var sensorType string
	err := row.Scan(&sensorType)
	if err == pgx.ErrNoRows {
		return "", &ErrNotFound{Entity: "sensor", ID: sensorID}
	}
	if err != nil {
		return "", fmt.Errorf("resolving sensor type: %w", err)
	}
	return sensorType, nil
}

func (p *Pool) CreateNotificationChannel(ctx context.Context, c NotificationChannel) (NotificationChannel, error) {
	c.ID = uuid.NewString()
	_, err := p.DB.Exec(ctx, `
		INSERT INTO notification_channels (id, name, type, config, owner_id)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Name, c.Type, c.Config, c.OwnerID)
	if err != nil {
		return NotificationChannel{}, fmt.Errorf("creating notification channel: %w", err)
	}
	return c, nil
}

func (p *Pool) ListNotificationChannels(ctx context.Context, ownerID string) ([]NotificationChannel, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, name, type, config FROM notification_channels
		WHERE owner_id = $1 ORDER BY name`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing notification channels: %w", err)
	}
	defer rows.Close()

	var out []NotificationChannel
	for rows.Next() {
		c := NotificationChannel{OwnerID: ownerID}
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Config); err != nil {
			return nil, fmt.Errorf("scanning notification channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Pool) DeleteNotificationChannel(ctx context.Context, ownerID, id string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM notification_channels WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting notification channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "notification_channel", ID: id}
	}
	return nil
}
