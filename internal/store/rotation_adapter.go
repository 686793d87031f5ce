package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kuuji/monitor360/internal/rotation"
)

// OwnerIDForDeviceIP implements events.OwnerResolver, letting the
// rotation→wsfanout event bridge address a broadcast by tenant when all
// rotation itself knows is the device's IP.
func (p *Pool) OwnerIDForDeviceIP(ctx context.Context, deviceIP string) (string, error) {
	row := p.DB.QueryRow(ctx, `SELECT owner_id FROM devices WHERE ip_address = $1`, deviceIP)
	var ownerID string
	err := row.Scan(&ownerID)
	if err == pgx.ErrNoRows {
		return "", &ErrNotFound{Entity: "device", ID: deviceIP}
	}
	if err != nil {
		return "", fmt.Errorf("resolving owner for device ip: %w", err)
	}
	return ownerID, nil
}

// CredentialsForDevice implements rotation.Store: every credential owned
// by the tenant that owns the device at deviceIP, in a stable trial
// order (by credential id, a random UUID, so not creation order).
func (p *Pool) CredentialsForDevice(ctx context.Context, deviceIP string) ([]rotation.Credential, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT c.id, c.username, c.password
		FROM credentials c
		JOIN devices d ON d.owner_id = c.owner_id
		WHERE d.ip_address = $1
		ORDER BY c.id`,
		deviceIP)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for device: %w", err)
	}
	defer rows.Close()

	var out []rotation.Credential
	for rows.Next() {
		var c rotation.Credential
		if err := rows.Scan(&c.ID, &c.Username, &c.Password); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CurrentCredentialID implements rotation.Store.
func (p *Pool) CurrentCredentialID(ctx context.Context, deviceIP string) (string, error) {
	row := p.DB.QueryRow(ctx, `SELECT credential_id FROM devices WHERE ip_address = $1`, deviceIP)
	var id string
	err := row.Scan(&id)
	if err == pgx.ErrNoRows {
		return "", &ErrNotFound{Entity: "device", ID: deviceIP}
	}
	if err != nil {
		return "", fmt.Errorf("resolving current credential: %w", err)
	}
	return id, nil
}

// RecordAuthFailure implements rotation.Store.
func (p *Pool) RecordAuthFailure(ctx context.Context, deviceIP string, at time.Time) error {
	_, err := p.DB.Exec(ctx, `UPDATE devices SET last_auth_fail = $1 WHERE ip_address = $2`, at, deviceIP)
	if err != nil {
		return fmt.Errorf("recording auth failure: %w", err)
	}
	return nil
}

// RecordAuthOK implements rotation.Store.
func (p *Pool) RecordAuthOK(ctx context.Context, deviceIP string, at time.Time) error {
	_, err := p.DB.Exec(ctx, `UPDATE devices SET last_auth_ok = $1 WHERE ip_address = $2`, at, deviceIP)
	if err != nil {
		return fmt.Errorf("recording auth ok: %w", err)
	}
	return nil
}

// RecordRotation implements rotation.Store: atomically swaps the
// device's credential, marks it authenticated, and bumps the counter.
func (p *Pool) RecordRotation(ctx context.Context, deviceIP, newCredentialID string, at time.Time) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE devices
		SET credential_id = $1, last_auth_ok = $2, rotations_count = rotations_count + 1
		WHERE ip_address = $3`,
		newCredentialID, at, deviceIP)
	if err != nil {
		return fmt.Errorf("recording rotation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "device", ID: deviceIP}
	}
	return nil
}
