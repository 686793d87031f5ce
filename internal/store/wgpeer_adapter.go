package store

import (
	"context"
	"fmt"
)

// UsedWGAddresses implements wgpeer.Store: every tunnel address already
// handed out to a device, across all tenants (the pool is shared
// server-side infrastructure, not tenant-scoped).
func (p *Pool) UsedWGAddresses(ctx context.Context) (map[string]struct{}, error) {
	rows, err := p.DB.Query(ctx, `SELECT wg_address FROM devices WHERE wg_address IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing used wireguard addresses: %w", err)
	}
	defer rows.Close()

	used := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scanning wireguard address: %w", err)
		}
		used[addr] = struct{}{}
	}
	return used, rows.Err()
}

// SetDeviceWGAddress implements wgpeer.Store, recording the tunnel
// address assigned to a device. Called best-effort by wgpeer.Registrar:
// a failure here must never roll back an already-installed peer.
func (p *Pool) SetDeviceWGAddress(ctx context.Context, deviceID, address string) error {
	tag, err := p.DB.Exec(ctx, `UPDATE devices SET wg_address = $1 WHERE id = $2`, address, deviceID)
	if err != nil {
		return fmt.Errorf("setting device wireguard address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "device", ID: deviceID}
	}
	return nil
}
