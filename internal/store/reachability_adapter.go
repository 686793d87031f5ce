package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kuuji/monitor360/internal/reachability"
)

// VPNProfileIDForMaestro implements reachability.MaestroResolver,
// resolving a maestro (master device) id to the VPN profile id routed
// through it.
func (p *Pool) VPNProfileIDForMaestro(ctx context.Context, maestroID string) (int64, bool, error) {
	row := p.DB.QueryRow(ctx, `SELECT vpn_profile_id FROM devices WHERE id = $1`, maestroID)
	var profileID *int64
	err := row.Scan(&profileID)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving vpn profile for maestro: %w", err)
	}
	if profileID == nil {
		return 0, false, nil
	}
	return *profileID, true, nil
}

// VPNProfileForReachability implements reachability.VPNProfileLoader,
// resolving a profile id to the subset of data a one-shot probe needs,
// including its optional check_ip gate.
func (p *Pool) VPNProfileForReachability(ctx context.Context, profileID int64) (reachability.VPNProfile, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, config_data, COALESCE(check_ip, '') FROM vpn_profiles WHERE id = $1`,
		profileID)
	var v reachability.VPNProfile
	err := row.Scan(&v.ID, &v.ConfigData, &v.CheckIP)
	if err == pgx.ErrNoRows {
		return reachability.VPNProfile{}, &ErrNotFound{Entity: "vpn_profile", ID: fmt.Sprint(profileID)}
	}
	if err != nil {
		return reachability.VPNProfile{}, fmt.Errorf("resolving vpn profile: %w", err)
	}
	return v, nil
}
