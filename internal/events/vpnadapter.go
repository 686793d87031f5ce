package events

import (
	"context"

	"github.com/kuuji/monitor360/internal/reachability"
	"github.com/kuuji/monitor360/internal/sensors"
	"github.com/kuuji/monitor360/internal/vpn"
)

// SensorVPNManager adapts *vpn.Manager to sensors.VPNManager. Every
// method but EnsureUp has an identical signature already and is promoted
// by embedding; sensors.VPNProfile and vpn.Profile carry the same fields
// under distinct Go types, so EnsureUp needs a one-line conversion at the
// package boundary.
type SensorVPNManager struct {
	*vpn.Manager
}

func (a SensorVPNManager) EnsureUp(ctx context.Context, p sensors.VPNProfile) (string, error) {
	return a.Manager.EnsureUp(ctx, vpn.Profile{ID: p.ID, ConfigData: p.ConfigData})
}

// ReachabilityVPNManager adapts *vpn.Manager to reachability.VPNManager,
// the same way SensorVPNManager does for internal/sensors.
type ReachabilityVPNManager struct {
	*vpn.Manager
}

func (a ReachabilityVPNManager) EnsureUp(ctx context.Context, p reachability.VPNProfile) (string, error) {
	return a.Manager.EnsureUp(ctx, vpn.Profile{ID: p.ID, ConfigData: p.ConfigData})
}
