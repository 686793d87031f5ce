// Package events bridges component outcomes that one subsystem produces
// into the delivery channel another subsystem owns, the way
// internal/agent.go wires OnICECandidate/OnDataChannel callbacks between
// otherwise-unrelated collaborators — plain closures and small interfaces,
// no broker or message bus.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/monitor360/internal/sensors"
)

const broadcastTimeout = 5 * time.Second

// OwnerResolver resolves a device's IP to the tenant that owns it, so
// rotation — which only ever knows a device's IP, never its tenant — can
// address a broadcast by owner_id.
type OwnerResolver interface {
	OwnerIDForDeviceIP(ctx context.Context, deviceIP string) (string, error)
}

// CredentialRotatedPayload is device_credential_rotated's wire payload,
// per spec.md §4.D step 4/6.
type CredentialRotatedPayload struct {
	DeviceIP string `json:"device_ip"`
	OK       bool   `json:"ok"`
	OldID    string `json:"old_credential_id,omitempty"`
	NewID    string `json:"new_credential_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// RotationBridge implements rotation.EventEmitter by resolving the
// affected device's tenant and handing the event to G as a broadcast.
type RotationBridge struct {
	owners      OwnerResolver
	broadcaster sensors.Broadcaster
	log         *slog.Logger
}

// NewRotationBridge builds a RotationBridge. log may be nil, in which
// case slog.Default() is used.
func NewRotationBridge(owners OwnerResolver, broadcaster sensors.Broadcaster, log *slog.Logger) *RotationBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RotationBridge{owners: owners, broadcaster: broadcaster, log: log}
}

// CredentialRotated implements rotation.EventEmitter. The broadcast's
// sensorID is a synthetic "device:<ip>" key, not a real sensor id, so the
// wsfanout fallback-by-sensor-id path never accidentally matches an
// unrelated subscription when no same-owner socket is connected.
func (b *RotationBridge) CredentialRotated(deviceIP string, ok bool, oldID, newID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()

	ownerID, err := b.owners.OwnerIDForDeviceIP(ctx, deviceIP)
	if err != nil {
		b.log.Warn("resolving owner for credential rotation event failed", "device_ip", deviceIP, "error", err)
		return
	}

	b.broadcaster.BroadcastSensorUpdate(ownerID, "device:"+deviceIP, CredentialRotatedPayload{
		DeviceIP: deviceIP,
		OK:       ok,
		OldID:    oldID,
		NewID:    newID,
		Reason:   reason,
	})
}
