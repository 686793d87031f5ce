package sensors

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/monitor360/internal/routeros"
)

// RotatorProvider is the subset of internal/rotation.Rotator a session
// adapter needs, kept minimal to avoid a hard package dependency here.
type RotatorProvider interface {
	Rotate(ctx context.Context, deviceIP string) (newCredentialID string, rotated bool, err error)
}

// poolSessionProvider adapts a routeros.Pool and a rotator into the
// SessionProvider interface the scheduler depends on.
type poolSessionProvider struct {
	pool    *routeros.Pool
	rotator RotatorProvider
}

// NewPoolSessionProvider composes the RouterOS session pool and the
// credential rotator behind the single interface the scheduler needs.
func NewPoolSessionProvider(pool *routeros.Pool, rotator RotatorProvider) SessionProvider {
	return &poolSessionProvider{pool: pool, rotator: rotator}
}

func (p *poolSessionProvider) Get(ctx context.Context, deviceIP string, cred routeros.Credential) (routeros.Client, error) {
	return p.pool.Get(ctx, deviceIP, cred)
}

func (p *poolSessionProvider) Invalidate(deviceIP string) {
	p.pool.Invalidate(deviceIP)
}

func (p *poolSessionProvider) Rotate(ctx context.Context, deviceIP string) (string, bool, error) {
	return p.rotator.Rotate(ctx, deviceIP)
}

// RunKeepalive implements spec.md §4.E's keepalive loop: every 30s, probe
// every known device's pooled session with a cheap health call; on
// failure, drop it and either rotate (auth-like) or let the next Get()
// reconnect with the current credential.
func RunKeepalive(ctx context.Context, pool *routeros.Pool, rotator RotatorProvider, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "sensors.keepalive")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keepaliveSweep(ctx, pool, rotator, log)
		}
	}
}

func keepaliveSweep(ctx context.Context, pool *routeros.Pool, rotator RotatorProvider, log *slog.Logger) {
	for _, deviceIP := range pool.DeviceIPs() {
		err := pool.HealthCheck(ctx, deviceIP)
		if err == nil {
			continue
		}
		if !routeros.IsAuthLike(err) {
			// Plain reconnect: the pool entry is already dropped, the
			// next worker cycle's Get() redials with the same credential.
			continue
		}
		if _, rotated, rerr := rotator.Rotate(ctx, deviceIP); rerr != nil {
			log.Warn("keepalive rotation attempt failed", "device_ip", deviceIP, "error", rerr)
		} else if rotated {
			log.Info("keepalive triggered credential rotation", "device_ip", deviceIP)
		}
	}
}
