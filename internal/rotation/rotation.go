// Package rotation implements credential rotation on RouterOS auth
// failure, per spec.md §4.D: cooldown-gated, single-flight per device IP,
// trying every known tenant credential against the device in turn.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kuuji/monitor360/internal/routeros"
)

// Cooldown is the minimum interval between rotation attempts for the same
// device IP, per spec.md §4.D step 1.
const Cooldown = 180 * time.Second

const (
	perCredentialTimeout = 3 * time.Second
	overallTimeout       = 8 * time.Second
	tcpProbeTimeout      = 1500 * time.Millisecond
)

// Credential is a tenant's stored RouterOS credential, tried in order
// until one authenticates.
type Credential struct {
	ID       string
	Username string
	Password string
}

// Store abstracts the device/credential persistence rotation needs, so
// tests can inject a fake instead of a real database, mirroring
// bamgate's interface+fake dependency pattern.
type Store interface {
	// CredentialsForDevice returns every credential belonging to the
	// device's tenant, in a stable trial order.
	CredentialsForDevice(ctx context.Context, deviceIP string) ([]Credential, error)

	// CurrentCredentialID returns the credential id presently recorded on
	// the device row.
	CurrentCredentialID(ctx context.Context, deviceIP string) (string, error)

	// RecordAuthFailure sets device.last_auth_fail = now.
	RecordAuthFailure(ctx context.Context, deviceIP string, at time.Time) error

	// RecordAuthOK sets device.last_auth_ok = now without changing the
	// credential.
	RecordAuthOK(ctx context.Context, deviceIP string, at time.Time) error

	// RecordRotation atomically sets device.credential_id = newID,
	// last_auth_ok = now, and increments rotations_count.
	RecordRotation(ctx context.Context, deviceIP, newCredentialID string, at time.Time) error
}

// EventEmitter abstracts the G-bound device_credential_rotated event
// emission, per spec.md §4.D step 4/6.
type EventEmitter interface {
	CredentialRotated(deviceIP string, ok bool, oldID, newID, reason string)
}

// LoginProbe abstracts a single login attempt against a device, so Rotator
// doesn't depend directly on the routeros package's dial semantics.
type LoginProbe func(ctx context.Context, deviceIP string, cred routeros.Credential) error

// Rotator runs spec.md §4.D's rotate(device_ip, tenant) algorithm.
type Rotator struct {
	store   Store
	events  EventEmitter
	login   LoginProbe
	invalid func(deviceIP string) // pool invalidation hook

	mu       sync.Mutex
	lastTry  map[string]time.Time
	inflight map[string]*sync.Mutex

	// tcpProbe checks cheap reachability before spending a login attempt.
	// Defaults to dialing routeros.DefaultPort; tests override it to avoid
	// depending on a fixed real port.
	tcpProbe func(ctx context.Context, deviceIP string) bool

	log *slog.Logger
}

// NewRotator creates a Rotator. login performs one login attempt (used to
// probe each candidate credential); invalidate drops the device's pooled
// session after a successful rotation.
func NewRotator(store Store, events EventEmitter, login LoginProbe, invalidate func(string), logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rotator{
		store:    store,
		events:   events,
		login:    login,
		invalid:  invalidate,
		lastTry:  make(map[string]time.Time),
		inflight: make(map[string]*sync.Mutex),
		log:      logger.With("component", "rotation"),
	}
	r.tcpProbe = r.defaultTCPProbe
	return r
}

// Rotate attempts to find a working credential for deviceIP, honoring the
// 180s cooldown and single-flighting concurrent callers for the same IP,
// per spec.md §4.D.
func (r *Rotator) Rotate(ctx context.Context, deviceIP string) (newCredentialID string, rotated bool, err error) {
	if !r.coolingDownExpired(deviceIP) {
		return "", false, nil
	}

	lock := r.lockFor(deviceIP)
	lock.Lock()
	defer lock.Unlock()

	if !r.coolingDownExpired(deviceIP) {
		return "", false, nil
	}
	r.stamp(deviceIP)

	creds, err := r.store.CredentialsForDevice(ctx, deviceIP)
	if err != nil {
		return "", false, fmt.Errorf("loading credentials for %s: %w", deviceIP, err)
	}

	overallCtx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	winner, ok := r.findWorkingCredential(overallCtx, deviceIP, creds)
	if !ok {
		now := time.Now()
		_ = r.store.RecordAuthFailure(ctx, deviceIP, now)
		r.events.CredentialRotated(deviceIP, false, "", "", "no_valid_credentials")
		return "", false, nil
	}

	currentID, err := r.store.CurrentCredentialID(ctx, deviceIP)
	if err != nil {
		return "", false, fmt.Errorf("loading current credential for %s: %w", deviceIP, err)
	}

	now := time.Now()
	if winner.ID == currentID {
		_ = r.store.RecordAuthOK(ctx, deviceIP, now)
		return winner.ID, false, nil
	}

	if err := r.store.RecordRotation(ctx, deviceIP, winner.ID, now); err != nil {
		return "", false, fmt.Errorf("recording rotation for %s: %w", deviceIP, err)
	}
	if r.invalid != nil {
		r.invalid(deviceIP)
	}
	r.events.CredentialRotated(deviceIP, true, currentID, winner.ID, "")
	return winner.ID, true, nil
}

// findWorkingCredential tries each credential in order, pre-probing TCP
// reachability before spending a full login attempt, per spec.md §4.D
// step 3.
func (r *Rotator) findWorkingCredential(ctx context.Context, deviceIP string, creds []Credential) (Credential, bool) {
	for _, cred := range creds {
		select {
		case <-ctx.Done():
			return Credential{}, false
		default:
		}

		if !r.tcpProbe(ctx, deviceIP) {
			continue
		}

		loginCtx, cancel := context.WithTimeout(ctx, perCredentialTimeout)
		err := withBackoff(loginCtx, func() error {
			attemptErr := r.login(loginCtx, deviceIP, routeros.Credential{Username: cred.Username, Password: cred.Password})
			if attemptErr != nil && routeros.IsAuthLike(attemptErr) {
				// Wrong credential, not a transient failure: retrying
				// won't help, move on to the next candidate immediately.
				return backoff.Permanent(attemptErr)
			}
			return attemptErr
		})
		cancel()
		if err == nil {
			return cred, true
		}
		r.log.Debug("candidate credential failed", "device_ip", deviceIP, "credential_id", cred.ID, "error", err)
	}
	return Credential{}, false
}

func (r *Rotator) defaultTCPProbe(ctx context.Context, deviceIP string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, tcpProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "tcp", net.JoinHostPort(deviceIP, fmt.Sprintf("%d", routeros.DefaultPort)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (r *Rotator) coolingDownExpired(deviceIP string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastTry[deviceIP]
	if !ok {
		return true
	}
	return time.Since(last) >= Cooldown
}

func (r *Rotator) stamp(deviceIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTry[deviceIP] = time.Now()
}

func (r *Rotator) lockFor(deviceIP string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.inflight[deviceIP]
	if !ok {
		l = &sync.Mutex{}
		r.inflight[deviceIP] = l
	}
	return l
}

// ErrNoValidCredentials is returned by callers that want to distinguish a
// clean "nothing worked" outcome; Rotate itself reports this via a false
// rotated return value and an emitted event rather than an error, so this is only
// for callers composing their own messaging.
var ErrNoValidCredentials = errors.New("rotation: no valid credentials")

// withBackoff retries a single login attempt against one candidate
// credential, bounded by the caller's context (perCredentialTimeout).
// A backoff.Permanent error (an auth-like rejection) stops retrying
// immediately since the credential itself is wrong, not the network.
func withBackoff(ctx context.Context, attempt func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(attempt, b)
}
