// Package qrpairing implements spec.md §3's SCAN_SESSIONS: short-lived,
// self-expiring sessions that let an unenrolled device pair itself by
// scanning a QR code rendered by the server, the server-side half of the
// same pairing idea bamgate's own `qr`/`invite` CLI commands print to a
// terminal for a human to scan instead.
package qrpairing

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/skip2/go-qrcode"
)

// Status is the lifecycle state of a pairing session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
)

// Session is one QR pairing attempt, keyed by its own id.
type Session struct {
	ID       string
	OwnerID  string
	Status   Status
	DeviceID string // set once a scan completes pairing
}

// Store is a TTL-bounded cache of in-flight pairing sessions. Sessions
// that are never scanned simply expire and disappear; there is no
// separate cleanup pass.
type Store struct {
	cache *ttlcache.Cache[string, *Session]
	// baseURL is the scheme+host the deep link embedded in the QR code
	// points back at, e.g. "https://monitor.example.com".
	baseURL string
}

// NewStore creates a Store whose sessions expire after ttl (spec.md §3:
// config.QRSessionTTL, 300s).
func NewStore(baseURL string, ttl time.Duration) *Store {
	cache := ttlcache.New[string, *Session](
		ttlcache.WithTTL[string, *Session](ttl),
	)
	go cache.Start()
	return &Store{cache: cache, baseURL: baseURL}
}

// Close stops the cache's background expiry goroutine.
func (s *Store) Close() {
	s.cache.Stop()
}

// Start implements POST /api/qr/start: creates a pending session owned by
// ownerID and returns both the session id and a PNG-encoded QR code
// containing a deep link back to the scan endpoint.
func (s *Store) Start(ownerID string) (sessionID string, qrPNG []byte, err error) {
	sessionID = uuid.NewString()
	session := &Session{ID: sessionID, OwnerID: ownerID, Status: StatusPending}
	s.cache.Set(sessionID, session, ttlcache.DefaultTTL)

	deepLink := fmt.Sprintf("%s/api/scan/%s", s.baseURL, url.PathEscape(sessionID))
	png, err := qrcode.Encode(deepLink, qrcode.Medium, 256)
	if err != nil {
		return "", nil, fmt.Errorf("rendering qr code: %w", err)
	}
	return sessionID, png, nil
}

// Scan implements POST /api/scan/{id}: completes pairing by attaching the
// resolved deviceID to the session, so the original caller's status poll
// observes it. Returns false if the session does not exist or has already
// expired — the caller treats that as "invite expired or invalid", not
// escalated further here.
func (s *Store) Scan(sessionID, deviceID string) bool {
	item := s.cache.Get(sessionID)
	if item == nil {
		return false
	}
	session := item.Value()
	session.Status = StatusComplete
	session.DeviceID = deviceID
	return true
}

// Status implements GET /api/qr/status/{id}: reports the current session
// state, or ok=false once it has expired or never existed.
func (s *Store) Status(sessionID string) (session *Session, ok bool) {
	item := s.cache.Get(sessionID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}
