// Package wsfanout implements the per-tenant WebSocket fan-out from
// spec.md §4.G: one endpoint, JWT-derived ownership, a subscribe-all-or-
// sensor-set subscription per socket, and a broadcast with a same-sensor
// fallback pass when no socket matches the owner directly.
//
// Grounded on internal/signaling/hub.go's peer-registry/broadcast shape,
// adapted from relaying between peers to pushing per-tenant state.
package wsfanout

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// TokenVerifier authenticates the token presented on connect and returns
// the tenant owner id (the JWT's verified sub), mirroring
// internal/authn's verification seam without importing it directly.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (ownerID string, err error)
}

// SnapshotStore resolves the sensor_batch payload for a connection: the
// latest known row (or a synthetic pending one) for every sensor the
// owner can see, filtered to sensorIDs when non-empty.
type SnapshotStore interface {
	LatestSensorSnapshots(ctx context.Context, ownerID string, sensorIDs []string) ([]SensorSnapshot, error)
}

// subscription is a socket's current interest: either every sensor
// (All==true) or exactly the ids in Set.
type subscription struct {
	all bool
	set map[string]struct{}
}

func allSubscription() subscription { return subscription{all: true} }

func (s subscription) matches(sensorID string) bool {
	if s.all {
		return true
	}
	_, ok := s.set[sensorID]
	return ok
}

func (s subscription) ids() []string {
	if s.all {
		return nil
	}
	ids := make([]string, 0, len(s.set))
	for id := range s.set {
		ids = append(ids, id)
	}
	return ids
}

// socket is one connected WebSocket client.
type socket struct {
	ownerID string
	conn    *websocket.Conn

	writeMu sync.Mutex // serializes concurrent writers (handler loop vs broadcast)

	subMu sync.RWMutex
	sub   subscription
}

func (s *socket) setSubscription(sub subscription) {
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
}

func (s *socket) subscription() subscription {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.sub
}

func (s *socket) send(ctx context.Context, msg Message) error {
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Hub tracks every connected socket and implements http.Handler for the
// single WS endpoint.
type Hub struct {
	verifier TokenVerifier
	store    SnapshotStore
	log      *slog.Logger

	mu      sync.RWMutex
	sockets map[*socket]struct{}
}

// NewHub creates a Hub. verifier authenticates inbound connections;
// store resolves sensor_batch payloads.
func NewHub(verifier TokenVerifier, store SnapshotStore, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		verifier: verifier,
		store:    store,
		log:      logger.With("component", "wsfanout"),
		sockets:  make(map[*socket]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket, authenticates it, runs
// the handshake, and then services client messages until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	ownerID, err := h.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	sock := &socket{ownerID: ownerID, conn: conn, sub: allSubscription()}
	h.register(sock)
	defer h.unregister(sock)

	ctx := r.Context()
	if err := sock.send(ctx, WelcomeMessage{}); err != nil {
		return
	}
	if err := h.sendReadyAndBatch(ctx, sock); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := h.handleClientMessage(ctx, sock, data); err != nil {
			return
		}
	}
}

// bearerToken extracts the JWT from the Authorization header, the
// ?token= query parameter, or the sb-access-token cookie, per spec.md
// §4.G's connection handshake.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
		return auth
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie("sb-access-token"); err == nil {
		return c.Value
	}
	return ""
}

func (h *Hub) register(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[s] = struct{}{}
}

func (h *Hub) unregister(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, s)
}

// handleClientMessage implements spec.md §4.G's client message table.
func (h *Hub) handleClientMessage(ctx context.Context, s *socket, data []byte) error {
	msg, err := unmarshalClientMessage(data)
	if err != nil || msg == nil {
		return s.send(ctx, ErrorMessage{Detail: "unrecognized message"})
	}

	switch m := msg.(type) {
	case *PingMessage:
		return s.send(ctx, PongMessage{})
	case *SubscribeSensorsMessage:
		ids := make(map[string]struct{}, len(m.SensorIDs))
		for _, id := range m.SensorIDs {
			ids[id] = struct{}{}
		}
		s.setSubscription(subscription{set: ids})
		return h.sendReadyAndBatch(ctx, s)
	case *SubscribeAllMessage:
		s.setSubscription(allSubscription())
		return h.sendReadyAndBatch(ctx, s)
	case *SyncRequestMessage:
		return h.sendBatch(ctx, s)
	default:
		return s.send(ctx, ErrorMessage{Detail: "unrecognized message"})
	}
}

func (h *Hub) sendReadyAndBatch(ctx context.Context, s *socket) error {
	if err := s.send(ctx, ReadyMessage{}); err != nil {
		return err
	}
	return h.sendBatch(ctx, s)
}

func (h *Hub) sendBatch(ctx context.Context, s *socket) error {
	snapshots, err := h.store.LatestSensorSnapshots(ctx, s.ownerID, s.subscription().ids())
	if err != nil {
		h.log.Warn("loading sensor batch failed", "owner_id", s.ownerID, "error", err)
		snapshots = nil
	}
	return s.send(ctx, SensorBatchMessage{Sensors: snapshots})
}

// BroadcastSensorUpdate implements sensors.Broadcaster: deliver payload
// to every socket owned by ownerID, and — only if none matched — fall
// back to any socket subscribed (by id or subscribe-all) to sensorID,
// regardless of owner. This is the cross-tenant "shared sensor" leak
// surface spec.md §8 explicitly requires a test for: the fallback must
// never fire when at least one same-owner socket already received it.
func (h *Hub) BroadcastSensorUpdate(ownerID, sensorID string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := SensorUpdateMessage{SensorID: sensorID, Data: payload}

	matched := h.deliverTo(ctx, msg, func(s *socket) bool { return s.ownerID == ownerID })
	if matched > 0 {
		return
	}
	h.deliverTo(ctx, msg, func(s *socket) bool { return s.subscription().matches(sensorID) })
}

func (h *Hub) deliverTo(ctx context.Context, msg Message, match func(*socket) bool) int {
	h.mu.RLock()
	targets := make([]*socket, 0, len(h.sockets))
	for s := range h.sockets {
		if match(s) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	var dead []*socket
	for _, s := range targets {
		if err := s.send(ctx, msg); err != nil {
			dead = append(dead, s)
			continue
		}
		delivered++
	}
	for _, s := range dead {
		h.unregister(s)
	}
	return delivered
}

// Close force-disconnects every socket, for graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	sockets := make([]*socket, 0, len(h.sockets))
	for s := range h.sockets {
		sockets = append(sockets, s)
	}
	h.sockets = make(map[*socket]struct{})
	h.mu.Unlock()

	for _, s := range sockets {
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
