// Package httpapi wires the HTTP surface from spec.md §6: the in-scope
// endpoints backed by this repo's own components (reachability test,
// device-VPN association, VPN CRUD plus mikrotik-auto and peer-status, QR
// pairing, /ws, /healthz), and thin internal/store-backed handlers for the
// explicitly out-of-scope plain management CRUD a complete server still
// needs to expose. Built the way bamgate's internal/control.Server wires a
// stdlib *http.ServeMux and runs it with a background goroutine plus a
// graceful Shutdown, adapted from a Unix-socket status endpoint to a
// network-facing tenant API.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kuuji/monitor360/internal/authn"
	"github.com/kuuji/monitor360/internal/history"
	"github.com/kuuji/monitor360/internal/qrpairing"
	"github.com/kuuji/monitor360/internal/reachability"
	"github.com/kuuji/monitor360/internal/store"
	"github.com/kuuji/monitor360/internal/wgpeer"
	"github.com/kuuji/monitor360/internal/wsfanout"
)

// Deps is every collaborator the HTTP surface needs, assembled by
// cmd/m360d and handed to NewServer as a single bundle, mirroring
// bamgate's internal/agent.Deps pattern of one struct per process-wide
// dependency set.
type Deps struct {
	Store     *store.Pool
	Verifier  *authn.Verifier
	Hub       *wsfanout.Hub
	History   *history.Aggregator
	Registrar *wgpeer.Registrar
	Prober    *reachability.Prober
	QR        *qrpairing.Store
	Log       *slog.Logger
}

// Server is the process's HTTP listener.
type Server struct {
	deps       Deps
	mux        *http.ServeMux
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds a Server with every route registered. It does not
// start listening; call Start for that.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), log: deps.Log.With("component", "httpapi")}
	s.routes()
	return s
}

// Start begins serving HTTP on addr. It returns immediately; the server
// runs in the background until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}

	ln, err := newListener(addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()

	s.log.Info("http server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down, waiting up to 10s for in-flight
// requests (including open WebSocket connections) to finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /ws", s.deps.Hub)

	s.mux.HandleFunc("POST /api/credentials", s.auth(s.handleCreateCredential))
	s.mux.HandleFunc("GET /api/credentials", s.auth(s.handleListCredentials))
	s.mux.HandleFunc("DELETE /api/credentials/{id}", s.auth(s.handleDeleteCredential))

	s.mux.HandleFunc("POST /api/devices/manual", s.auth(s.handleCreateDevice))
	s.mux.HandleFunc("GET /api/devices", s.auth(s.handleListDevices))
	s.mux.HandleFunc("PUT /api/devices/{id}/associate_vpn", s.auth(s.handleAssociateDeviceVPN))
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.auth(s.handleDeleteDevice))
	s.mux.HandleFunc("POST /api/devices/test_reachability", s.auth(s.handleTestReachability))

	s.mux.HandleFunc("POST /api/monitors", s.auth(s.handleCreateMonitor))
	s.mux.HandleFunc("GET /api/monitors", s.auth(s.handleListMonitors))
	s.mux.HandleFunc("DELETE /api/monitors/{id}", s.auth(s.handleDeleteMonitor))

	s.mux.HandleFunc("POST /api/sensors", s.auth(s.handleCreateSensor))
	s.mux.HandleFunc("DELETE /api/sensors/{id}", s.auth(s.handleDeleteSensor))
	s.mux.HandleFunc("GET /api/sensors/{id}/history_range", s.auth(s.handleHistoryRange))
	s.mux.HandleFunc("GET /api/sensors/{id}/history_window", s.auth(s.handleHistoryWindow))

	s.mux.HandleFunc("POST /api/channels", s.auth(s.handleCreateChannel))
	s.mux.HandleFunc("GET /api/channels", s.auth(s.handleListChannels))
	s.mux.HandleFunc("DELETE /api/channels/{id}", s.auth(s.handleDeleteChannel))
	s.mux.HandleFunc("GET /api/alerts/history", s.auth(s.handleAlertHistory))

	s.mux.HandleFunc("POST /api/vpns", s.auth(s.handleCreateVPNProfile))
	s.mux.HandleFunc("GET /api/vpns", s.auth(s.handleListVPNProfiles))
	s.mux.HandleFunc("DELETE /api/vpns/{id}", s.auth(s.handleDeleteVPNProfile))
	s.mux.HandleFunc("POST /api/vpns/mikrotik-auto", s.auth(s.handleMikrotikAuto))
	s.mux.HandleFunc("GET /api/vpns/peer-status/{pub}", s.auth(s.handlePeerStatus))

	s.mux.HandleFunc("POST /api/qr/start", s.auth(s.handleQRStart))
	s.mux.HandleFunc("POST /api/scan/{session_id}", s.handleQRScan)
	s.mux.HandleFunc("GET /api/qr/status/{session_id}", s.handleQRStatus)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
