package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kuuji/monitor360/internal/history"
	"github.com/kuuji/monitor360/internal/reachability"
	"github.com/kuuji/monitor360/internal/store"
	"github.com/kuuji/monitor360/internal/wgpeer"
)

// These handlers carry real business logic from spec.md §4: device-VPN
// association, the reachability test, sensor history, VPN profile CRUD
// plus mikrotik-auto registration and peer status, and QR pairing.

type associateVPNRequest struct {
	VPNProfileID *int64 `json:"vpn_profile_id"`
}

func (s *Server) handleAssociateDeviceVPN(w http.ResponseWriter, r *http.Request) {
	var req associateVPNRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Store.AssociateDeviceVPNProfile(r.Context(), ownerFrom(r), r.PathValue("id"), req.VPNProfileID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type testReachabilityRequest struct {
	IP           string  `json:"ip"`
	VPNProfileID *int64  `json:"vpn_profile_id"`
	MaestroID    *string `json:"maestro_id"`
}

// handleTestReachability backs spec.md §4.H: sweep this tenant's stored
// credentials against one IP, optionally through a VPN profile or a
// maestro's routed profile.
func (s *Server) handleTestReachability(w http.ResponseWriter, r *http.Request) {
	var req testReachabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ownerID := ownerFrom(r)
	creds, err := s.deps.Store.ListCredentials(r.Context(), ownerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	probeCreds := make([]reachability.Credential, len(creds))
	for i, c := range creds {
		probeCreds[i] = reachability.Credential{ID: c.ID, Username: c.Username, Password: c.Password}
	}
	result, err := s.deps.Prober.Probe(r.Context(), reachability.Request{
		IP:           req.IP,
		VPNProfileID: req.VPNProfileID,
		MaestroID:    req.MaestroID,
		Credentials:  probeCreds,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleHistoryRange and handleHistoryWindow both need to know whether a
// sensor is a "ping" or "ethernet" sensor before picking an Aggregator
// method, per spec.md §4.I.
func (s *Server) handleHistoryRange(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	sensorID := r.PathValue("id")
	sensorType, err := s.deps.Store.SensorType(r.Context(), ownerID, sensorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	timeRange := r.URL.Query().Get("time_range")

	var (
		points any
		herr   error
	)
	switch sensorType {
	case "ethernet":
		points, herr = s.deps.History.EthernetHistoryRange(r.Context(), sensorID, timeRange)
	default:
		points, herr = s.deps.History.PingHistoryRange(r.Context(), sensorID, timeRange)
	}
	if herr != nil {
		writeError(w, http.StatusBadRequest, herr.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleHistoryWindow(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFrom(r)
	sensorID := r.PathValue("id")
	sensorType, err := s.deps.Store.SensorType(r.Context(), ownerID, sensorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end timestamp")
		return
	}
	maxPoints, err := strconv.Atoi(q.Get("max_points"))
	if err != nil || maxPoints <= 0 {
		writeError(w, http.StatusBadRequest, "invalid max_points")
		return
	}
	mode := history.ParseMode(q.Get("mode"))

	var (
		points any
		herr   error
	)
	switch sensorType {
	case "ethernet":
		points, herr = s.deps.History.EthernetHistoryWindow(r.Context(), sensorID, start, end, maxPoints, mode)
	default:
		points, herr = s.deps.History.PingHistoryWindow(r.Context(), sensorID, start, end, maxPoints, mode)
	}
	if herr != nil {
		writeError(w, http.StatusBadRequest, herr.Error())
		return
	}
	writeJSON(w, http.StatusOK, points)
}

type createVPNProfileRequest struct {
	Name       string `json:"name"`
	ConfigData string `json:"config_data"`
	CheckIP    string `json:"check_ip"`
	IsDefault  bool   `json:"is_default"`
}

func (s *Server) handleCreateVPNProfile(w http.ResponseWriter, r *http.Request) {
	var req createVPNProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	profile, err := s.deps.Store.CreateVpnProfile(r.Context(), store.VpnProfile{
		Name:       req.Name,
		ConfigData: req.ConfigData,
		CheckIP:    req.CheckIP,
		IsDefault:  req.IsDefault,
		OwnerID:    ownerFrom(r),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListVPNProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.deps.Store.ListVpnProfiles(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleDeleteVPNProfile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid vpn profile id")
		return
	}
	if err := s.deps.Store.DeleteVpnProfile(r.Context(), ownerFrom(r), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mikrotikAutoRequest struct {
	DeviceID     string `json:"device_id"`
	EndpointHost string `json:"endpoint_host"`
	EndpointPort int    `json:"endpoint_port"`
	DNS          string `json:"dns"`
	AllowedIPs   string `json:"allowed_ips"`
}

// handleMikrotikAuto backs spec.md §4.J step 1: mikrotik_auto_register.
func (s *Server) handleMikrotikAuto(w http.ResponseWriter, r *http.Request) {
	var req mikrotikAutoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := s.deps.Registrar.Register(r.Context(), wgpeer.Request{
		DeviceID:     req.DeviceID,
		EndpointHost: req.EndpointHost,
		EndpointPort: req.EndpointPort,
		DNS:          req.DNS,
		AllowedIPs:   req.AllowedIPs,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handlePeerStatus(w http.ResponseWriter, r *http.Request) {
	status, ok, err := s.deps.Registrar.PeerStatus(r.Context(), r.PathValue("pub"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type qrStartResponse struct {
	SessionID   string `json:"session_id"`
	QRPNGBase64 string `json:"qr_png_base64"`
}

// handleQRStart backs spec.md §4's QR pairing flow: a tenant starts a
// session and displays the returned PNG for an unenrolled device to scan.
func (s *Server) handleQRStart(w http.ResponseWriter, r *http.Request) {
	sessionID, qrPNG, err := s.deps.QR.Start(ownerFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, qrStartResponse{
		SessionID:   sessionID,
		QRPNGBase64: base64.StdEncoding.EncodeToString(qrPNG),
	})
}

type qrScanRequest struct {
	DeviceID string `json:"device_id"`
}

// handleQRScan is deliberately not wrapped in s.auth: the scanning device
// is the unenrolled party completing pairing, not an authenticated tenant
// client, per spec.md §3's SCAN_SESSIONS flow.
func (s *Server) handleQRScan(w http.ResponseWriter, r *http.Request) {
	var req qrScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ok := s.deps.QR.Scan(r.PathValue("session_id"), req.DeviceID); !ok {
		writeError(w, http.StatusNotFound, "pairing session not found or expired")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	session, ok := s.deps.QR.Status(r.PathValue("session_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "pairing session not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, session)
}
