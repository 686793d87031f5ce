package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kuuji/monitor360/internal/store"
)

// These handlers back the explicitly out-of-scope plain management
// surfaces (credential/device/monitor/sensor/channel CRUD) — thin enough
// to exercise internal/store and let the in-scope components (B, D, E,
// F, G, H, J) find real rows, without reimplementing validation business
// logic spec.md places outside this system's boundary.

type createCredentialRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cred, err := s.deps.Store.CreateCredential(r.Context(), ownerFrom(r), req.Name, req.Username, req.Password)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Store.ListCredentials(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteCredential(r.Context(), ownerFrom(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createDeviceRequest struct {
	ClientName   string `json:"client_name"`
	IPAddress    string `json:"ip_address"`
	Node         string `json:"node"`
	MAC          string `json:"mac"`
	CredentialID string `json:"credential_id"`
	IsMaestro    bool   `json:"is_maestro"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	device, err := s.deps.Store.CreateDevice(r.Context(), store.Device{
		ClientName:   req.ClientName,
		IPAddress:    req.IPAddress,
		Node:         req.Node,
		MAC:          req.MAC,
		CredentialID: req.CredentialID,
		IsMaestro:    req.IsMaestro,
		OwnerID:      ownerFrom(r),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Store.ListDevices(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteDevice(r.Context(), ownerFrom(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	monitor, err := s.deps.Store.CreateMonitor(r.Context(), ownerFrom(r), req.DeviceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, monitor)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := s.deps.Store.ListMonitors(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteMonitor(r.Context(), ownerFrom(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSensorRequest struct {
	MonitorID string          `json:"monitor_id"`
	Type      string          `json:"sensor_type"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
}

func (s *Server) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	var req createSensorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sensor, err := s.deps.Store.CreateSensor(r.Context(), store.Sensor{
		MonitorID: req.MonitorID,
		Type:      req.Type,
		Name:      req.Name,
		Config:    req.Config,
		OwnerID:   ownerFrom(r),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sensor)
}

func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSensor(r.Context(), ownerFrom(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createChannelRequest struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	channel, err := s.deps.Store.CreateNotificationChannel(r.Context(), store.NotificationChannel{
		Name:    req.Name,
		Type:    req.Type,
		Config:  req.Config,
		OwnerID: ownerFrom(r),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Store.ListNotificationChannels(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteNotificationChannel(r.Context(), ownerFrom(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Store.ListAlertHistory(r.Context(), ownerFrom(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
