// Package gatewaytest provides an in-memory DALI2 IoT gateway served over
// httptest, for exercising the client, coordinator and dispatcher together.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"

	"github.com/dokzlo13/dalid/internal/gateway"
)

// Request is a recorded write request.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   json.RawMessage
}

// Server simulates the gateway firmware.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	devices  map[int]gateway.DeviceDescriptor
	requests []Request

	writeStatus   int // non-zero forces write endpoints to fail
	devicesStatus int // non-zero forces GET /devices to fail
	devicesGets   int

	gate    chan struct{}
	entered chan struct{}

	scanRunning   bool
	scanPolls     int
	scanRemaining int
	scanResult    []gateway.DeviceDescriptor
	scanNew       bool
}

// New starts a fake gateway.
func New(devices ...gateway.DeviceDescriptor) *Server {
	s := &Server{devices: make(map[int]gateway.DeviceDescriptor)}
	s.SetDevices(devices...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /device/{id}", s.handleDevice)
	mux.HandleFunc("PUT /device/{id}", s.handleSetGroups)
	mux.HandleFunc("POST /device/{id}/control", s.handleControlDevice)
	mux.HandleFunc("POST /group/{id}/control", s.handleControlGroup)
	mux.HandleFunc("POST /dali/scan", s.handleStartScan)
	mux.HandleFunc("GET /dali/scan", s.handleScanStatus)

	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the base URL of the fake gateway.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
	s.srv.Close()
}

// SetDevices replaces the device list.
func (s *Server) SetDevices(devices ...gateway.DeviceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[int]gateway.DeviceDescriptor, len(devices))
	for _, d := range devices {
		s.devices[d.ID] = d
	}
}

// Device returns the current simulated state of a device.
func (s *Server) Device(id int) (gateway.DeviceDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// Requests returns all recorded write requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// DevicesFetches returns how many times GET /devices was served.
func (s *Server) DevicesFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devicesGets
}

// FailWrites makes every write endpoint answer status (0 restores).
func (s *Server) FailWrites(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeStatus = status
}

// FailDevices makes GET /devices answer status (0 restores).
func (s *Server) FailDevices(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devicesStatus = status
}

// BlockDevices holds GET /devices responses until release is called. The
// returned channel receives once per request that reached the gate. The
// device list is captured when the request arrives, so changes made while
// blocked are not part of the held response.
func (s *Server) BlockDevices() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gate = gate
	s.entered = make(chan struct{}, 16)
	var once sync.Once
	return s.entered, func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetScanResult configures the next scan: it reports running for polls
// status requests and then replaces the device list with devices.
func (s *Server) SetScanResult(polls int, devices ...gateway.DeviceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanPolls = polls
	s.scanResult = devices
}

// LastScanWasNewInstallation reports the flag sent with the last scan.
func (s *Server) LastScanWasNewInstallation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanNew
}

func (s *Server) record(r *http.Request, body []byte) {
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   json.RawMessage(body),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gateway.Info{Name: "DALI2 IoT", Version: "test"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.devicesGets++
	status := s.devicesStatus
	gate, entered := s.gate, s.entered

	ids := make([]int, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	list := make([]gateway.DeviceDescriptor, 0, len(ids))
	for _, id := range ids {
		list = append(list, s.devices[id])
	}
	s.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		http.Error(w, "devices unavailable", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	d, ok := s.devices[id]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) readWrite(w http.ResponseWriter, r *http.Request) ([]byte, int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return nil, 0, false
	}
	body, err := readAll(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, 0, false
	}

	s.record(r, body)
	if s.writeStatus != 0 {
		http.Error(w, "write rejected", s.writeStatus)
		return nil, 0, false
	}
	return body, id, true
}

func (s *Server) handleSetGroups(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, id, ok := s.readWrite(w, r)
	if !ok {
		return
	}
	d, found := s.devices[id]
	if !found {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	var req struct {
		Groups []int `json:"groups"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.Groups = slices.Clone(req.Groups)
	s.devices[id] = d
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleControlDevice(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, id, ok := s.readWrite(w, r)
	if !ok {
		return
	}
	d, found := s.devices[id]
	if !found {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	var data gateway.ControlData
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.devices[id] = apply(d, data)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControlGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, id, ok := s.readWrite(w, r)
	if !ok {
		return
	}

	var data gateway.ControlData
	if err := json.Unmarshal(body, &data); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	line := -1
	if v := r.URL.Query().Get("_line"); v != "" {
		line, _ = strconv.Atoi(v)
	}

	for devID, d := range s.devices {
		if !slices.Contains(d.Groups, id) {
			continue
		}
		if line >= 0 && d.Line != line {
			continue
		}
		s.devices[devID] = apply(d, data)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := readAll(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.record(r, body)
	if s.writeStatus != 0 {
		http.Error(w, "write rejected", s.writeStatus)
		return
	}

	var req struct {
		NewInstallation bool `json:"newInstallation"`
	}
	_ = json.Unmarshal(body, &req)

	s.scanNew = req.NewInstallation
	s.scanRunning = true
	s.scanRemaining = s.scanPolls
	s.finishScanLocked()
	writeJSON(w, http.StatusOK, s.scanStatusLocked())
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanRunning {
		s.scanRemaining--
		s.finishScanLocked()
	}
	writeJSON(w, http.StatusOK, s.scanStatusLocked())
}

func (s *Server) finishScanLocked() {
	if !s.scanRunning || s.scanRemaining > 0 {
		return
	}
	s.scanRunning = false
	devices := make(map[int]gateway.DeviceDescriptor, len(s.scanResult))
	if !s.scanNew {
		for id, d := range s.devices {
			devices[id] = d
		}
	}
	for _, d := range s.scanResult {
		devices[d.ID] = d
	}
	s.devices = devices
}

func (s *Server) scanStatusLocked() gateway.ScanStatus {
	if s.scanRunning {
		progress := 0.0
		if s.scanPolls > 0 {
			progress = 100 * float64(s.scanPolls-s.scanRemaining) / float64(s.scanPolls)
		}
		return gateway.ScanStatus{Status: "in progress", Progress: progress}
	}
	return gateway.ScanStatus{Status: "done", Progress: 100, Found: len(s.devices)}
}
