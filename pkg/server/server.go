package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skyconsole/pkg/alpaca"
	"skyconsole/pkg/camera"
	"skyconsole/pkg/devices"
	"skyconsole/pkg/discovery"
	"skyconsole/pkg/imaging"
	"skyconsole/pkg/panels"
	"skyconsole/pkg/registry"
	"skyconsole/pkg/store"
)

// Server is the console's HTTP API. Commands and reads go through the
// registry, dispatcher and tracker; updates reach browsers over /events.
type Server struct {
	reg        *registry.Registry
	dispatcher *devices.Dispatcher
	tracker    *camera.Tracker
	hub        *Hub
	panels     map[alpaca.DeviceType]panels.Panel
	logger     log.FieldLogger

	store      *store.Store
	discoverer *discovery.Discoverer
	tmpl       *template.Template
}

type Option func(*Server)

// WithStore persists devices added and removed through the API.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

func WithDiscoverer(d *discovery.Discoverer) Option {
	return func(s *Server) { s.discoverer = d }
}

func WithTemplates(t *template.Template) Option {
	return func(s *Server) { s.tmpl = t }
}

func New(reg *registry.Registry, dispatcher *devices.Dispatcher, tracker *camera.Tracker, hub *Hub, logger log.FieldLogger, opts ...Option) (*Server, error) {
	p, err := panels.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load panels: %w", err)
	}
	s := &Server{
		reg:        reg,
		dispatcher: dispatcher,
		tracker:    tracker,
		hub:        hub,
		panels:     p,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()
	r.HandleFunc("GET /{$}", s.handleIndex)
	r.HandleFunc("GET /events", s.hub.ServeWs)

	r.HandleFunc("GET /api/devices", s.handleListDevices)
	r.HandleFunc("POST /api/devices", s.handleAddDevice)
	r.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	r.HandleFunc("DELETE /api/devices/{id}", s.handleRemoveDevice)
	r.HandleFunc("POST /api/devices/{id}/connect", s.handleConnect)
	r.HandleFunc("POST /api/devices/{id}/disconnect", s.handleDisconnect)
	r.HandleFunc("POST /api/devices/{id}/reset", s.handleReset)
	r.HandleFunc("POST /api/devices/{id}/commands/{name}", s.handleCommand)
	r.HandleFunc("PUT /api/devices/{id}/properties/{property}", s.handleSetProperty)
	r.HandleFunc("POST /api/devices/{id}/exposure", s.handleStartExposure)
	r.HandleFunc("POST /api/devices/{id}/exposure/abort", s.handleAbortExposure)
	r.HandleFunc("GET /api/devices/{id}/image", s.handleImage)
	r.HandleFunc("GET /api/devices/{id}/image/info", s.handleImageInfo)
	r.HandleFunc("GET /api/devices/{id}/panel", s.handleDevicePanel)

	r.HandleFunc("GET /api/panels/{type}", s.handlePanel)
	r.HandleFunc("POST /api/discovery", s.handleDiscovery)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	var aerr *alpaca.Error
	var herr *alpaca.HTTPError
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateID),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, camera.ErrExposureInProgress),
		errors.Is(err, discovery.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, registry.ErrMissingID),
		errors.Is(err, registry.ErrNoClient),
		errors.Is(err, devices.ErrWrongDeviceType),
		errors.Is(err, devices.ErrUnknownCommand),
		errors.Is(err, devices.ErrMissingParameter),
		errors.Is(err, camera.ErrNotCamera):
		return http.StatusBadRequest
	case errors.As(err, &aerr), errors.As(err, &herr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (registry.Device, bool) {
	id := r.PathValue("id")
	d, ok := s.reg.Get(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", registry.ErrDeviceNotFound, id))
	}
	return d, ok
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.tmpl == nil {
		http.Error(w, "no user interface configured", http.StatusNotFound)
		return
	}
	data := struct {
		Devices []registry.Device
		Types   []alpaca.DeviceType
	}{s.reg.List(), alpaca.DeviceTypes}

	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Errorf("Error rendering template: %v", err)
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if d, ok := s.device(w, r); ok {
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := decodeBody(r, &rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := alpaca.ParseDeviceType(rec.Type.String())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rec.Type = t
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if err := s.reg.Add(registry.Device{
		ID:         rec.ID,
		Name:       rec.Name,
		Type:       rec.Type,
		Number:     rec.Number,
		APIBaseURL: rec.APIBaseURL,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveDevice(rec); err != nil {
			s.reg.Remove(rec.ID)
			s.writeError(w, err)
			return
		}
	}

	d, _ := s.reg.Get(rec.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reg.Remove(id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.DeleteDevice(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warnf("Failed to delete stored device %s: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Connect(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleGetDevice(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleGetDevice(w, r)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Reset(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleGetDevice(w, r)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if err := decodeBody(r, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.dispatcher.Run(r.Context(), r.PathValue("id"), "", r.PathValue("name"), args); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &req); err != nil || req.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a value is required"})
		return
	}
	if err := s.dispatcher.Set(r.Context(), r.PathValue("id"), r.PathValue("property"), req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartExposure(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Duration float64 `json:"duration"`
		Light    *bool   `json:"light"`
	}{}
	if err := decodeBody(r, &req); err != nil || req.Duration < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a non-negative duration is required"})
		return
	}
	light := true
	if req.Light != nil {
		light = *req.Light
	}
	if err := s.tracker.StartExposure(r.Context(), r.PathValue("id"), req.Duration, light); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAbortExposure(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.AbortExposure(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lastImage(w http.ResponseWriter, r *http.Request) (*camera.Image, bool) {
	if _, ok := s.device(w, r); !ok {
		return nil, false
	}
	img, ok := s.tracker.LastImage(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no image available"})
	}
	return img, ok
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	img, ok := s.lastImage(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := imaging.EncodePNG(w, img.Frame); err != nil {
		s.logger.Errorf("Failed to encode image: %v", err)
	}
}

func (s *Server) handleImageInfo(w http.ResponseWriter, r *http.Request) {
	if img, ok := s.lastImage(w, r); ok {
		writeJSON(w, http.StatusOK, img.Info())
	}
}

// handleDevicePanel returns the features of the device's panel that are
// visible with its current properties.
func (s *Server) handleDevicePanel(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	p := s.panels[d.Type]
	writeJSON(w, http.StatusOK, panels.Panel{Type: d.Type, Features: p.VisibleFeatures(d.Properties)})
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	t, err := alpaca.ParseDeviceType(r.PathValue("type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.panels[t])
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.discoverer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "discovery is disabled"})
		return
	}
	found, err := s.discoverer.Discover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found == nil {
		found = []discovery.Found{}
	}
	writeJSON(w, http.StatusOK, found)
}
