// Package diag serves the diagnostic surface: JSON endpoints for the
// network state, tables and registered devices, and a WebSocket stream
// of stack events.
package diag

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"espzb/internal/aps"
	"espzb/internal/gateway"
	"espzb/internal/nwk"
	"espzb/internal/stack"
	"espzb/internal/zigbee"
)

// Engine is the slice of the stack the diagnostic server needs.
type Engine interface {
	NetworkInfo() (zigbee.NetworkInfo, bool)
	Routes() []nwk.RouteEntry
	Bindings() []aps.Binding
	Groups() []zigbee.GroupID
	PermitJoin(seconds uint8) error
	Send(ctx context.Context, req stack.SendRequest) error
	Events() *stack.EventBus
}

// Option configures the server.
type Option func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ requests.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets the accepted WebSocket origin patterns.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// Server is the diagnostic HTTP server.
type Server struct {
	engine   Engine
	registry *gateway.Registry // nil when running without a registry
	logger   *slog.Logger
	mux      *http.ServeMux
	hub      *Hub

	apiKey         string
	allowedOrigins []string
}

// NewServer builds the server and subscribes the event hub to the
// stack's event bus.
func NewServer(engine Engine, registry *gateway.Registry, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		logger:   logger.With("component", "diag"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.logger)
	s.hub.Attach(engine.Events())

	s.routes()
	return s
}

// Stop detaches from the event bus and shuts the hub down.
func (s *Server) Stop() {
	s.hub.Stop()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/network", s.handleNetworkInfo)
	s.mux.HandleFunc("GET /api/routes", s.handleRoutes)
	s.mux.HandleFunc("GET /api/bindings", s.handleBindings)
	s.mux.HandleFunc("GET /api/groups", s.handleGroups)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleDeleteDevice)
	s.mux.HandleFunc("POST /api/network/permit-join", s.handlePermitJoin)
	s.mux.HandleFunc("POST /api/send", s.handleSend)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the API-key check before dispatching.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleNetworkInfo(w http.ResponseWriter, _ *http.Request) {
	info, onNetwork := s.engine.NetworkInfo()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"on_network": onNetwork,
		"pan_id":     info.PANID,
		"ext_pan_id": info.ExtPANID,
		"channel":    info.Channel,
		"short":      info.ShortAddr,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Routes())
}

func (s *Server) handleBindings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Bindings())
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Groups())
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		s.writeJSON(w, http.StatusOK, []*gateway.Device{})
		return
	}
	devices, err := s.registry.List()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	var body struct {
		FriendlyName string `json:"friendly_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	err := s.registry.Update(dev.IEEE, func(d *gateway.Device) error {
		d.FriendlyName = body.FriendlyName
		return nil
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(dev.IEEE); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePermitJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Seconds uint8 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := s.engine.PermitJoin(body.Seconds); err != nil {
		s.logger.Warn("permit join", "err", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "seconds": body.Seconds})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dst         uint16 `json:"dst"`
		Group       uint16 `json:"group"`
		DstEndpoint uint8  `json:"dst_endpoint"`
		SrcEndpoint uint8  `json:"src_endpoint"`
		Cluster     uint16 `json:"cluster"`
		Profile     uint16 `json:"profile"`
		Ack         bool   `json:"ack"`
		Payload     string `json:"payload"` // hex
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	payload, err := hex.DecodeString(body.Payload)
	if err != nil {
		http.Error(w, "payload is not valid hex", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	err = s.engine.Send(ctx, stack.SendRequest{
		Dst:         zigbee.ShortAddr(body.Dst),
		Group:       zigbee.GroupID(body.Group),
		DstEndpoint: body.DstEndpoint,
		SrcEndpoint: body.SrcEndpoint,
		Cluster:     body.Cluster,
		Profile:     body.Profile,
		Ack:         body.Ack,
		Payload:     payload,
	})
	if err != nil {
		s.logger.Warn("send", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookupDevice resolves the {ieee} path segment against the registry.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*gateway.Device, bool) {
	if s.registry == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil, false
	}
	var ieee zigbee.IEEEAddr
	raw := r.PathValue("ieee")
	parsed, err := hex.DecodeString(raw)
	if err != nil || len(parsed) != 8 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil, false
	}
	for _, b := range parsed {
		ieee = ieee<<8 | zigbee.IEEEAddr(b)
	}
	dev, err := s.registry.Get(ieee)
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil, false
	}
	return dev, true
}

// writeJSON renders to a buffer first so encode failures do not corrupt
// the response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
