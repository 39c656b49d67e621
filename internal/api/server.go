package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/config"
	"github.com/julienar/ixcharged/internal/ixapi"
	"go.uber.org/zap"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const shutdownTimeout = 5 * time.Second

// Device is the charger surface exposed over HTTP
type Device interface {
	Points() []charger.Readable
	Point(id string) (charger.Readable, error)
	Write(ctx context.Context, id string, value ixapi.Value) error
	Refresh(ctx context.Context) error
	DeviceInfo() charger.DeviceInfo
}

// Server provides the HTTP control API for the charger
type Server struct {
	device Device
	logger *zap.Logger
	addr   string
	auth   config.AuthConfig
}

// NewServer creates a new API server
func NewServer(device Device, logger *zap.Logger, addr string, auth config.AuthConfig) *Server {
	return &Server{
		device: device,
		logger: logger,
		addr:   addr,
		auth:   auth,
	}
}

// Handler returns the API handler with all middleware applied
func (s *Server) Handler() http.Handler {
	// Use Datadog HTTP tracing middleware
	mux := httptrace.NewServeMux()
	mux.HandleFunc("/api/points", s.listPoints)
	mux.HandleFunc("/api/points/", s.handlePoint)
	mux.HandleFunc("/api/refresh", s.refresh)
	mux.HandleFunc("/api/device", s.deviceInfo)

	var handler http.Handler = mux

	// Add Basic Auth middleware if enabled
	if s.auth.Enabled {
		handler = s.basicAuthMiddleware(handler)
	}

	return s.securityMiddleware(handler)
}

// Start serves the API until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.auth.Enabled {
		s.logger.Info("API Authentication enabled")
	}
	s.logger.Info("Starting API server", zap.String("addr", s.addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// securityMiddleware sets browser hardening headers on every response
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// basicAuthMiddleware enforces Basic Authentication
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()

		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(s.auth.Username)) != 1 || subtle.ConstantTimeCompare([]byte(pass), []byte(s.auth.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			s.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response types
type ErrorResponse struct {
	Error string `json:"error"`
}

// PointResponse is a point's metadata plus its current state
type PointResponse struct {
	charger.Info
	Available  bool           `json:"available"`
	Value      any            `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type WriteRequest struct {
	Value *ixapi.Value `json:"value"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func pointToResponse(p charger.Readable) PointResponse {
	resp := PointResponse{Info: p.Info()}
	if v, ok := p.Read(); ok {
		resp.Available = true
		resp.Value = v
		resp.Attributes = p.Attributes()
	}
	return resp
}

// listPoints returns all points
func (s *Server) listPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	points := s.device.Points()
	resp := make([]PointResponse, 0, len(points))
	for _, p := range points {
		resp = append(resp, pointToResponse(p))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handlePoint reads or writes a single point: /api/points/{id}
func (s *Server) handlePoint(w http.ResponseWriter, r *http.Request) {
	span, ctx := tracer.StartSpanFromContext(r.Context(), "api.handle_point")
	defer span.Finish()

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/points/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "point id required")
		return
	}
	span.SetTag("point", id)

	point, err := s.device.Point(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, pointToResponse(point))

	case http.MethodPut, http.MethodPost:
		var req WriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.Value == nil {
			s.writeError(w, http.StatusBadRequest, "value is required")
			return
		}

		// The write outlives the request; the API client timeout bounds it
		if err := s.device.Write(context.WithoutCancel(ctx), id, *req.Value); err != nil {
			span.SetTag("error", err)
			switch {
			case errors.Is(err, charger.ErrReadOnly):
				s.writeError(w, http.StatusMethodNotAllowed, err.Error())
			case errors.Is(err, charger.ErrPointNotFound):
				s.writeError(w, http.StatusNotFound, err.Error())
			default:
				s.writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}

		s.writeJSON(w, http.StatusAccepted, SuccessResponse{
			Success: true,
			Message: fmt.Sprintf("%s set to %s", id, req.Value.String()),
		})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// refresh forces a full poll and returns the device state
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.device.Refresh(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, s.device.DeviceInfo())
}

func (s *Server) deviceInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.device.DeviceInfo())
}

// Helper functions
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("API error", zap.String("error", message), zap.Int("status", status))
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
