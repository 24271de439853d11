package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/bridge"
	"github.com/bryanchriswhite/CaptureBridge/internal/config"
	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
	"github.com/bryanchriswhite/CaptureBridge/internal/events"
	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/bryanchriswhite/CaptureBridge/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	bridge    *bridge.Bridge
	configMgr *config.Manager
	hub       *events.Hub
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	log       *zerolog.Logger

	// screenshotTimeout bounds how long a request handler waits for the
	// capture callback
	screenshotTimeout time.Duration
	httpServer        *http.Server
}

// NewServer creates a new API server. configMgr, hub and m may be nil.
func NewServer(b *bridge.Bridge, configMgr *config.Manager, hub *events.Hub, m *metrics.Metrics) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		bridge:    b,
		configMgr: configMgr,
		hub:       hub,
		metrics:   m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, any origin
			},
		},
		log:               logger.WithComponent("api"),
		screenshotTimeout: 10 * time.Second,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api").Subrouter()

	// Authorization and session lifecycle
	api.HandleFunc("/authorize", s.handleAuthorize).Methods("POST")
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session", s.handleReleaseSession).Methods("DELETE")

	// Capture
	api.HandleFunc("/screenshot", s.handleScreenshot).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", port).Msgf("Starting server on http://localhost:%d", port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a server started with Start
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument counts requests by route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if route == "/api/events" {
			// the upgrader hijacks the connection
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequest(r.Method, route, rec.status)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	result := make(chan bool, 1)
	s.bridge.RequestAuthorization(r.Context(), func(ok bool) { result <- ok })

	select {
	case granted := <-result:
		writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
	case <-r.Context().Done():
		http.Error(w, "authorization aborted", http.StatusRequestTimeout)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	status, ok := s.bridge.Status()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"session":   status,
	})
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	s.bridge.Release()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	save, _ := strconv.ParseBool(r.URL.Query().Get("save"))

	result := make(chan *image.RGBA, 1)
	s.bridge.TakeScreenshot(func(img *image.RGBA) { result <- img })

	var img *image.RGBA
	select {
	case img = <-result:
	case <-time.After(s.screenshotTimeout):
	case <-r.Context().Done():
		return
	}
	if img == nil {
		// not an error: the caller is expected to re-authorize
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if save {
		path, err := s.bridge.SaveToFile(img)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
		return
	}

	policy := s.imagePolicy()
	var buf bytes.Buffer
	if err := policy.Encode(&buf, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType(policy))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

func (s *Server) imagePolicy() encoder.Policy {
	if s.configMgr == nil {
		return encoder.Policy{Format: encoder.FormatJPEG, Quality: 90}
	}
	return s.configMgr.Get().Capture.OnDemand
}

func contentType(p encoder.Policy) string {
	switch p.Extension() {
	case ".jpg":
		return "image/jpeg"
	case ".bmp":
		return "image/bmp"
	case ".tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	s.metrics.WSConnected(1)
	defer s.metrics.WSConnected(-1)

	updates := s.hub.Subscribe()
	defer s.hub.Unsubscribe(updates)

	// The client never sends anything; a read error means it went away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unsubscribe(updates)
				return
			}
		}
	}()

	if status, ok := s.bridge.Status(); ok {
		initial := events.Event{Kind: events.KindState, Session: status.ID, State: status.State, At: time.Now()}
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}

	for e := range updates {
		if err := conn.WriteJSON(e); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	cfg := s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.configMgr.Update(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
