package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"callpilot/pkg/errors"
	"callpilot/pkg/metrics"
	"callpilot/pkg/version"

	"github.com/sirupsen/logrus"
)

// CallCounter reports how many calls currently have live state
type CallCounter interface {
	Count(ctx context.Context) (int, error)
}

// RateLimitMiddleware interface for rate limiting
type RateLimitMiddleware interface {
	Middleware(next http.Handler) http.Handler
}

// Server is the HTTP surface: ingest API, websocket hub, health and metrics
type Server struct {
	config              *Config
	logger              *logrus.Logger
	httpServer          *http.Server
	mux                 *http.ServeMux
	calls               CallCounter
	startTime           time.Time
	hub                 *Hub
	rateLimitMiddleware RateLimitMiddleware

	checksMu sync.RWMutex
	checks   []healthCheck

	listener net.Listener
}

// NewServer creates a new HTTP server instance. calls may be nil.
func NewServer(logger *logrus.Logger, config *Config, calls CallCounter) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		calls:     calls,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	server.mux.HandleFunc("/health", server.HealthHandler)
	server.mux.HandleFunc("/health/live", server.LivenessHandler)
	server.mux.HandleFunc("/health/ready", server.ReadinessHandler)
	server.mux.HandleFunc("/status", server.statusHandler)

	if config.EnableMetrics && metrics.GetRegistry() != nil {
		server.mux.Handle("/metrics", metrics.Handler())
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      server.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

// Handler returns the root handler with middleware applied
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		handler := http.Handler(s.mux)
		if s.rateLimitMiddleware != nil {
			handler = s.rateLimitMiddleware.Middleware(handler)
		}
		handler.ServeHTTP(w, r)
	})
}

// SetRateLimitMiddleware sets the rate limiting middleware for the server
func (s *Server) SetRateLimitMiddleware(middleware RateLimitMiddleware) {
	s.rateLimitMiddleware = middleware
	s.logger.Info("Rate limiting middleware configured")
}

// RegisterHandler adds a handler to the server. Patterns may carry a method
// and path wildcards.
func (s *Server) RegisterHandler(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
	s.logger.WithField("pattern", pattern).Debug("Registered HTTP handler")
}

// SetWebSocketHub mounts the hub at /ws and adds it to the health checks
func (s *Server) SetWebSocketHub(hub *Hub) {
	s.hub = hub
	s.mux.HandleFunc("/ws", hub.ServeWs)
	s.AddHealthCheck("websocket", false, func(context.Context) error {
		if !hub.IsRunning() {
			return errors.New("websocket hub not running")
		}
		return nil
	})
	s.logger.Info("WebSocket endpoint registered at /ws")
}

// Start binds the listener and serves in a goroutine. Bind errors are
// returned to the caller.
func (s *Server) Start() error {
	var tlsConfig *tls.Config
	if s.config.TLSEnabled {
		if s.config.TLSCertFile == "" || s.config.TLSKeyFile == "" {
			return errors.New("TLS is enabled but certificate or key path is missing")
		}
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return errors.Wrap(err, "failed to load TLS key pair")
		}
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP listener", map[string]interface{}{"port": s.config.Port})
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.listener = ln

	s.logger.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  tlsConfig != nil,
	}).Info("HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) liveCalls(ctx context.Context) (int, error) {
	if s.calls == nil {
		return 0, nil
	}
	return s.calls.Count(ctx)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.liveCalls(r.Context())
	if err != nil {
		s.ErrorResponse(w, errors.Wrap(err, "failed to count live calls"))
		return
	}

	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"live_calls": count,
		"version":    version.Version,
		"started_at": s.startTime.UTC().Format(time.RFC3339),
	}
	if s.hub != nil {
		status["websocket_clients"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, status)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
