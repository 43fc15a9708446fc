package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"callpilot/pkg/errors"
	"callpilot/pkg/metrics"
	"callpilot/pkg/util"

	"github.com/sirupsen/logrus"
)

// HTTPConfig holds the per-client request limits of the ingest API
type HTTPConfig struct {
	Enabled           bool     `json:"enabled" env:"HTTP_RATE_LIMIT_ENABLED" default:"false"`
	RequestsPerSecond float64  `json:"requests_per_second" env:"HTTP_RATE_LIMIT_RPS" default:"50"`
	BurstSize         int      `json:"burst_size" env:"HTTP_RATE_LIMIT_BURST" default:"100"`
	WhitelistedIPs    []string `json:"whitelisted_ips" env:"HTTP_RATE_LIMIT_WHITELIST_IPS"`
	WhitelistedPaths  []string `json:"whitelisted_paths" env:"HTTP_RATE_LIMIT_WHITELIST_PATHS" default:"/health*,/metrics"`
}

// DefaultHTTPConfig returns the default request limits
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Enabled:           false,
		RequestsPerSecond: 50,
		BurstSize:         100,
		WhitelistedPaths:  []string{"/health*", "/metrics"},
	}
}

// HTTPMiddleware limits requests per client IP. Each request costs one token
// from a bucket keyed by the client address.
type HTTPMiddleware struct {
	limiter          *Limiter
	config           *HTTPConfig
	logger           *logrus.Logger
	whitelistedIPs   map[string]bool
	whitelistedNets  []*net.IPNet
	whitelistedPaths map[string]bool
}

// NewHTTPMiddleware creates a new HTTP rate limiting middleware
func NewHTTPMiddleware(config *HTTPConfig, clock util.Clock, logger *logrus.Logger) *HTTPMiddleware {
	if config == nil {
		config = DefaultHTTPConfig()
	}

	m := &HTTPMiddleware{
		limiter: NewLimiter(&Config{
			BurstTokens:     config.BurstSize,
			RefillPerSecond: config.RequestsPerSecond,
		}, clock, logger),
		config:           config,
		logger:           logger,
		whitelistedIPs:   make(map[string]bool),
		whitelistedPaths: make(map[string]bool),
	}

	for _, ip := range config.WhitelistedIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				logger.WithError(err).Warnf("Invalid CIDR in whitelist: %s", ip)
				continue
			}
			m.whitelistedNets = append(m.whitelistedNets, ipNet)
		} else {
			m.whitelistedIPs[ip] = true
		}
	}

	for _, path := range config.WhitelistedPaths {
		if path = strings.TrimSpace(path); path != "" {
			m.whitelistedPaths[path] = true
		}
	}

	logger.WithFields(logrus.Fields{
		"enabled":           config.Enabled,
		"rps":               config.RequestsPerSecond,
		"burst":             config.BurstSize,
		"whitelisted_ips":   len(m.whitelistedIPs) + len(m.whitelistedNets),
		"whitelisted_paths": len(m.whitelistedPaths),
	}).Info("HTTP rate limiting middleware initialized")

	return m
}

// Middleware wraps next with the request limit
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if m.isPathWhitelisted(path) {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := m.getClientIP(r)
		if m.isIPWhitelisted(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		identifier := "http:" + clientIP
		if !m.limiter.CanMakeCall(identifier, 1) {
			m.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      path,
				"method":    r.Method,
			}).Warn("Rate limit exceeded")
			metrics.RecordRateLimitDenied("http")

			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", formatFloat(m.config.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Remaining", "0")
			errors.WriteError(w, errors.NewRateLimited("http", map[string]interface{}{"client_ip": clientIP}))
			return
		}

		status := m.limiter.TokenStatus(identifier)
		w.Header().Set("X-RateLimit-Limit", formatFloat(m.config.RequestsPerSecond))
		w.Header().Set("X-RateLimit-Remaining", formatFloat(status.Tokens))

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP, preferring proxy headers
func (m *HTTPMiddleware) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (m *HTTPMiddleware) isIPWhitelisted(ip string) bool {
	if m.whitelistedIPs[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, ipNet := range m.whitelistedNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}

// isPathWhitelisted matches exact paths and prefixes ending with *
func (m *HTTPMiddleware) isPathWhitelisted(path string) bool {
	if m.whitelistedPaths[path] {
		return true
	}
	for p := range m.whitelistedPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GetLimiter returns the underlying limiter
func (m *HTTPMiddleware) GetLimiter() *Limiter {
	return m.limiter
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.0f", f)
}
