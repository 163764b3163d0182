// Package adminapi serves the operator HTTP API: health, Prometheus
// metrics, blacklist management, mailbox summaries and auth cache control.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twmailer/twmailer/consts"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/storage"
)

// AuthCache is the part of auth.Cache the API manages.
type AuthCache interface {
	Stats() (hits, misses uint64, size int)
	Invalidate(username string)
}

type Server struct {
	name         string
	addr         string
	apiKey       string
	allowedHosts []string
	store        *storage.MailStore
	blacklist    server.Blacklist
	authCache    AuthCache
	listeners    map[string]server.ConnectionStatsProvider
	startTime    time.Time
	server       *http.Server
}

type ServerOptions struct {
	Name         string
	Addr         string
	APIKey       string
	AllowedHosts []string // IPs or CIDRs; empty allows everyone
	Store        *storage.MailStore
	Blacklist    server.Blacklist
	AuthCache    AuthCache                // nil when the auth cache is disabled
	Listeners    map[string]server.ConnectionStatsProvider // listener name -> server
}

func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the admin API")
	}
	if options.Store == nil || options.Blacklist == nil {
		return nil, errors.New("admin API needs a mail store and a blacklist")
	}
	for _, host := range options.AllowedHosts {
		if strings.Contains(host, "/") {
			if _, _, err := net.ParseCIDR(host); err != nil {
				return nil, fmt.Errorf("invalid allowed host %q: %w", host, err)
			}
		} else if net.ParseIP(host) == nil {
			return nil, fmt.Errorf("invalid allowed host %q", host)
		}
	}

	return &Server{
		name:         options.Name,
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        options.Store,
		blacklist:    options.Blacklist,
		authCache:    options.AuthCache,
		listeners:    options.Listeners,
		startTime:    time.Now(),
	}, nil
}

// Start runs the API until ctx is done. Errors other than a graceful stop
// are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	s, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	logger.Info("Admin API: Starting server", "name", s.name, "addr", s.addr)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server", "name", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "name", s.name, "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied. /health
// is open to allowed hosts without an API key.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", s.authMiddleware(promhttp.Handler())).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/blacklist", s.handleListBlacklist).Methods("GET")
	v1.HandleFunc("/blacklist", s.handleAddBlacklist).Methods("POST")
	v1.HandleFunc("/blacklist/sweep", s.handleSweepBlacklist).Methods("POST")
	v1.HandleFunc("/blacklist/{ip}", s.handleRemoveBlacklist).Methods("DELETE")

	v1.HandleFunc("/mailboxes/{user}", s.handleListMailbox).Methods("GET")

	v1.HandleFunc("/connections", s.handleConnections).Methods("GET")

	v1.HandleFunc("/auth/cache", s.handleAuthCacheStats).Methods("GET")
	v1.HandleFunc("/auth/cache/{user}", s.handleAuthCacheInvalidate).Methods("DELETE")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "name", s.name, "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// allowedHostsMiddleware matches the socket peer address only; forwarding
// headers are client controlled.
func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := server.RemoteIP(&server.StringAddr{Addr: r.RemoteAddr})
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, host := range s.allowedHosts {
			if host == clientIP {
				allowed = true
				break
			}
			if _, cidr, err := net.ParseCIDR(host); err == nil && ip != nil && cidr.Contains(ip) {
				allowed = true
				break
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "name", s.name, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type BlacklistRequest struct {
	IP string `json:"ip"`
}

type BlacklistResponse struct {
	Entries []server.BlacklistEntry `json:"entries"`
	Count   int                     `json:"count"`
}

type MailboxMessage struct {
	Position int    `json:"position"`
	Subject  string `json:"subject"`
	File     string `json:"file"`
}

type MailboxResponse struct {
	User     string           `json:"user"`
	Messages []MailboxMessage `json:"messages"`
	Count    int              `json:"count"`
}

type ListenerResponse struct {
	Total         int64 `json:"total"`
	Authenticated int64 `json:"authenticated"`
}

type AuthCacheResponse struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	}
	if _, err := s.blacklist.Entries(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["blacklist"] = err.Error()
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.blacklist.Entries(r.Context())
	if err != nil {
		logger.Warn("Admin API: Failed to list blacklist", "name", s.name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list blacklist")
		return
	}
	if entries == nil {
		entries = []server.BlacklistEntry{}
	}
	s.writeJSON(w, http.StatusOK, BlacklistResponse{Entries: entries, Count: len(entries)})
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	ip := net.ParseIP(strings.TrimSpace(req.IP))
	if ip == nil {
		s.writeError(w, http.StatusBadRequest, "ip must be an IPv4 or IPv6 address")
		return
	}

	if err := s.blacklist.Add(r.Context(), ip.String()); err != nil {
		logger.Warn("Admin API: Failed to blacklist address", "name", s.name, "ip", ip.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to blacklist address")
		return
	}
	logger.Info("Admin API: Address blacklisted", "name", s.name, "ip", ip.String())
	s.writeJSON(w, http.StatusCreated, map[string]string{"ip": ip.String(), "status": "blacklisted"})
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	removed, err := s.blacklist.Remove(r.Context(), ip)
	if err != nil {
		logger.Warn("Admin API: Failed to remove blacklist entry", "name", s.name, "ip", ip, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to remove blacklist entry")
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "Address is not blacklisted")
		return
	}
	logger.Info("Admin API: Blacklist entry removed", "name", s.name, "ip", ip)
	s.writeJSON(w, http.StatusOK, map[string]string{"ip": ip, "status": "removed"})
}

func (s *Server) handleSweepBlacklist(w http.ResponseWriter, r *http.Request) {
	removed, err := server.SweepBlacklist(r.Context(), s.blacklist)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to sweep blacklist")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleListMailbox(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	summaries, err := s.store.List(user)
	if err != nil {
		if errors.Is(err, consts.ErrInvalidUsername) {
			s.writeError(w, http.StatusBadRequest, "Invalid username")
			return
		}
		logger.Warn("Admin API: Failed to list mailbox", "name", s.name, "user", user, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list mailbox")
		return
	}

	resp := MailboxResponse{User: user, Messages: make([]MailboxMessage, 0, len(summaries)), Count: len(summaries)}
	for _, m := range summaries {
		resp.Messages = append(resp.Messages, MailboxMessage{Position: m.Position, Subject: m.Subject, File: m.File})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]ListenerResponse, len(s.listeners))
	for name, l := range s.listeners {
		resp[name] = ListenerResponse{
			Total:         l.GetTotalConnections(),
			Authenticated: l.GetAuthenticatedConnections(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.authCache == nil {
		s.writeError(w, http.StatusNotFound, "Auth cache is disabled")
		return
	}
	hits, misses, size := s.authCache.Stats()
	s.writeJSON(w, http.StatusOK, AuthCacheResponse{Hits: hits, Misses: misses, Size: size})
}

func (s *Server) handleAuthCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.authCache == nil {
		s.writeError(w, http.StatusNotFound, "Auth cache is disabled")
		return
	}
	user := mux.Vars(r)["user"]
	s.authCache.Invalidate(user)
	s.writeJSON(w, http.StatusOK, map[string]string{"user": user, "status": "invalidated"})
}
