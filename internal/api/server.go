// Package api is the HTTP surface. It owns routing, authentication
// middleware, request decoding, and the error-kind to status mapping;
// all domain decisions live in the services it fronts.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pulsestream/backend/internal/auth"
	"github.com/pulsestream/backend/internal/config"
	"github.com/pulsestream/backend/internal/database"
	"github.com/pulsestream/backend/internal/ingestion"
	"github.com/pulsestream/backend/internal/multitenancy"
	"github.com/pulsestream/backend/internal/query"
)

// Server wires the HTTP surface over the domain services.
type Server struct {
	cfg       *config.Config
	store     *database.Store
	cache     redis.Cmdable
	registry  *multitenancy.Registry
	ingestion *ingestion.Service
	query     *query.Service
	auth      *auth.Service
}

// NewServer builds the HTTP surface.
func NewServer(
	cfg *config.Config,
	store *database.Store,
	cache redis.Cmdable,
	registry *multitenancy.Registry,
	ingestionSvc *ingestion.Service,
	querySvc *query.Service,
	authSvc *auth.Service,
) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		registry:  registry,
		ingestion: ingestionSvc,
		query:     querySvc,
		auth:      authSvc,
	}
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogging)
	r.Use(requestTimeout(s.cfg.RequestTimeout()))

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	v1.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")

	// Write surface, API key only.
	ingest := v1.PathPrefix("/ingestion").Subrouter()
	ingest.Use(s.tenantAuth)
	ingest.HandleFunc("/events", s.handleIngestEvent).Methods("POST")
	ingest.HandleFunc("/events/batch", s.handleIngestBatch).Methods("POST")

	// Read surface, API key or session token.
	read := v1.PathPrefix("/ingestion").Subrouter()
	read.Use(s.flexAuth)
	read.HandleFunc("/events/search", s.handleSearchEvents).Methods("GET")
	read.HandleFunc("/events/stats", s.handleStats).Methods("GET")
	read.HandleFunc("/events/{id}", s.handleGetEvent).Methods("GET")
	read.HandleFunc("/stats", s.handleIngestionStats).Methods("GET")

	return r
}

// HTTPServer builds the net/http server with production timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         ":" + s.cfg.Server.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// handleHealth reports dependency reachability. The endpoint stays 200
// while the store is up; a dead cache degrades ingestion but does not
// take the service out of rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	storeStatus := "connected"
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "error"
		healthy = false
	}

	cacheStatus := "connected"
	if err := s.cache.Ping(ctx).Err(); err != nil {
		cacheStatus = "error"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	writeJSON(w, status, map[string]string{
		"status":   state,
		"service":  "pulsestream-api",
		"database": storeStatus,
		"cache":    cacheStatus,
	})
}
