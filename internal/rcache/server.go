package rcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CacheStore is the store surface the REST server drives.
type CacheStore interface {
	Enqueue(updates []CacheUpdate) (queued, dropped int)
	Invalidate(ctx context.Context, rulesets []string) (int64, error)
	SpatialInvalidate(ctx context.Context, tiles []Tile) (int64, error)
	BeamInvalidate(ctx context.Context, beams []Beam) (int64, error)
	SetInvalidationEnabled(ctx context.Context, enabled bool) error
	SetUpdateEnabled(enabled bool)
	SetPrecomputeEnabled(enabled bool)
	Status(ctx context.Context) (*Status, error)
}

// Lookuper resolves one fingerprint through the cache-lookup batcher.
type Lookuper interface {
	Lookup(ctx context.Context, digest string, deadline time.Time) ([]byte, bool, error)
}

// QuotaSetter adjusts the precomputation concurrency quota.
type QuotaSetter interface {
	SetQuota(quota int)
	Quota() int
}

// CertAPI answers allow/deny queries for device certifications.
type CertAPI interface {
	Resolve(ctx context.Context, queries []CertQuery) ([]AllowDeny, error)
}

// ConfigLookuper resolves a ruleset's AFC config through the
// config-lookup batcher.
type ConfigLookuper interface {
	Lookup(ctx context.Context, ruleset string, deadline time.Time) (json.RawMessage, bool, error)
}

// ServerOptions carry the request-level defaults.
type ServerOptions struct {
	DefaultDeadline time.Duration
}

// Server is the response-cache REST surface.
type Server struct {
	store   CacheStore
	lookup  Lookuper
	quota   QuotaSetter
	certs   CertAPI
	configs ConfigLookuper
	opts    ServerOptions
	logger  *zap.Logger
	handler http.Handler
}

func NewServer(store CacheStore, lookup Lookuper, quota QuotaSetter, certs CertAPI, configs ConfigLookuper, opts ServerOptions, logger *zap.Logger) *Server {
	if opts.DefaultDeadline == 0 {
		opts.DefaultDeadline = 5 * time.Second
	}
	s := &Server{
		store:   store,
		lookup:  lookup,
		quota:   quota,
		certs:   certs,
		configs: configs,
		opts:    opts,
		logger:  logger.Named("rcache.http"),
	}

	r := chi.NewRouter()
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Get("/status", s.handleStatus)
	r.Get("/lookup/{digest}", s.handleLookup)
	r.Get("/afc_config/{ruleset}", s.handleConfig)
	r.Post("/certifications", s.handleCertifications)
	r.Post("/update", s.handleUpdate)
	r.Post("/invalidate", s.handleInvalidate)
	r.Post("/spatial_invalidate", s.handleSpatialInvalidate)
	r.Post("/beam_invalidate", s.handleBeamInvalidate)
	r.Post("/invalidation_state/{state}", s.handleInvalidationState)
	r.Post("/update_state/{state}", s.handleUpdateState)
	r.Post("/precomputation_state/{state}", s.handlePrecomputationState)
	r.Post("/precomputation_quota/{quota}", s.handlePrecomputationQuota)
	r.Handle("/metrics", promhttp.Handler())
	s.handler = r
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Status(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	deadline := time.Now().Add(s.opts.DefaultDeadline)
	if ms := r.URL.Query().Get("timeout_ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n < 0 {
			http.Error(w, "invalid timeout_ms", http.StatusBadRequest)
			return
		}
		deadline = time.Now().Add(time.Duration(n) * time.Millisecond)
	}

	response, found, err := s.lookup.Lookup(r.Context(), digest, deadline)
	switch {
	case errors.Is(err, ErrDeadline):
		http.Error(w, "lookup deadline expired", http.StatusGatewayTimeout)
	case err != nil:
		s.fail(w, "lookup", err)
	case !found:
		http.Error(w, "not found", http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ruleset := chi.URLParam(r, "ruleset")
	config, found, err := s.configs.Lookup(r.Context(), ruleset, time.Now().Add(s.opts.DefaultDeadline))
	switch {
	case errors.Is(err, ErrDeadline):
		http.Error(w, "config lookup deadline expired", http.StatusGatewayTimeout)
	case err != nil:
		s.fail(w, "config lookup", err)
	case !found:
		http.Error(w, "no config for ruleset", http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Write(config)
	}
}

func (s *Server) handleCertifications(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Queries []CertQuery `json:"queries"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	results, err := s.certs.Resolve(r.Context(), body.Queries)
	if err != nil {
		s.fail(w, "certification resolve", err)
		return
	}
	s.writeJSON(w, map[string]any{"results": results})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReqRespKeys []CacheUpdate `json:"req_resp_keys"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	queued, dropped := s.store.Enqueue(body.ReqRespKeys)
	s.writeJSON(w, map[string]int{"queued": queued, "dropped": dropped})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RulesetIDs []string `json:"ruleset_ids"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	count, err := s.store.Invalidate(r.Context(), body.RulesetIDs)
	if err != nil {
		s.fail(w, "invalidate", err)
		return
	}
	s.writeJSON(w, map[string]int64{"invalidated": count})
}

func (s *Server) handleSpatialInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tiles []Tile `json:"tiles"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	count, err := s.store.SpatialInvalidate(r.Context(), body.Tiles)
	if err != nil {
		s.fail(w, "spatial invalidate", err)
		return
	}
	s.writeJSON(w, map[string]int64{"invalidated": count})
}

func (s *Server) handleBeamInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Beams []Beam `json:"beams"`
	}
	if !s.readJSON(w, r, &body) {
		return
	}
	count, err := s.store.BeamInvalidate(r.Context(), body.Beams)
	if err != nil {
		s.fail(w, "beam invalidate", err)
		return
	}
	s.writeJSON(w, map[string]int64{"invalidated": count})
}

func (s *Server) handleInvalidationState(w http.ResponseWriter, r *http.Request) {
	enabled, ok := parseState(w, r)
	if !ok {
		return
	}
	if err := s.store.SetInvalidationEnabled(r.Context(), enabled); err != nil {
		s.fail(w, "invalidation state", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	enabled, ok := parseState(w, r)
	if !ok {
		return
	}
	s.store.SetUpdateEnabled(enabled)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrecomputationState(w http.ResponseWriter, r *http.Request) {
	enabled, ok := parseState(w, r)
	if !ok {
		return
	}
	s.store.SetPrecomputeEnabled(enabled)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrecomputationQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := strconv.Atoi(chi.URLParam(r, "quota"))
	if err != nil || quota <= 0 {
		http.Error(w, "quota must be a positive integer", http.StatusBadRequest)
		return
	}
	s.quota.SetQuota(quota)
	s.writeJSON(w, map[string]int{"quota": s.quota.Quota()})
}

func parseState(w http.ResponseWriter, r *http.Request) (bool, bool) {
	switch chi.URLParam(r, "state") {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	http.Error(w, "state must be true or false", http.StatusBadRequest)
	return false, false
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
