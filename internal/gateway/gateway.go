// Package gateway composes the ingest pipeline and exposes the HTTP surface:
// telemetry ingest, loopback export verification, admin key rotation, health,
// and metrics.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/szibis/telemetry-gate/internal/auditlog"
	"github.com/szibis/telemetry-gate/internal/auth"
	"github.com/szibis/telemetry-gate/internal/export"
	"github.com/szibis/telemetry-gate/internal/idem"
	"github.com/szibis/telemetry-gate/internal/keyservice"
	"github.com/szibis/telemetry-gate/internal/pseudo"
	"github.com/szibis/telemetry-gate/internal/ratelimit"
	"github.com/szibis/telemetry-gate/internal/replay"
)

// Options wires the gateway's collaborators. All fields are required unless
// noted.
type Options struct {
	Keys          *keyservice.Service
	Pseudonymizer *pseudo.Pseudonymizer
	Mappings      pseudo.MappingStore
	Limiter       *ratelimit.Limiter
	Replay        *replay.Guard
	Idempotency   idem.Store
	Exporter      *export.Exporter
	Sink          auditlog.Sink

	Admin          auth.AdminConfig
	IdempotencyTTL time.Duration
	MaxBodyBytes   int64
	MetricsEnabled bool
	Version        string

	// Checks are named readiness probes reported by the health endpoint.
	Checks map[string]func() error
}

// Server is the gateway HTTP surface.
type Server struct {
	opts Options
	mux  *http.ServeMux
}

// New builds the gateway and its routes.
func New(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("/ingest", s.handleIngest)
	s.mux.HandleFunc("/export", s.handleExportVerify)
	s.mux.Handle("/admin/rotate-key", auth.AdminGuard(opts.Admin, http.HandlerFunc(s.handleRotateKey)))
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type healthComponent struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status        string                     `json:"status"`
	Version       string                     `json:"version"`
	KeyVersion    string                     `json:"keyVersion"`
	ExportEnabled bool                       `json:"exportEnabled"`
	Components    map[string]healthComponent `json:"components,omitempty"`
}

// handleHealth reports overall status plus per-component checks. Any failing
// check degrades the response to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:        "ok",
		Version:       s.opts.Version,
		KeyVersion:    s.opts.Keys.KeyVersion(),
		ExportEnabled: s.opts.Exporter.Enabled(),
	}

	if len(s.opts.Checks) > 0 {
		resp.Components = make(map[string]healthComponent, len(s.opts.Checks))
		names := make([]string, 0, len(s.opts.Checks))
		for name := range s.opts.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := s.opts.Checks[name](); err != nil {
				resp.Status = "degraded"
				resp.Components[name] = healthComponent{Status: "down", Message: err.Error()}
			} else {
				resp.Components[name] = healthComponent{Status: "up"}
			}
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleMetrics serves the prometheus text exposition, or 503 when metrics
// are disabled.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.opts.MetricsEnabled {
		http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

// handleExportVerify verifies a batch signature against the export key pair:
// the loopback check used by operators and the downstream onboarding flow.
func (s *Server) handleExportVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body_unreadable"})
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Header.Get("x-batch-signature"))
	if err != nil || len(sig) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_batch_signature"})
		return
	}
	if !s.opts.Exporter.Verify(body, sig) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_batch_signature"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "verified"})
}

// handleRotateKey schedules a key rotation. The admin guard has already
// checked the token and one-time code.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		KeyVersion string `json:"keyVersion"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.KeyVersion == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key_version_required"})
		return
	}
	if err := s.opts.Keys.Rotate(req.KeyVersion); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rotation_unavailable"})
		return
	}
	keyRotationsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "scheduled",
		"keyVersion": req.KeyVersion,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
