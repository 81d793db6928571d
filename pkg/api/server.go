package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/metrics"
	"github.com/faxbot/faxbot/pkg/provider"
)

// KeyAdmin is the key-management surface of the admin endpoints.
type KeyAdmin interface {
	Create(ctx context.Context, k *fax.APIKey) error
	List(ctx context.Context) ([]*fax.APIKey, error)
	Revoke(ctx context.Context, keyID string, at time.Time) error
	RotateHash(ctx context.Context, keyID, newHash string) error
	GetKey(ctx context.Context, keyID string) (*fax.APIKey, error)
}

// Server holds the HTTP surface and its collaborators.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	resolver *auth.Resolver
	limiter  *auth.RateLimiter
	audit    audit.Logger
	jobs     *fax.Service
	inbound  *fax.InboundService
	keys     KeyAdmin
	backend  provider.Provider
}

// NewServer wires the HTTP surface.
func NewServer(cfg *config.Config, resolver *auth.Resolver, limiter *auth.RateLimiter,
	auditLog audit.Logger, jobs *fax.Service, inbound *fax.InboundService,
	keys KeyAdmin, backend provider.Provider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		limiter:  limiter,
		audit:    auditLog,
		jobs:     jobs,
		inbound:  inbound,
		keys:     keys,
		backend:  backend,
	}
}

// Handler builds the routed handler with the shared middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /fax",
		s.secured(auth.ScopeFaxSend, auth.ClassSend, s.handleSubmit))
	mux.Handle("GET /fax/{id}",
		s.secured(auth.ScopeFaxRead, auth.ClassStatus, s.handleGetJob))
	mux.HandleFunc("GET /fax/{id}/pdf", s.handleJobPDF)

	mux.HandleFunc("POST /phaxio-callback", s.handlePhaxioCallback)
	mux.HandleFunc("POST /phaxio-inbound", s.handlePhaxioInbound)
	mux.HandleFunc("POST /sinch-callback", s.handleSinchCallback)
	mux.HandleFunc("POST /sinch-inbound", s.handleSinchInbound)

	mux.HandleFunc("POST /_internal/asterisk/inbound", s.handleAsteriskInbound)
	mux.HandleFunc("POST /_internal/freeswitch/outbound_result", s.handleFreeswitchResult)

	mux.Handle("GET /inbound",
		s.secured(auth.ScopeInboundList, auth.ClassInboundList, s.handleListInbound))
	mux.Handle("GET /inbound/{id}",
		s.secured(auth.ScopeInboundRead, auth.ClassInboundGet, s.handleGetInbound))
	mux.HandleFunc("GET /inbound/{id}/pdf", s.handleInboundPDF)

	mux.Handle("POST /admin/api-keys",
		s.secured(auth.ScopeKeysManage, auth.ClassAdmin, s.handleCreateKey))
	mux.Handle("GET /admin/api-keys",
		s.secured(auth.ScopeKeysManage, auth.ClassAdmin, s.handleListKeys))
	mux.Handle("DELETE /admin/api-keys/{id}",
		s.secured(auth.ScopeKeysManage, auth.ClassAdmin, s.handleRevokeKey))
	mux.Handle("POST /admin/api-keys/{id}/rotate",
		s.secured(auth.ScopeKeysManage, auth.ClassAdmin, s.handleRotateKey))

	return RequestIDMiddleware(mux)
}

// bearerToken extracts the credential from X-API-Key or a Bearer header.
func bearerToken(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}
	const prefix = "Bearer "
	if v := r.Header.Get("Authorization"); len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return ""
}

// secured authenticates, checks the scope, and applies the per-key rate
// limit for the route class before invoking the handler.
func (s *Server) secured(scope, class string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, reason, err := s.resolver.Resolve(r.Context(), bearerToken(r))
		if err != nil {
			s.audit.Record(r.Context(), audit.EventAuth, "", "denied", r.URL.Path,
				map[string]any{"reason": reason})
			WriteUnauthorized(w)
			return
		}
		if !principal.HasScope(scope) {
			s.audit.Record(r.Context(), audit.EventAuth, principal.KeyID, "forbidden", r.URL.Path,
				map[string]any{"scope": scope})
			WriteForbidden(w, "")
			return
		}
		if allowed, retryAfter := s.limiter.Allow(r.Context(), principal.KeyID, class); !allowed {
			metrics.RateLimited.WithLabelValues(class).Inc()
			WriteTooManyRequests(w, retryAfter)
			return
		}
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.cfg.Backend,
	})
}
