package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/metrics"
	"github.com/faxbot/faxbot/pkg/provider"
)

const maxCallbackBody = 1 << 20

// readCallbackBody slurps the raw body; signatures are computed over these
// exact bytes.
func readCallbackBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return nil, false
	}
	return body, true
}

// ack is the uniform webhook acknowledgement; providers only care about the
// status code.
func ack(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePhaxioCallback processes the outbound completion webhook.
func (s *Server) handlePhaxioCallback(w http.ResponseWriter, r *http.Request) {
	s.outboundCallback(w, r, fax.BackendPhaxio)
}

// handleSinchCallback processes the outbound completion webhook.
func (s *Server) handleSinchCallback(w http.ResponseWriter, r *http.Request) {
	s.outboundCallback(w, r, fax.BackendSinch)
}

func (s *Server) outboundCallback(w http.ResponseWriter, r *http.Request, backend string) {
	if s.backend.Name() != backend {
		WriteNotFound(w, "Backend not configured")
		return
	}
	body, ok := readCallbackBody(w, r)
	if !ok {
		return
	}
	if err := s.backend.VerifyCallback(r, body); err != nil {
		metrics.Callbacks.WithLabelValues(backend, metrics.CallbackRejected).Inc()
		s.audit.Record(r.Context(), audit.EventWebhook, "", "rejected", r.URL.Path, nil)
		WriteUnauthorized(w)
		return
	}
	ev, err := s.backend.ParseCallback(body, r.URL.Query())
	if err != nil {
		WriteBadRequest(w, "Malformed callback payload")
		return
	}
	if err := s.jobs.HandleCallback(r.Context(), ev); err != nil {
		if errors.Is(err, fax.ErrDuplicateEvent) {
			ack(w) // retried delivery; state already applied
			return
		}
		// Unknown sids are acknowledged so the provider stops retrying.
		s.log.Warn("callback not applied", "backend", backend, "error", err)
	}
	ack(w)
}

// handlePhaxioInbound processes the inbound fax webhook.
func (s *Server) handlePhaxioInbound(w http.ResponseWriter, r *http.Request) {
	p, okBackend := s.backend.(*provider.Phaxio)
	if !okBackend {
		WriteNotFound(w, "Backend not configured")
		return
	}
	body, ok := readCallbackBody(w, r)
	if !ok {
		return
	}
	if err := p.VerifyCallback(r, body); err != nil {
		metrics.Callbacks.WithLabelValues(fax.BackendPhaxio, metrics.CallbackRejected).Inc()
		WriteUnauthorized(w)
		return
	}
	ev, err := p.ParseInbound(body)
	if err != nil {
		WriteBadRequest(w, "Malformed callback payload")
		return
	}
	s.finishInbound(w, r, fax.BackendPhaxio, ev)
}

// handleSinchInbound processes the inbound fax webhook.
func (s *Server) handleSinchInbound(w http.ResponseWriter, r *http.Request) {
	p, okBackend := s.backend.(*provider.Sinch)
	if !okBackend {
		WriteNotFound(w, "Backend not configured")
		return
	}
	body, ok := readCallbackBody(w, r)
	if !ok {
		return
	}
	if err := p.VerifyCallback(r, body); err != nil {
		metrics.Callbacks.WithLabelValues(fax.BackendSinch, metrics.CallbackRejected).Inc()
		WriteUnauthorized(w)
		return
	}
	ev, err := p.ParseInbound(body)
	if err != nil {
		WriteBadRequest(w, "Malformed callback payload")
		return
	}
	s.finishInbound(w, r, fax.BackendSinch, ev)
}

func (s *Server) finishInbound(w http.ResponseWriter, r *http.Request, backend string, ev *fax.InboundEvent) {
	if err := s.inbound.IngestCloud(r.Context(), backend, ev); err != nil {
		switch {
		case errors.Is(err, fax.ErrDuplicateEvent):
			// fall through to ack
		case errors.Is(err, fax.ErrInboundDisabled):
			WriteNotFound(w, "Inbound receiving is disabled")
			return
		default:
			WriteInternal(w, err)
			return
		}
	}
	ack(w)
}

// checkInternalSecret authenticates the privileged internal hooks.
func checkInternalSecret(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	return auth.ConstantTimeEquals(r.Header.Get("X-Internal-Secret"), secret)
}

// handleAsteriskInbound is the privileged hook the Asterisk dialplan calls
// after ReceiveFAX writes a TIFF into the shared data directory.
func (s *Server) handleAsteriskInbound(w http.ResponseWriter, r *http.Request) {
	if !checkInternalSecret(r, s.cfg.AsteriskInboundSecret) {
		WriteUnauthorized(w)
		return
	}
	var req fax.AsteriskInbound
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody)).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}
	if err := s.inbound.IngestAsterisk(r.Context(), &req); err != nil {
		switch {
		case errors.Is(err, fax.ErrDuplicateEvent):
			// fall through to ack
		case errors.Is(err, fax.ErrBadPath):
			WriteBadRequest(w, "Invalid tiff_path")
			return
		case errors.Is(err, fax.ErrInboundDisabled):
			WriteNotFound(w, "Inbound receiving is disabled")
			return
		default:
			WriteInternal(w, err)
			return
		}
	}
	ack(w)
}

// handleFreeswitchResult is the privileged hook reporting an outbound PBX
// transmission result.
func (s *Server) handleFreeswitchResult(w http.ResponseWriter, r *http.Request) {
	if !checkInternalSecret(r, s.cfg.InternalSecret) {
		WriteUnauthorized(w)
		return
	}
	var req struct {
		JobID     string `json:"job_id"`
		FaxStatus string `json:"fax_status"`
		Result    string `json:"fax_result_text,omitempty"`
		Pages     int    `json:"fax_document_transferred_pages,omitempty"`
		UUID      string `json:"uuid,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody)).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}
	if req.JobID == "" {
		WriteBadRequest(w, "Missing job_id")
		return
	}

	status := fax.StatusFailed
	if strings.EqualFold(req.FaxStatus, "SUCCESS") {
		status = fax.StatusSuccess
	}
	ev := &fax.CallbackEvent{
		ProviderSID: "fs:" + firstOf(req.UUID, req.JobID),
		EventType:   "outbound_result",
		Status:      status,
		Pages:       req.Pages,
	}
	if status == fax.StatusFailed {
		ev.Error = firstOf(req.Result, "transmission failed")
	}
	if err := s.jobs.HandleJobResult(r.Context(), req.JobID, ev); err != nil {
		if errors.Is(err, fax.ErrDuplicateEvent) {
			ack(w)
			return
		}
		if errors.Is(err, fax.ErrNotFound) {
			WriteNotFound(w, "No such fax job")
			return
		}
		WriteInternal(w, err)
		return
	}
	ack(w)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
