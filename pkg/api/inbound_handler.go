package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/storage"
)

// handleListInbound returns inbound records, newest first, filterable by
// to_number, status, mailbox, and since.
func (s *Server) handleListInbound(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fax.InboundFilter{
		ToNumber: q.Get("to_number"),
		Status:   q.Get("status"),
		Mailbox:  q.Get("mailbox"),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	items, err := s.inbound.List(r.Context(), filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []*fax.Inbound{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleGetInbound returns one inbound record.
func (s *Server) handleGetInbound(w http.ResponseWriter, r *http.Request) {
	in, err := s.inbound.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, fax.ErrNotFound) {
			WriteNotFound(w, "No such inbound fax")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, in)
}

// handleInboundPDF serves the inbound artifact. Access is either the minted
// token or an API key carrying inbound:read.
func (s *Server) handleInboundPDF(w http.ResponseWriter, r *http.Request) {
	bypass := false
	if token := bearerToken(r); token != "" {
		principal, _, err := s.resolver.Resolve(r.Context(), token)
		if err == nil && principal.HasScope(auth.ScopeInboundRead) {
			bypass = true
		}
	}

	rc, err := s.inbound.OpenArtifact(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"), bypass)
	if err != nil {
		switch {
		case errors.Is(err, fax.ErrTokenInvalid):
			WriteForbidden(w, "Invalid or expired token")
		case errors.Is(err, fax.ErrNotFound), errors.Is(err, storage.ErrNotFound):
			WriteNotFound(w, "Document not available")
		default:
			WriteInternal(w, err)
		}
		return
	}
	defer func() { _ = rc.Close() }()

	setNoStore(w)
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = io.Copy(w, rc)
}
