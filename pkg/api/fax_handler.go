package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/storage"
)

// handleSubmit accepts a multipart upload (fields: to, file) and runs the
// submission pipeline. Conversion or dispatch failures still answer 200 with
// a FAILED job; only rejections map to 4xx.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w)
		return
	}

	maxBytes := s.cfg.MaxFileSizeBytes()
	// Generous envelope for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	if err := r.ParseMultipartForm(maxBytes + 1<<20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WritePayloadTooLarge(w, s.cfg.MaxFileSizeMB)
			return
		}
		WriteBadRequest(w, "Expected multipart form with fields 'to' and 'file'")
		return
	}

	to := r.FormValue("to")
	if to == "" {
		WriteBadRequest(w, "Missing 'to' field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "Missing 'file' field")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if int64(len(data)) > maxBytes {
		WritePayloadTooLarge(w, s.cfg.MaxFileSizeMB)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = typeFromName(header.Filename)
	}

	job, err := s.jobs.Submit(r.Context(), fax.Submission{
		ToNumber:    to,
		ContentType: contentType,
		Data:        data,
		KeyID:       principal.KeyID,
	})
	if err != nil {
		switch {
		case errors.Is(err, fax.ErrTooLarge):
			WritePayloadTooLarge(w, s.cfg.MaxFileSizeMB)
		case errors.Is(err, fax.ErrUnsupportedType):
			WriteUnsupportedMediaType(w)
		case errors.Is(err, fax.ErrBadNumber):
			WriteBadRequest(w, "Destination is not a valid phone number")
		default:
			WriteInternal(w, err)
		}
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleGetJob returns job metadata to an authorized caller.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, fax.ErrNotFound) {
			WriteNotFound(w, "No such fax job")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobPDF serves the outbound artifact to the holder of a valid token.
// No API key is involved; URL-fetch providers pull from here.
func (s *Server) handleJobPDF(w http.ResponseWriter, r *http.Request) {
	rc, err := s.jobs.OpenArtifact(r.Context(), r.PathValue("id"), r.URL.Query().Get("token"))
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

// typeFromName falls back to the filename extension when the part carries no
// content type.
func typeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return ""
	}
}
