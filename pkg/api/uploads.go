package api

import (
	"errors"
	"mime"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/logger"
)

// multipartOverhead is allowed on top of the file size limit for form
// boundaries and headers.
const multipartOverhead = 1 << 20

func (s *Server) registerUploads(r *mux.Router) {
	r.Handle("/uploads", s.protect(s.uploadAttachment)).Methods(http.MethodPost)
	r.Handle("/uploads/{locator}", s.protect(s.discardAttachment)).Methods(http.MethodDelete)
}

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUpload+multipartOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			err = apperr.TooLarge("upload exceeds %d bytes", s.cfg.MaxUpload)
		default:
			err = apperr.Validation("please upload a file: %v", err)
		}
		writeError(w, r, err)
		return
	}
	defer file.Close()

	att, err := s.chat.UploadAttachment(r.Context(), auth.UserID(r.Context()), file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) discardAttachment(w http.ResponseWriter, r *http.Request) {
	if err := s.chat.DiscardAttachment(r.Context(), auth.UserID(r.Context()), mux.Vars(r)["locator"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadAttachment serves a stored file. Like any static upload URL it
// needs no token; locators are random.
func (s *Server) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	rc, rec, err := s.chat.OpenAttachment(r.Context(), mux.Vars(r)["locator"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Warn("attachment_close_failed", "locator", rec.Locator, "error", err)
		}
	}()
	if rec.MIMEType != "" {
		w.Header().Set("Content-Type", rec.MIMEType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": rec.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, rec.Filename, rec.CreatedAt, rc)
}
