// Package api is the HTTP surface: JSON request/response routes for users,
// conversations, messages and uploads, plus the websocket endpoint and ops
// routes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/account"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/metrics"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type Config struct {
	AllowedOrigins []string
	// MaxUpload bounds the multipart body of an upload.
	MaxUpload int64
}

type Server struct {
	chat     *chat.Service
	accounts *account.Service
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	ws       http.Handler
	cfg      Config
}

func NewServer(c *chat.Service, accounts *account.Service, a *auth.Authenticator, m *metrics.Metrics, ws http.Handler, cfg Config) *Server {
	return &Server{chat: c, accounts: accounts, auth: a, metrics: m, ws: ws, cfg: cfg}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.cors, s.instrument)

	api := r.PathPrefix("/api").Subrouter()
	s.registerUsers(api)
	s.registerConversations(api)
	s.registerMessages(api)
	s.registerUploads(api)
	r.HandleFunc("/uploads/{locator}", s.downloadAttachment).Methods(http.MethodGet)

	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return r
}

// protect requires a valid token and puts its claims on the context.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, err)
	})(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("http_encode_failed", "error", err)
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	var body errorBody
	body.Error.Code = apperr.Code(err)
	body.Error.Message = apperr.Public(err)
	switch status {
	case http.StatusInternalServerError:
		logger.Error("http_internal_error", "method", r.Method, "path", r.URL.Path, "error", err)
	case http.StatusServiceUnavailable:
		logger.Warn("http_unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// maxJSONBody caps JSON request bodies. Uploads use their own limit.
const maxJSONBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.TooLarge("request body exceeds %d bytes", maxErr.Limit)
		}
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (snowflake.ID, error) {
	id, err := snowflake.Parse(mux.Vars(r)[name])
	if err != nil {
		return 0, apperr.Validation("invalid %s %q", name, mux.Vars(r)[name])
	}
	return id, nil
}
