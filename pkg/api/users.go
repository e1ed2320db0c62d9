package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/account"
	"github.com/mahaj/chatcore/pkg/auth"
)

func (s *Server) registerUsers(r *mux.Router) {
	r.HandleFunc("/users", s.register).Methods(http.MethodPost)
	r.HandleFunc("/users/login", s.login).Methods(http.MethodPost)
	r.Handle("/users", s.protect(s.searchUsers)).Methods(http.MethodGet)
	r.Handle("/users/me", s.protect(s.me)).Methods(http.MethodGet)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req account.RegisterRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.Search(r.Context(), r.URL.Query().Get("search"), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.accounts.Get(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
