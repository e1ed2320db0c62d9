package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
)

func (s *Server) registerMessages(r *mux.Router) {
	r.Handle("/messages", s.protect(s.sendMessage)).Methods(http.MethodPost)
	r.Handle("/messages/{id}", s.protect(s.editMessage)).Methods(http.MethodPut)
	r.Handle("/messages/{id}", s.protect(s.deleteMessage)).Methods(http.MethodDelete)
	r.Handle("/messages/{id}/reaction", s.protect(s.react)).Methods(http.MethodPut)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.chat.SendMessage(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type editRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req editRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.chat.EditMessage(r.Context(), auth.UserID(r.Context()), id, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.chat.DeleteMessage(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) react(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reactionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := s.chat.React(r.Context(), auth.UserID(r.Context()), id, req.Emoji)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
