package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
)

func (s *Server) registerConversations(r *mux.Router) {
	r.Handle("/conversations", s.protect(s.accessDirect)).Methods(http.MethodPost)
	r.Handle("/conversations", s.protect(s.listConversations)).Methods(http.MethodGet)
	r.Handle("/conversations/group", s.protect(s.createGroup)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/name", s.protect(s.renameGroup)).Methods(http.MethodPut)
	r.Handle("/conversations/{id}/members", s.protect(s.addMember)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/members/{userId}", s.protect(s.removeMember)).Methods(http.MethodDelete)
	r.Handle("/conversations/{id}/read", s.protect(s.markRead)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/presence", s.protect(s.presence)).Methods(http.MethodGet)
	r.Handle("/conversations/{id}/messages", s.protect(s.listMessages)).Methods(http.MethodGet)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) accessDirect(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.chat.AccessDirect(r.Context(), auth.UserID(r.Context()), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.ListConversations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type groupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.chat.CreateGroup(r.Context(), auth.UserID(r.Context()), req.Name, req.Members)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (s *Server) renameGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req renameRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.chat.RenameGroup(r.Context(), auth.UserID(r.Context()), id, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req userRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := s.chat.AddMember(r.Context(), auth.UserID(r.Context()), id, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type removalResponse struct {
	Conversation *model.Conversation `json:"conversation"`
	Removed      bool                `json:"removed"`
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.chat.RemoveMember(r.Context(), auth.UserID(r.Context()), id, mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removalResponse{Conversation: res.Conversation, Removed: res.Dissolved})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.chat.MarkRead(r.Context(), auth.UserID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := s.chat.Presence(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "users": users})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.chat.ListMessages(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
