package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/relay"
	"github.com/MikeSquared-Agency/parley/internal/store"
	"github.com/MikeSquared-Agency/parley/internal/upstream"
)

type conversationList struct {
	Conversations []store.Conversation `json:"conversations"`
	CurrentID     *uuid.UUID           `json:"current_id"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type relayRequest struct {
	Messages []upstream.Message `json:"messages"`
}

// storeFor returns the caller's store, or writes the error and returns nil.
func (s *Server) storeFor(w http.ResponseWriter, r *http.Request) *store.Store {
	st, err := s.hub.For(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return nil
	}
	return st
}

func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	resp := conversationList{Conversations: st.Conversations()}
	if cur := st.CurrentID(); cur != uuid.Nil {
		resp.CurrentID = &cur
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	conv, err := s.chat.Create(r.Context(), st)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	conv, err := st.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) selectConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	if err := st.Select(id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	if err := s.chat.Delete(r.Context(), st, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadOlder(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	res, err := s.chat.LoadOlder(r.Context(), st, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sendMessage streams the reply as relay events. The stream ends when the
// reply is complete; disconnecting cancels the generation.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}

	out := newSSEWriter(w)
	res, err := s.chat.Send(r.Context(), st, id, req.Content, out)
	if err != nil {
		out.finish(s, r, err)
		return
	}
	if !out.started {
		// cancelled before the first fragment
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) cancelGeneration(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	st := s.storeFor(w, r)
	if st == nil {
		return
	}
	if _, err := st.Get(id); err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.chat.Cancel(id) {
		writeError(w, http.StatusNotFound, "no generation in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relayChat streams a one-off generation for the posted messages.
func (s *Server) relayChat(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}

	out := newSSEWriter(w)
	err := s.chat.Relay(r.Context(), req.Messages, out)
	if err != nil && !errors.Is(err, relay.ErrClientGone) && r.Context().Err() == nil {
		out.finish(s, r, err)
	}
}
