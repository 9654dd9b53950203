package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/intake/internal/conversation"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

type createRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type closeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// createSession handles POST /api/v1/sessions. The body is optional.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
			return
		}
	}
	reply, err := s.conv.Start(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		s.writeSessionError(w, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

// postTurn handles POST /api/v1/sessions/{id}/turns. With ?create=false an
// unknown session is a 404 instead of being opened.
func (s *Server) postTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
		return
	}
	if r.URL.Query().Get("create") == "false" {
		if _, err := s.conv.Describe(r.Context(), id); err != nil {
			s.writeSessionError(w, id, err)
			return
		}
	}

	reply, err := s.conv.HandleTurn(r.Context(), id, req.Text)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) describeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.conv.Describe(r.Context(), id)
	if err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req := closeRequest{Reason: "closed by client"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON: "+err.Error())
			return
		}
	}
	if err := s.conv.Close(r.Context(), id, req.Reason); err != nil {
		s.writeSessionError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorCode maps conversation errors to a transport code and HTTP status.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, "closed"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, conversation.ErrEmptyTurn):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, id string, err error) {
	status, code := errorCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("session request failed", "session_id", id, "error", err)
	}
	writeError(w, status, code, err.Error())
}
