package httpapi

import (
	"net/http"

	"subtitler/internal/errs"
	"subtitler/internal/ids"
)

type clientRequest struct {
	ClientID string `json:"client_id"`
}

func (s *Server) handleSystemRegister(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		writeError(w, errs.New(errs.KindInternal, "client registry not configured"))
		return
	}
	var req clientRequest
	_ = decodeJSON(r, &req) // an empty/absent body just means "allocate an id"
	if req.ClientID == "" {
		req.ClientID = ids.NewToken()
	}
	s.clients.Register(req.ClientID)
	writeJSON(w, http.StatusOK, clientRequest{ClientID: req.ClientID})
}

func (s *Server) handleSystemHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		writeError(w, errs.New(errs.KindInternal, "client registry not configured"))
		return
	}
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.clients.Heartbeat(req.ClientID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSystemUnregister(w http.ResponseWriter, r *http.Request) {
	if s.clients == nil {
		writeError(w, errs.New(errs.KindInternal, "client registry not configured"))
		return
	}
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.clients.Unregister(req.ClientID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		writeError(w, errs.New(errs.KindInternal, "shutdown supervisor not configured"))
		return
	}
	s.shutdown.Force()
	writeJSON(w, http.StatusOK, map[string]bool{"shutting_down": true})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}
