package server

import (
	"net/http"
	"time"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/sym"
)

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	statuses, err := resource.ParseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	list, err := s.registry.List(r.Context(), statuses...)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*resource.Resource{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": list, "count": len(list)})
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req resource.CreateRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	id, err := s.registry.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResource(w, r, id, http.StatusCreated)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.writeResource(w, r, id, http.StatusOK)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// markRequest is the body of POST /api/resources/{id}/status
type markRequest struct {
	Status   resource.Status `json:"status"`
	Reason   string          `json:"reason"`
	Cooldown string          `json:"cooldown,omitempty"`
}

func (s *Server) handleMarkResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req markRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if !resource.IsValidStatus(string(req.Status)) {
		s.writeErr(w, r, errors.NewInvalidRequestError("unknown resource status %q", req.Status))
		return
	}
	var cooldown time.Duration
	if req.Cooldown != "" {
		d, err := time.ParseDuration(req.Cooldown)
		if err != nil {
			s.writeErr(w, r, errors.NewInvalidRequestError("invalid cooldown %q", req.Cooldown))
			return
		}
		cooldown = d
	}
	if err := s.registry.MarkStatus(r.Context(), id, req.Status, req.Reason, cooldown); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResource(w, r, id, http.StatusOK)
}

func (s *Server) handleReinstateResource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "reinstated by operator"
	}
	if err := s.registry.Reinstate(r.Context(), id, req.Reason); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger.Infow(sym.Fleet+" Resource reinstated", "resource_id", id)
	s.writeResource(w, r, id, http.StatusOK)
}

func (s *Server) writeResource(w http.ResponseWriter, r *http.Request, id int64, status int) {
	res, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "Resource not found")
		return
	}
	writeJSON(w, status, res)
}
