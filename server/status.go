package server

import (
	"net/http"

	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/resource"
	"github.com/teranos/fleet/version"
)

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Version   version.Info            `json:"version"`
	Jobs      *async.Stats            `json:"jobs"`
	Resources map[resource.Status]int `json:"resources"`
	Watches   int                     `json:"watches"`
	Claimant  string                  `json:"claimant,omitempty"`
	System    *async.SystemMetrics    `json:"system,omitempty"`
	Clients   int                     `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resources, err := s.registry.List(ctx)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := StatusResponse{
		Version:   version.Get(),
		Jobs:      stats,
		Resources: make(map[resource.Status]int),
		Clients:   s.hub.count(),
	}
	for _, res := range resources {
		resp.Resources[res.Status]++
	}
	if s.carousel != nil {
		resp.Watches = s.carousel.Count()
	}
	if s.pool != nil {
		sys := s.pool.SystemMetrics(ctx)
		resp.System = &sys
		resp.Claimant = s.pool.Claimant()
	}
	writeJSON(w, http.StatusOK, resp)
}
