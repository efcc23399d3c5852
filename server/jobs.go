package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/logger"
	"github.com/teranos/fleet/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// jobFilter reads ?status=a,b&kind=&parent_id=&limit=
func jobFilter(r *http.Request) (async.Filter, error) {
	q := r.URL.Query()
	f := async.Filter{Kind: q.Get("kind"), Limit: defaultJobLimit}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if !async.IsValidStatus(s) {
				return f, errors.NewInvalidRequestError("unknown job status %q", s)
			}
			f.Statuses = append(f.Statuses, async.JobStatus(s))
		}
	}
	if raw := q.Get("parent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, errors.NewInvalidRequestError("invalid parent_id %q", raw)
		}
		f.ParentID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, errors.NewInvalidRequestError("invalid limit %q", raw)
		}
		f.Limit = n
	}
	if f.Limit > maxJobLimit {
		f.Limit = maxJobLimit
	}
	return f, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := jobFilter(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	jobs, err := s.queue.ListJobs(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req async.EnqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	job, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Job enqueued", "job_id", job.ID, "kind", job.Kind)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Delete(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Job deleted by operator", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	children, err := s.queue.ListJobs(r.Context(), async.Filter{ParentID: &id, Limit: maxJobLimit})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if children == nil {
		children = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": children, "count": len(children)})
}

func (s *Server) handleJobRollup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rollup, err := s.tracker.Rollup(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

// jobAction runs op on the {id} job and answers with the job's new state
func (s *Server) jobAction(name string, op func(r *http.Request, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := op(r, id); err != nil {
			s.writeErr(w, r, err)
			return
		}
		logger.AddPulseSymbol(s.logger).Infow("Job "+name+" requested", "job_id", id)

		job, err := s.queue.Refresh(r.Context(), id)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction("cancel", func(r *http.Request, id int64) error {
		return s.queue.Cancel(r.Context(), id)
	})(w, r)
}

// handleStopJob stops a watch; a watch looping in this process is waited for
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction("stop", func(r *http.Request, id int64) error {
		if s.carousel != nil && s.carousel.Watching(id) {
			return s.carousel.Stop(r.Context(), id)
		}
		return s.queue.Stop(r.Context(), id)
	})(w, r)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction("pause", func(r *http.Request, id int64) error {
		return s.queue.Pause(r.Context(), id)
	})(w, r)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction("resume", func(r *http.Request, id int64) error {
		return s.queue.Resume(r.Context(), id)
	})(w, r)
}

func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.carousel == nil {
		writeError(w, http.StatusServiceUnavailable, "Carousel is not running")
		return
	}
	triggered, err := s.carousel.Trigger(id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": id, "triggered": triggered})
}
