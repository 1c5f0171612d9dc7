package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

type enqueueRequest struct {
	Scraper  string `json:"scraper"`
	Priority int    `json:"priority"`
	Force    bool   `json:"force"`
}

type enqueueResponse struct {
	JobID   int64  `json:"job_id"`
	Scraper string `json:"scraper"`
}

type concurrencyBody struct {
	Limit int `json:"limit"`
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.deps.Store.QueueStatus(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":   qs.Pending,
		"running":   qs.Running,
		"completed": qs.Completed,
		"failed":    qs.Failed,
		"total":     qs.Total(),
	})
}

func (s *Server) listPendingJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.PendingJobs(r.Context(), r.URL.Query().Get("scraper"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Scraper == "" {
		writeError(w, http.StatusBadRequest, "scraper is required")
		return
	}
	if !s.deps.Catalog.Has(req.Scraper) {
		writeError(w, http.StatusBadRequest, "unknown scraper "+strconv.Quote(req.Scraper))
		return
	}
	ctx := r.Context()
	if !req.Force {
		active, err := s.deps.Store.IsScraperQueuedOrRunning(ctx, req.Scraper)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if active {
			writeError(w, http.StatusConflict, "scraper already has a pending or running job")
			return
		}
	}
	jobID, err := s.deps.Store.Enqueue(ctx, req.Scraper, req.Priority, scrape.SourceAPI)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Emitter.Emit(progress.Event{
		JobID:   jobID,
		Scraper: req.Scraper,
		Source:  scrape.SourceAPI,
		Stage:   progress.StageJobEnqueued,
		TS:      s.deps.Clock.Now().UTC(),
	})
	s.logger.Info("job enqueued",
		zap.Int64("job_id", jobID),
		zap.String("scraper", req.Scraper),
		zap.Int("priority", req.Priority),
		zap.Bool("force", req.Force),
	)
	writeJSON(w, http.StatusCreated, enqueueResponse{JobID: jobID, Scraper: req.Scraper})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	job, err := s.deps.Store.Job(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listScrapers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scrapers": s.deps.Catalog.Infos()})
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Catalog.Has(name) {
		writeError(w, http.StatusNotFound, "unknown scraper "+strconv.Quote(name))
		return
	}
	job, ok, err := s.deps.Store.ActiveJob(r.Context(), name)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "job": job})
}

func (s *Server) workerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusNotFound, "no worker in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Worker.Status(r.Context()))
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "no scheduler in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status(r.Context()))
}

func (s *Server) progressStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Hub == nil {
		writeJSON(w, http.StatusOK, progress.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Hub.Stats())
}

func (s *Server) getConcurrency(w http.ResponseWriter, r *http.Request) {
	limit, err := s.deps.Store.ConcurrencyLimit(r.Context(), s.deps.FallbackLimit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, concurrencyBody{Limit: limit})
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var body concurrencyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.SetConcurrencyLimit(r.Context(), body.Limit); err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("concurrency limit updated", zap.Int("limit", body.Limit))
	writeJSON(w, http.StatusOK, body)
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}
