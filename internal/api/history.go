package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

const maxRunLimit = 1000

type scheduleRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalMinutes int   `json:"interval_minutes"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Catalog.Has(name) {
		writeError(w, http.StatusNotFound, "unknown scraper "+strconv.Quote(name))
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if req.IntervalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "interval_minutes must be positive")
		return
	}
	ctx := r.Context()
	if err := s.deps.Store.UpsertSchedule(ctx, name, *req.Enabled, req.IntervalMinutes); err != nil {
		s.storeError(w, err)
		return
	}
	sched, err := s.deps.Store.Schedule(ctx, name)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("schedule updated",
		zap.String("scraper", name),
		zap.Bool("enabled", sched.Enabled),
		zap.Int("interval_minutes", sched.IntervalMinutes),
	)
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, scrape.DefaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := scrape.RunFilter{
		ScraperName: r.URL.Query().Get("scraper"),
		Status:      scrape.Status(r.URL.Query().Get("status")),
		Limit:       limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(string(filter.Status)))
		return
	}
	runs, err := s.deps.Store.ListScrapeRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "limit": limit})
}

func (s *Server) runStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.ScrapeRunStats(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	run, err := s.deps.Store.ScrapeRun(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
