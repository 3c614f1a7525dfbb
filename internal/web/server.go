// Package web serves the JSON admin surface: job queries, queue and
// schedule administration, statistics, health and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"flintq/internal/job"
	"flintq/internal/schedule"
	"flintq/internal/storage"
)

type Server struct {
	store storage.Storage
	srv   *http.Server
}

func New(addr string, store storage.Storage) *Server {
	s := &Server{store: store}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)
		r.Post("/{name}/pause", s.handlePauseQueue)
		r.Post("/{name}/resume", s.handleResumeQueue)
		r.Delete("/{name}/jobs", s.handleClearQueue)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Get("/", s.handleListSchedules)
		r.Get("/{id}", s.handleGetSchedule)
		r.Post("/{id}/pause", s.handlePauseSchedule)
		r.Post("/{id}/resume", s.handleResumeSchedule)
		r.Delete("/{id}", s.handleDeleteSchedule)
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("admin server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("admin request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.store.CheckHealth(r.Context())
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountJobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": jobs,
		"total": total,
	})
}

func filterFromQuery(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	f := storage.Filter{
		Queue:    q.Get("queue"),
		WorkerID: q.Get("worker_id"),
		OrderBy:  storage.OrderBy(q.Get("order_by")),
		OrderDir: storage.OrderDir(q.Get("order_dir")),
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, job.Status(st))
		}
	}
	if v := q.Get("priority"); v != "" {
		for _, ps := range strings.Split(v, ",") {
			p, err := job.ParsePriority(ps)
			if err != nil {
				return f, err
			}
			f.Priorities = append(f.Priorities, p)
		}
	}
	if v := q.Get("tags"); v != "" {
		f.Tags = strings.Split(v, ",")
	}
	f.Limit = intQuery(q.Get("limit"), 50)
	f.Offset = intQuery(q.Get("offset"), 0)
	return f, nil
}

func intQuery(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.store.CancelJob(r.Context(), chi.URLParam(r, "id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.store.ListQueues(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sizes, err := s.store.GetQueueSizes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type queueInfo struct {
		Name   string `json:"name"`
		Size   int    `json:"size"`
		Paused bool   `json:"paused"`
	}
	out := make([]queueInfo, 0, len(queues))
	for _, name := range queues {
		paused, err := s.store.IsQueuePaused(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, queueInfo{Name: name, Size: sizes[name], Paused: paused})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.PauseQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResumeQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearQueue(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schedules, err := s.store.ListSchedules(r.Context(),
		schedule.Status(q.Get("status")),
		intQuery(q.Get("limit"), 50),
		intQuery(q.Get("offset"), 0),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sc.Pause()
	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sc.Resume(r.URL.Query().Get("recompute") == "true")
	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var te *job.TransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &te):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
