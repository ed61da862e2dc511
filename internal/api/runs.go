package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/app"
	"github.com/JakeFAU/qnote-crawler/internal/crawler"
	"github.com/JakeFAU/qnote-crawler/internal/id/uuid"
)

const maxListLimit = 500

type runRequestJSON struct {
	NumBooks    int  `json:"num_books"`
	NumChapters int  `json:"num_chapters"`
	Short       bool `json:"short"`
}

type runJSON struct {
	ID          string               `json:"crawl_id"`
	Request     runRequestJSON       `json:"request"`
	Status      string               `json:"status"`
	Counters    crawler.RunCounters  `json:"counters"`
	Diagnostics []crawler.Diagnostic `json:"diagnostics"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
}

func runToJSON(run crawler.Run) runJSON {
	diags := run.Diagnostics
	if diags == nil {
		diags = []crawler.Diagnostic{}
	}
	return runJSON{
		ID: run.ID,
		Request: runRequestJSON{
			NumBooks:    run.Request.NumBooks,
			NumChapters: run.Request.NumChapters,
			Short:       run.Request.Short,
		},
		Status:      string(run.Status),
		Counters:    run.Counters,
		Diagnostics: diags,
		Error:       run.ErrorText,
		StartedAt:   run.Started,
		FinishedAt:  run.Finished,
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "crawl_id")
	if !uuid.Valid(id) {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	run, err := s.service.GetRun(r.Context(), id)
	if err != nil {
		if app.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.logger.Error("get run failed", zap.String("crawl_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}

	payload, err := json.Marshal(runToJSON(run))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode crawl")
		return
	}
	etag := s.hasher.ETag(payload)
	w.Header().Set("ETag", etag)
	if !run.Status.Terminal() {
		w.Header().Set("Cache-Control", "no-cache")
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(payload, '\n')); err != nil {
		s.logger.Debug("write run failed", zap.Error(err))
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.service.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToJSON(run))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawls": out})
}
