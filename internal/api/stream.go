package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

type streamEvent struct {
	Type        string              `json:"type"`
	Book        *bookJSON           `json:"book,omitempty"`
	Diagnostic  *crawler.Diagnostic `json:"diagnostic,omitempty"`
	CrawlID     string              `json:"crawl_id,omitempty"`
	Status      string              `json:"status,omitempty"`
	Books       *int                `json:"books,omitempty"`
	Partial     *bool               `json:"partial,omitempty"`
	Diagnostics *int                `json:"diagnostics,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// crawlStream runs a crawl and emits each book as a server-sent event as soon
// as it and every book before it are final.
func (s *Server) crawlStream(w http.ResponseWriter, r *http.Request) {
	req, err := queryCrawlRequest(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.service.Limits().Validate(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamEvent) {
		if r.Context().Err() != nil {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode stream event failed", zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			s.logger.Debug("stream write failed", zap.Error(err))
			return
		}
		flusher.Flush()
	}

	send(streamEvent{Type: "ready"})
	id, result, err := s.service.Stream(r.Context(), req, func(b crawler.Book, diag *crawler.Diagnostic) {
		book := bookToJSON(b)
		send(streamEvent{Type: "book", Book: &book})
		if diag != nil {
			send(streamEvent{Type: "diagnostic", Diagnostic: diag})
		}
	})
	if err != nil {
		s.logger.Error("stream crawl failed", zap.String("crawl_id", id), zap.Error(err))
		send(streamEvent{Type: "error", CrawlID: id, Error: "crawl failed"})
		return
	}
	for i := range result.Diagnostics {
		if result.Diagnostics[i].BookID == "" {
			send(streamEvent{Type: "diagnostic", Diagnostic: &result.Diagnostics[i]})
		}
	}
	books, diags := len(result.Books), len(result.Diagnostics)
	send(streamEvent{
		Type:        "done",
		CrawlID:     id,
		Status:      string(result.Status()),
		Books:       &books,
		Partial:     &result.Partial,
		Diagnostics: &diags,
	})
}

func queryCrawlRequest(q url.Values) (crawler.CrawlRequest, error) {
	var req crawler.CrawlRequest
	var err error
	if req.NumBooks, err = requiredCount(q, "num_books"); err != nil {
		return crawler.CrawlRequest{}, err
	}
	if req.NumChapters, err = requiredCount(q, "num_chapters"); err != nil {
		return crawler.CrawlRequest{}, err
	}
	if raw := q.Get("short"); raw != "" {
		if req.Short, err = strconv.ParseBool(raw); err != nil {
			return crawler.CrawlRequest{}, fmt.Errorf("short must be a boolean: %w", err)
		}
	}
	return req, nil
}

func requiredCount(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return n, nil
}
