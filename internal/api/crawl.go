package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

const maxRequestBody = 1 << 16

type crawlRequest struct {
	NumBooks    *int  `json:"num_books"`
	NumChapters *int  `json:"num_chapters"`
	Short       *bool `json:"short"`
}

type chapterJSON struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Index     int    `json:"index"`
	SourceURL string `json:"source_url,omitempty"`
}

type bookJSON struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	SourceURL string        `json:"source_url,omitempty"`
	Chapters  []chapterJSON `json:"chapters"`
}

func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrawlRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, result, err := s.service.Crawl(r.Context(), req)
	if err != nil {
		if errors.Is(err, crawler.ErrRequestOutOfRange) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("crawl failed", zap.String("crawl_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "crawl failed")
		return
	}

	h := w.Header()
	h.Set("X-Crawl-ID", id)
	h.Set("X-Crawl-Partial", strconv.FormatBool(result.Partial))
	h.Set("X-Crawl-Diagnostics", strconv.Itoa(len(result.Diagnostics)))
	s.writeJSON(w, crawlStatus(result), booksJSON(result.Books))
}

// crawlStatus only reports a gateway failure when nothing usable came back.
func crawlStatus(result crawler.CrawlResult) int {
	switch {
	case result.Unreachable:
		return http.StatusBadGateway
	case result.TimedOut && len(result.Books) == 0:
		return http.StatusGatewayTimeout
	default:
		return http.StatusOK
	}
}

func decodeCrawlRequest(body io.Reader) (crawler.CrawlRequest, error) {
	var in crawlRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return crawler.CrawlRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return crawler.CrawlRequest{}, errors.New("invalid JSON: trailing data")
	}
	if in.NumBooks == nil {
		return crawler.CrawlRequest{}, errors.New("num_books is required")
	}
	if in.NumChapters == nil {
		return crawler.CrawlRequest{}, errors.New("num_chapters is required")
	}
	if *in.NumBooks < 0 {
		return crawler.CrawlRequest{}, errors.New("num_books must be >= 0")
	}
	if *in.NumChapters < 0 {
		return crawler.CrawlRequest{}, errors.New("num_chapters must be >= 0")
	}
	req := crawler.CrawlRequest{NumBooks: *in.NumBooks, NumChapters: *in.NumChapters}
	if in.Short != nil {
		req.Short = *in.Short
	}
	return req, nil
}

func bookToJSON(b crawler.Book) bookJSON {
	out := bookJSON{
		ID:        b.Ref.ID,
		Title:     b.Ref.Title,
		SourceURL: b.Ref.SourceURL,
		Chapters:  make([]chapterJSON, 0, len(b.Chapters)),
	}
	for _, ch := range b.Chapters {
		out.Chapters = append(out.Chapters, chapterJSON{
			ID:        ch.ID,
			Title:     ch.Title,
			Index:     ch.Index,
			SourceURL: ch.SourceURL,
		})
	}
	return out
}

func booksJSON(books []crawler.Book) []bookJSON {
	out := make([]bookJSON, 0, len(books))
	for _, b := range books {
		out = append(out, bookToJSON(b))
	}
	return out
}
