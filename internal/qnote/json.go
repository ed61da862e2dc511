package qnote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

// flexibleID accepts ids encoded either as JSON strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

type jsonItem struct {
	ID    flexibleID `json:"id"`
	Title string     `json:"title"`
	URL   string     `json:"url"`
}

type jsonBookPage struct {
	Books   *[]jsonItem `json:"books"`
	HasNext bool        `json:"has_next"`
}

type jsonChapterPage struct {
	Chapters *[]jsonItem `json:"chapters"`
	HasNext  bool        `json:"has_next"`
}

func (p *Parser) parseBookJSON(body []byte, page int) (crawler.BookPage, error) {
	var raw jsonBookPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return crawler.BookPage{}, fmt.Errorf("book listing page %d: decode json: %v: %w", page, err, crawler.ErrMalformedPage)
	}
	if raw.Books == nil {
		return crawler.BookPage{}, fmt.Errorf("book listing page %d: missing books: %w", page, crawler.ErrMalformedPage)
	}

	var books []crawler.BookRef
	index := make(map[string]int)
	for _, item := range *raw.Books {
		id := string(item.ID)
		if id == "" {
			continue
		}
		if i, seen := index[id]; seen {
			if books[i].Title == "" {
				books[i].Title = item.Title
			}
			continue
		}
		index[id] = len(books)
		books = append(books, crawler.BookRef{
			ID:        id,
			Title:     item.Title,
			SourceURL: p.itemURL(item.URL, "detail", id),
		})
	}
	return crawler.BookPage{Books: books, HasNext: raw.HasNext}, nil
}

func (p *Parser) parseChapterJSON(body []byte, book crawler.BookRef, page int) (crawler.ChapterPage, error) {
	var raw jsonChapterPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return crawler.ChapterPage{}, fmt.Errorf("chapter listing page %d: decode json: %v: %w", page, err, crawler.ErrMalformedPage)
	}
	if raw.Chapters == nil {
		return crawler.ChapterPage{}, fmt.Errorf("chapter listing page %d: missing chapters: %w", page, crawler.ErrMalformedPage)
	}

	var chapters []crawler.ChapterRef
	index := make(map[string]int)
	for _, item := range *raw.Chapters {
		id := string(item.ID)
		if id == "" {
			continue
		}
		if i, seen := index[id]; seen {
			if chapters[i].Title == "" {
				chapters[i].Title = item.Title
			}
			continue
		}
		index[id] = len(chapters)
		chapters = append(chapters, crawler.ChapterRef{
			ID:        id,
			Title:     item.Title,
			Index:     len(chapters),
			SourceURL: p.itemURL(item.URL, "read", book.ID, id),
		})
	}
	for i := range chapters {
		if chapters[i].Title == "" {
			chapters[i].Title = "Chapter " + chapters[i].ID
		}
	}
	return crawler.ChapterPage{Chapters: chapters, HasNext: raw.HasNext}, nil
}

// itemURL resolves raw against the base URL, or builds the canonical path
// from segments when raw is empty or unparsable.
func (p *Parser) itemURL(raw string, segments ...string) string {
	if raw != "" {
		if ref, err := url.Parse(raw); err == nil {
			return p.base.ResolveReference(ref).String()
		}
	}
	u := *p.base
	setEscapedPath(&u, joinPath(p.base.EscapedPath(), segments...))
	u.RawQuery = ""
	return u.String()
}
