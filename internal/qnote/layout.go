package qnote

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

// Default site settings.
const (
	DefaultBaseURL       = "https://qnote.qq.com"
	DefaultShortCategory = "30125"
)

var _ crawler.Layout = (*Layout)(nil)

// Layout builds qnote listing URLs. Page 1 is the bare URL; later pages add
// a page query parameter.
type Layout struct {
	base          *url.URL
	shortCategory string
}

// NewLayout parses baseURL and returns a Layout.
func NewLayout(baseURL, shortCategory string) (*Layout, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	if shortCategory == "" {
		shortCategory = DefaultShortCategory
	}
	return &Layout{base: base, shortCategory: shortCategory}, nil
}

// BookListingURL returns the home listing, or the short-story category
// listing when the request asks for short books.
func (l *Layout) BookListingURL(request crawler.CrawlRequest, page int) string {
	if request.Short {
		return l.build(page, "cate", l.shortCategory)
	}
	return l.build(page)
}

// ChapterListingURL returns the detail page that lists a book's chapters.
func (l *Layout) ChapterListingURL(book crawler.BookRef, page int) string {
	return l.build(page, "detail", book.ID)
}

func (l *Layout) build(page int, segments ...string) string {
	u := *l.base
	setEscapedPath(&u, joinPath(l.base.EscapedPath(), segments...))
	q := u.Query()
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// setEscapedPath sets both forms of the path so escaped segments survive String.
func setEscapedPath(u *url.URL, escaped string) {
	path, err := url.PathUnescape(escaped)
	if err != nil {
		path = escaped
	}
	u.Path = path
	u.RawPath = escaped
}

// joinPath appends path-escaped segments to an already escaped base path.
func joinPath(basePath string, segments ...string) string {
	p := strings.TrimRight(basePath, "/")
	for _, s := range segments {
		p += "/" + url.PathEscape(s)
	}
	if p == "" {
		return "/"
	}
	return p
}

func parseBase(raw string) (*url.URL, error) {
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", raw)
	}
	return u, nil
}
