// Package qnote knows the shape of qnote.qq.com: where its listing pages
// live and how to read books and chapters out of them.
package qnote

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

// Selectors configures where the HTML parser looks for listings.
type Selectors struct {
	// BookList must match on every well-formed book listing page.
	BookList string
	// ChapterList must match on every well-formed chapter listing page.
	ChapterList string
	// Next matches the pagination link to the following page.
	Next string
}

// DefaultSelectors returns the selectors used against the live site.
func DefaultSelectors() Selectors {
	return Selectors{
		BookList:    ".book-list",
		ChapterList: ".chapter-list",
		Next:        `a[rel="next"], .pagination a.next`,
	}
}

var (
	bookPathPattern    = regexp.MustCompile(`^/detail/([0-9A-Za-z_-]+)/?$`)
	chapterPathPattern = regexp.MustCompile(`^/read/([0-9A-Za-z_-]+)/([0-9A-Za-z_-]+)/?$`)
)

var _ crawler.Parser = (*Parser)(nil)

// Parser reads qnote listing pages. It accepts both the HTML pages served to
// browsers and the JSON pages served to the site's own scripts. It holds no
// mutable state and is safe for concurrent use.
type Parser struct {
	base *url.URL
	sel  Selectors
}

// NewParser builds a Parser that resolves relative links against baseURL.
// Empty selectors fall back to DefaultSelectors.
func NewParser(baseURL string, sel Selectors) (*Parser, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	def := DefaultSelectors()
	if sel.BookList == "" {
		sel.BookList = def.BookList
	}
	if sel.ChapterList == "" {
		sel.ChapterList = def.ChapterList
	}
	if sel.Next == "" {
		sel.Next = def.Next
	}
	// Relative hrefs resolve inside the base directory.
	if !strings.HasSuffix(base.Path, "/") {
		dir := *base
		setEscapedPath(&dir, dir.EscapedPath()+"/")
		base = &dir
	}
	return &Parser{base: base, sel: sel}, nil
}

// ParseBookListing extracts the books on one listing page in page order.
func (p *Parser) ParseBookListing(body []byte, page int) (crawler.BookPage, error) {
	if isJSON(body) {
		return p.parseBookJSON(body, page)
	}
	doc, container, err := p.open(body, p.sel.BookList, "book listing", page)
	if err != nil {
		return crawler.BookPage{}, err
	}

	var books []crawler.BookRef
	index := make(map[string]int)
	container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs, ok := p.resolve(a)
		if !ok {
			return
		}
		m := bookPathPattern.FindStringSubmatch(p.sitePath(abs))
		if m == nil {
			return
		}
		id := m[1]
		title := anchorTitle(a)
		if i, seen := index[id]; seen {
			if books[i].Title == "" {
				books[i].Title = title
			}
			return
		}
		index[id] = len(books)
		books = append(books, crawler.BookRef{ID: id, Title: title, SourceURL: abs.String()})
	})

	return crawler.BookPage{Books: books, HasNext: p.hasNext(doc)}, nil
}

// ParseChapterListing extracts one page of a book's chapters in page order.
// Index is the position on this page; the engine renumbers across pages.
func (p *Parser) ParseChapterListing(body []byte, book crawler.BookRef, page int) (crawler.ChapterPage, error) {
	if isJSON(body) {
		return p.parseChapterJSON(body, book, page)
	}
	doc, container, err := p.open(body, p.sel.ChapterList, "chapter listing", page)
	if err != nil {
		return crawler.ChapterPage{}, err
	}

	var chapters []crawler.ChapterRef
	index := make(map[string]int)
	container.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs, ok := p.resolve(a)
		if !ok {
			return
		}
		m := chapterPathPattern.FindStringSubmatch(p.sitePath(abs))
		if m == nil || m[1] != book.ID {
			return
		}
		id := m[2]
		title := anchorTitle(a)
		if i, seen := index[id]; seen {
			if chapters[i].Title == "" {
				chapters[i].Title = title
			}
			return
		}
		index[id] = len(chapters)
		chapters = append(chapters, crawler.ChapterRef{
			ID:        id,
			Title:     title,
			Index:     len(chapters),
			SourceURL: abs.String(),
		})
	})
	for i := range chapters {
		if chapters[i].Title == "" {
			chapters[i].Title = "Chapter " + chapters[i].ID
		}
	}

	return crawler.ChapterPage{Chapters: chapters, HasNext: p.hasNext(doc)}, nil
}

func (p *Parser) open(body []byte, selector, kind string, page int) (*goquery.Document, *goquery.Selection, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil, fmt.Errorf("%s page %d: empty body: %w", kind, page, crawler.ErrMalformedPage)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%s page %d: parse html: %v: %w", kind, page, err, crawler.ErrMalformedPage)
	}
	container := doc.Find(selector)
	if container.Length() == 0 {
		return nil, nil, fmt.Errorf("%s page %d: no element matches %q: %w", kind, page, selector, crawler.ErrMalformedPage)
	}
	return doc, container, nil
}

func (p *Parser) resolve(a *goquery.Selection) (*url.URL, bool) {
	href, _ := a.Attr("href")
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	abs := p.base.ResolveReference(ref)
	abs.Fragment = ""
	return abs, true
}

// sitePath returns abs.Path relative to the base URL's path, keeping the
// leading slash, so a site mounted under a prefix matches the same patterns
// as one served from the root. Links outside the prefix yield "".
func (p *Parser) sitePath(abs *url.URL) string {
	prefix := strings.TrimSuffix(p.base.Path, "/")
	if prefix == "" {
		return abs.Path
	}
	rest, ok := strings.CutPrefix(abs.Path, prefix+"/")
	if !ok {
		return ""
	}
	return "/" + rest
}

func (p *Parser) hasNext(doc *goquery.Document) bool {
	next := doc.Find(p.sel.Next).FilterFunction(func(_ int, s *goquery.Selection) bool {
		if s.HasClass("disabled") {
			return false
		}
		if v, ok := s.Attr("aria-disabled"); ok && v == "true" {
			return false
		}
		_, ok := p.resolve(s)
		return ok
	})
	return next.Length() > 0
}

func anchorTitle(a *goquery.Selection) string {
	for _, attr := range []string{"data-title", "title"} {
		if v, ok := a.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return strings.Join(strings.Fields(a.Text()), " ")
}

func isJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
