package crawler

import "time"

// BookRef identifies one discoverable book on a listing page.
type BookRef struct {
	ID        string
	Title     string
	SourceURL string
}

// ChapterRef identifies one chapter of a book. Index is the 0-based position
// of the chapter in the book's final chapter sequence, in source order.
type ChapterRef struct {
	ID        string
	Title     string
	Index     int
	SourceURL string
}

// Book is the unit returned to callers.
type Book struct {
	Ref      BookRef
	Chapters []ChapterRef
}

// CrawlRequest captures how much the caller wants crawled.
type CrawlRequest struct {
	NumBooks    int
	NumChapters int
	// Short selects the short-story listing instead of the home listing.
	Short bool
}

// Diagnostic explains why a book (or, with an empty BookID, the listing)
// came back incomplete.
type Diagnostic struct {
	BookID string `json:"book_id"`
	Reason string `json:"reason"`
}

// CrawlResult is the outcome of one crawl. Books are in discovery order.
type CrawlResult struct {
	Books       []Book
	Diagnostics []Diagnostic
	// Partial is set whenever Diagnostics is non-empty or the crawl timed out.
	Partial bool
	// TimedOut reports that the crawl deadline expired before all work finished.
	TimedOut bool
	// Unreachable reports that not even the first listing page could be fetched.
	Unreachable bool
}

// ChapterCount sums chapters across all books.
func (r CrawlResult) ChapterCount() int {
	total := 0
	for _, b := range r.Books {
		total += len(b.Chapters)
	}
	return total
}

// BookPage is one parsed page of a book listing.
type BookPage struct {
	Books   []BookRef
	HasNext bool
}

// ChapterPage is one parsed page of a book's chapter listing.
type ChapterPage struct {
	Chapters []ChapterRef
	HasNext  bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
}
