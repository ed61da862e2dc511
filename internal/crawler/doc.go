// Package crawler implements the qnote crawling engine: the FetchOutcome
// taxonomy, the retrying fetcher, and the Engine that walks book listings,
// fans out per-book chapter crawls on a bounded pool, and assembles a
// deduplicated, discovery-ordered result.
package crawler
