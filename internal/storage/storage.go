// Package storage holds the page record row shared by the persistent backends
// and a fan-out store that writes one page to several backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Row is the flattened form of a crawler.PageRecord written by the SQL and
// key-value backends. Body is never part of a row; blob stores hold it.
type Row struct {
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url"`
	StatusCode   int       `json:"status_code"`
	ContentType  string    `json:"content_type"`
	ContentBytes int64     `json:"content_bytes"`
	Title        string    `json:"title"`
	Depth        int       `json:"depth"`
	Outlinks     []string  `json:"outlinks"`
	FetchedAt    time.Time `json:"fetched_at"`
	DurationMS   int64     `json:"duration_ms"`
	FromCache    bool      `json:"from_cache"`
	NoIndex      bool      `json:"no_index"`
}

// RowFromPage flattens page. The URL must already be normalized.
func RowFromPage(page crawler.PageRecord) (Row, error) {
	if page.URL == "" {
		return Row{}, errors.New("page url is required")
	}
	outlinks := page.Outlinks
	if outlinks == nil {
		outlinks = []string{}
	}
	return Row{
		URL:          page.URL,
		FinalURL:     page.FinalURL,
		StatusCode:   page.StatusCode,
		ContentType:  page.ContentType,
		ContentBytes: page.ContentBytes,
		Title:        page.Title,
		Depth:        page.Depth,
		Outlinks:     outlinks,
		FetchedAt:    page.FetchedAt.UTC(),
		DurationMS:   page.Duration.Milliseconds(),
		FromCache:    page.FromCache,
		NoIndex:      page.NoIndex,
	}, nil
}

// Fanout writes every page to all of its stores concurrently.
type Fanout struct {
	stores []crawler.PageStore
}

// NewFanout combines stores; nil entries are skipped.
func NewFanout(stores ...crawler.PageStore) *Fanout {
	f := &Fanout{}
	for _, s := range stores {
		if s != nil {
			f.stores = append(f.stores, s)
		}
	}
	return f
}

// Len returns the number of wrapped stores.
func (f *Fanout) Len() int {
	return len(f.stores)
}

// SavePage attempts every store and joins their errors. A failing backend does
// not prevent the others from recording the page.
func (f *Fanout) SavePage(ctx context.Context, page crawler.PageRecord) error {
	errs := make([]error, len(f.stores))
	var g errgroup.Group
	for i, s := range f.stores {
		g.Go(func() error {
			if err := s.SavePage(ctx, page); err != nil {
				errs[i] = fmt.Errorf("store %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every store and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
