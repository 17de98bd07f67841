package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// PageStore keeps the latest record per URL. Saving the same URL again
// replaces the earlier record.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]crawler.PageRecord
	saves int
}

// NewPageStore returns an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]crawler.PageRecord)}
}

// SavePage implements crawler.PageStore.
func (s *PageStore) SavePage(_ context.Context, page crawler.PageRecord) error {
	if page.URL == "" {
		return errors.New("page url is required")
	}
	page.Body = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.URL] = page
	s.saves++
	return nil
}

// Get returns the record saved for url.
func (s *PageStore) Get(url string) (crawler.PageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	return p, ok
}

// Len returns the number of distinct URLs stored.
func (s *PageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Saves returns the number of SavePage calls that succeeded.
func (s *PageStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// URLs lists stored URLs in lexical order.
func (s *PageStore) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pages))
	for u := range s.pages {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Close implements crawler.PageStore.
func (s *PageStore) Close() error {
	return nil
}
