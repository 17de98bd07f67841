// Package blob persists raw page bodies and their metadata through any
// crawler.BlobStore.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

// PageStore writes <prefix>/<hh>/<urlhash>.html with the body and
// <prefix>/<hh>/<urlhash>.json with the row, where hh is the first two hex
// digits of the URL hash. Re-saving a URL overwrites both objects.
type PageStore struct {
	blobs  crawler.BlobStore
	prefix string
	closer func() error
}

// Option configures a PageStore.
type Option func(*PageStore)

// WithPrefix sets the object path prefix (default "pages").
func WithPrefix(prefix string) Option {
	return func(s *PageStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithCloser runs fn on Close, typically to release the blob client.
func WithCloser(fn func() error) Option {
	return func(s *PageStore) { s.closer = fn }
}

// New wraps blobs.
func New(blobs crawler.BlobStore, opts ...Option) (*PageStore, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	s := &PageStore{blobs: blobs, prefix: "pages"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Paths returns the body and metadata object paths for a normalized URL.
func (s *PageStore) Paths(url string) (body, meta string) {
	key := sha256.URLKey(url)
	base := path.Join(s.prefix, key[:2], key)
	return base + ".html", base + ".json"
}

// SavePage implements crawler.PageStore. The body is written before the
// metadata so a metadata object always points at a complete body.
func (s *PageStore) SavePage(ctx context.Context, page crawler.PageRecord) error {
	row, err := storage.RowFromPage(page)
	if err != nil {
		return err
	}
	bodyPath, metaPath := s.Paths(page.URL)
	bodyURI, err := s.blobs.PutObject(ctx, bodyPath, page.ContentType, bytes.NewReader(page.Body))
	if err != nil {
		return fmt.Errorf("put page body: %w", err)
	}
	meta, err := json.Marshal(struct {
		storage.Row
		BodyURI string `json:"body_uri"`
	}{Row: row, BodyURI: bodyURI})
	if err != nil {
		return fmt.Errorf("marshal page metadata: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, metaPath, "application/json", bytes.NewReader(meta)); err != nil {
		return fmt.Errorf("put page metadata: %w", err)
	}
	return nil
}

// Close implements crawler.PageStore.
func (s *PageStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
