package blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
)

func TestSavePageWritesBodyAndMetadata(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	closed := false
	store, err := New(blobs, WithPrefix("crawl"), WithCloser(func() error {
		closed = true
		return nil
	}))
	require.NoError(t, err)

	page := crawler.PageRecord{
		URL:         "https://a.test/docs",
		StatusCode:  200,
		ContentType: "text/html",
		Body:        []byte("<p>docs</p>"),
		Title:       "Docs",
	}
	require.NoError(t, store.SavePage(context.Background(), page))

	bodyPath, metaPath := store.Paths(page.URL)
	require.True(t, strings.HasPrefix(bodyPath, "crawl/"))

	body, ct, ok := blobs.Get(bodyPath)
	require.True(t, ok)
	require.Equal(t, "<p>docs</p>", string(body))
	require.Equal(t, "text/html", ct)

	raw, ct, ok := blobs.Get(metaPath)
	require.True(t, ok)
	require.Equal(t, "application/json", ct)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Equal(t, "Docs", meta["title"])
	require.Equal(t, "memory://"+bodyPath, meta["body_uri"])

	require.NoError(t, store.Close())
	require.True(t, closed)
}

type brokenBlobs struct{}

func (brokenBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestSavePageErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	store, err := New(brokenBlobs{})
	require.NoError(t, err)
	require.ErrorContains(t, store.SavePage(context.Background(), crawler.PageRecord{URL: "https://a.test/"}), "quota exceeded")
	require.Error(t, store.SavePage(context.Background(), crawler.PageRecord{}))
}
