package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.html", uri)

	payload[0] = 'C'
	got, ct, ok := store.Get("path/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "text/html", ct)
	require.Equal(t, []string{"path/page.html"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestPageStoreReplacesByURL(t *testing.T) {
	t.Parallel()

	store := NewPageStore()
	ctx := context.Background()
	require.NoError(t, store.SavePage(ctx, crawler.PageRecord{URL: "https://a.test/", StatusCode: 200, Body: []byte("x")}))
	require.NoError(t, store.SavePage(ctx, crawler.PageRecord{URL: "https://a.test/", StatusCode: 304}))
	require.NoError(t, store.SavePage(ctx, crawler.PageRecord{URL: "https://b.test/"}))
	require.Error(t, store.SavePage(ctx, crawler.PageRecord{}))

	require.Equal(t, 2, store.Len())
	require.Equal(t, 3, store.Saves())
	got, ok := store.Get("https://a.test/")
	require.True(t, ok)
	require.Equal(t, 304, got.StatusCode)
	require.Nil(t, got.Body)
	require.Equal(t, []string{"https://a.test/", "https://b.test/"}, store.URLs())
	require.NoError(t, store.Close())
}
