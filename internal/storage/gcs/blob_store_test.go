package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newOfflineClient(t *testing.T) *storage.Client {
	t.Helper()
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication(), option.WithEndpoint("http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = New(newOfflineClient(t), Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client := newOfflineClient(t)
	plain, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "pages/x.html", plain.ObjectName("pages/x.html"))

	prefixed, err := New(client, Config{Bucket: "b", Prefix: "/crawl/"})
	require.NoError(t, err)
	require.Equal(t, "crawl/pages/x.html", prefixed.ObjectName("pages/x.html"))
	require.NoError(t, prefixed.Close(), "a borrowed client is not closed")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	s, err := New(newOfflineClient(t), Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), " ", "text/html", nil)
	require.Error(t, err)
}
