package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
)

func TestWriterFlushesOnClose(t *testing.T) {
	t.Parallel()

	store := memory.NewPageStore()
	w, err := New(store, Config{Buffer: 64, Flushers: 3}, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: fmt.Sprintf("https://a.test/%d", i)}))
	}
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 50, store.Len())
	require.EqualValues(t, 50, w.Written())
	require.Zero(t, w.Dropped())

	require.ErrorIs(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/late"}), ErrClosed)
	require.NoError(t, w.Close(context.Background()), "Close is idempotent")
}

type gatedStore struct {
	gate chan struct{}
	mu   sync.Mutex
	n    int
	fail bool
}

func (g *gatedStore) SavePage(ctx context.Context, _ crawler.PageRecord) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	if g.fail {
		return errors.New("rejected")
	}
	return nil
}

func (*gatedStore) Close() error { return nil }

func TestWriterDropsWhenFull(t *testing.T) {
	t.Parallel()

	store := &gatedStore{gate: make(chan struct{})}
	w, err := New(store, Config{Buffer: 2, Flushers: 1, EnqueueTimeout: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	var full int
	for i := 0; i < 20; i++ {
		err := w.Put(context.Background(), crawler.PageRecord{URL: fmt.Sprintf("https://a.test/%d", i)})
		if err != nil {
			require.ErrorIs(t, err, ErrBufferFull)
			full++
		}
	}
	require.Less(t, time.Since(start), time.Second, "Put waits a bounded time")
	require.Positive(t, full)
	require.EqualValues(t, full, w.Dropped())

	close(store.gate)
	require.NoError(t, w.Close(context.Background()))
	require.EqualValues(t, 20, w.Written()+w.Dropped())
}

func TestWriterCountsFailures(t *testing.T) {
	t.Parallel()

	store := &gatedStore{gate: make(chan struct{}), fail: true}
	close(store.gate)
	w, err := New(store, Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.SavePage(context.Background(), crawler.PageRecord{URL: "https://a.test/"}))
	require.NoError(t, w.Close(context.Background()))
	require.EqualValues(t, 1, w.Failed())
	require.Zero(t, w.Written())
}

func TestWriterCloseHonorsContext(t *testing.T) {
	t.Parallel()

	store := &gatedStore{gate: make(chan struct{})}
	w, err := New(store, Config{Buffer: 4, Flushers: 1, SaveTimeout: time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}

func TestWriterWaitsForRoom(t *testing.T) {
	t.Parallel()

	store := &gatedStore{gate: make(chan struct{})}
	w, err := New(store, Config{Buffer: 1, Flushers: 1, EnqueueTimeout: time.Second}, nil)
	require.NoError(t, err)

	// One page is held by the flusher, one fills the buffer.
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/0"}))
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/1"}))

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(store.gate)
	}()
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/2"}))
	require.NoError(t, w.Close(context.Background()))
	require.Zero(t, w.Dropped())
	require.EqualValues(t, 3, w.Written())
}

func TestWriterPutHonorsContext(t *testing.T) {
	t.Parallel()

	store := &gatedStore{gate: make(chan struct{})}
	w, err := New(store, Config{Buffer: 1, Flushers: 1, EnqueueTimeout: time.Minute}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/0"}))
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Put(context.Background(), crawler.PageRecord{URL: "https://a.test/1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.Put(ctx, crawler.PageRecord{URL: "https://a.test/2"})
	require.ErrorIs(t, err, ErrBufferFull)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, w.Dropped())

	close(store.gate)
	require.NoError(t, w.Close(context.Background()))
}
