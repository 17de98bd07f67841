package indexer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func page(url, text string) crawler.PageRecord {
	return crawler.PageRecord{URL: url, ExtractedText: text}
}

func TestSearchMarketRisk(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	require.NoError(t, ix.Index(page("http://a.test/finance", "market risk analysis")))
	require.NoError(t, ix.Index(page("http://a.test/food", "cooking recipes")))

	results := ix.Search("market risk", 10)
	require.Len(t, results, 1)
	assert.Equal(t, "http://a.test/finance", results[0].URL)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSearchNoMatchesReturnsEmpty(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	require.Empty(t, ix.Search("anything", 10))

	require.NoError(t, ix.Index(page("http://a.test/", "gardening tips")))
	results := ix.Search("astronomy", 10)
	require.NotNil(t, results)
	require.Empty(t, results)
	require.Empty(t, ix.Search("the and of", 10), "stop-word-only query has no terms")
}

func TestSearchRespectsLimitAndOrdering(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	for i := 0; i < 20; i++ {
		text := "crawler politeness"
		for j := 0; j < i%4; j++ {
			text += " filler words here"
		}
		require.NoError(t, ix.Index(page(fmt.Sprintf("http://a.test/%02d", i), text)))
	}
	require.NoError(t, ix.Index(page("http://a.test/other", "unrelated content entirely")))

	results := ix.Search("crawler", 5)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	require.Empty(t, ix.Search("crawler", 0))
}

func TestSearchTieBreaksByLengthThenURL(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	require.NoError(t, ix.Index(page("http://b.test/", "python tutorial")))
	require.NoError(t, ix.Index(page("http://a.test/", "python tutorial")))
	require.NoError(t, ix.Index(page("http://c.test/", "golang channels")))

	results := ix.Search("python", 10)
	require.Len(t, results, 2)
	assert.Equal(t, "http://a.test/", results[0].URL)
	assert.Equal(t, "http://b.test/", results[1].URL)
	assert.Equal(t, results[0].Score, results[1].Score)
}

func TestReindexReplacesDocument(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	require.NoError(t, ix.Index(page("http://a.test/", "volatile market prices")))
	require.NoError(t, ix.Index(page("http://b.test/", "weather forecast")))
	require.NoError(t, ix.Index(page("http://a.test/", "gardening season")))

	require.Equal(t, 2, ix.Documents())
	require.Empty(t, ix.Search("market", 10), "old postings must be gone")
	results := ix.Search("gardening", 10)
	require.Len(t, results, 1)
	require.Equal(t, "http://a.test/", results[0].URL)

	for _, shard := range ix.shards {
		for term, list := range shard.postings {
			for id := range list {
				_, live := ix.docs[id]
				require.True(t, live, "posting for %q references a removed document", term)
			}
		}
	}
}

func TestConcurrentIndexAndSearch(t *testing.T) {
	t.Parallel()
	ix := New(Config{Shards: 4})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				url := fmt.Sprintf("http://h%d.test/%d", w, i%10)
				_ = ix.Index(page(url, fmt.Sprintf("shared topic variant%c words", 'a'+rune(i%26))))
				results := ix.Search("shared topic", 5)
				if len(results) > 5 {
					t.Errorf("limit exceeded: %d", len(results))
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 80, ix.Documents())
	require.Len(t, ix.Search("shared", 100), 80)
}

func TestIndexEmptyTextRemovesDocument(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	require.NoError(t, ix.Index(page("http://a.test/", "meaningful words")))
	require.NoError(t, ix.Index(page("http://a.test/", "  12 34 !! ")))
	require.Zero(t, ix.Documents())
	ix.Remove("http://missing.test/")
}

func TestIndexRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()
	ix := New(Config{})
	err := ix.Index(page("http://a.test/", "bad \xff\xfe bytes"))
	require.ErrorIs(t, err, ErrUnparseableText)
	require.Zero(t, ix.Documents())
}
