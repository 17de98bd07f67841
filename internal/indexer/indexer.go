// Package indexer maintains an in-memory inverted index over crawled page text
// and answers TF-IDF ranked queries.
//
// Postings are split across shards, each behind its own lock, so concurrent
// Index calls for different documents rarely contend. Document metadata lives
// behind a separate lock and decides which postings are visible: a re-indexed
// URL gets a fresh document ID whose postings are written first and published
// by a single metadata swap, after which the old postings are removed.
package indexer

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const defaultShards = 64

// ErrUnparseableText reports page text that cannot be tokenized.
var ErrUnparseableText = errors.New("unparseable text")

// Config tunes the index.
type Config struct {
	Shards    int
	Tokenizer TokenizerConfig
}

// Result is one ranked search hit.
type Result struct {
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

type docMeta struct {
	url    string
	length int
	terms  []string
}

type postingShard struct {
	mu       sync.RWMutex
	postings map[string]map[uint64]int
}

// Indexer is a concurrent inverted index keyed by page URL.
type Indexer struct {
	tokenizer *Tokenizer
	shards    []*postingShard
	nextID    atomic.Uint64

	docsMu sync.RWMutex
	byURL  map[string]uint64
	docs   map[uint64]docMeta
}

// New creates an empty Indexer.
func New(cfg Config) *Indexer {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}
	shards := make([]*postingShard, n)
	for i := range shards {
		shards[i] = &postingShard{postings: make(map[string]map[uint64]int)}
	}
	return &Indexer{
		tokenizer: NewTokenizer(cfg.Tokenizer),
		shards:    shards,
		byURL:     make(map[string]uint64),
		docs:      make(map[uint64]docMeta),
	}
}

// Tokenize exposes the index tokenizer so callers can preview query terms.
func (ix *Indexer) Tokenize(text string) []string {
	return ix.tokenizer.Tokenize(text)
}

// Index adds or replaces the document for page.URL. Text without any index
// terms removes a previously indexed document.
func (ix *Indexer) Index(page crawler.PageRecord) error {
	if !utf8.ValidString(page.ExtractedText) {
		return ErrUnparseableText
	}
	tokens := ix.tokenizer.Tokenize(page.ExtractedText)
	if len(tokens) == 0 {
		ix.Remove(page.URL)
		return nil
	}

	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	terms := make([]string, 0, len(freqs))
	for term := range freqs {
		terms = append(terms, term)
	}

	id := ix.nextID.Add(1)
	for _, term := range terms {
		s := ix.shard(term)
		s.mu.Lock()
		list, ok := s.postings[term]
		if !ok {
			list = make(map[uint64]int)
			s.postings[term] = list
		}
		list[id] = freqs[term]
		s.mu.Unlock()
	}

	ix.docsMu.Lock()
	oldID, replaced := ix.byURL[page.URL]
	old := ix.docs[oldID]
	ix.byURL[page.URL] = id
	ix.docs[id] = docMeta{url: page.URL, length: len(tokens), terms: terms}
	if replaced {
		delete(ix.docs, oldID)
	}
	ix.docsMu.Unlock()

	if replaced {
		ix.dropPostings(oldID, old.terms)
	}
	return nil
}

// Remove deletes the document for url, if any.
func (ix *Indexer) Remove(url string) {
	ix.docsMu.Lock()
	id, ok := ix.byURL[url]
	meta := ix.docs[id]
	if ok {
		delete(ix.byURL, url)
		delete(ix.docs, id)
	}
	ix.docsMu.Unlock()
	if ok {
		ix.dropPostings(id, meta.terms)
	}
}

// Documents returns the number of indexed documents.
func (ix *Indexer) Documents() int {
	ix.docsMu.RLock()
	defer ix.docsMu.RUnlock()
	return len(ix.docs)
}

// Search ranks documents for query and returns at most limit results ordered by
// descending score, then shorter document, then URL. A query with no matches
// yields an empty slice.
func (ix *Indexer) Search(query string, limit int) []Result {
	if limit <= 0 {
		return []Result{}
	}
	terms := uniqueTerms(ix.tokenizer.Tokenize(query))
	if len(terms) == 0 {
		return []Result{}
	}

	ix.docsMu.RLock()
	total := float64(len(ix.docs))
	scores := make(map[uint64]float64)
	for _, term := range terms {
		s := ix.shard(term)
		s.mu.RLock()
		list := s.postings[term]
		live := 0
		for id := range list {
			if _, ok := ix.docs[id]; ok {
				live++
			}
		}
		if live > 0 {
			idf := math.Log(total / float64(live))
			for id, tf := range list {
				if _, ok := ix.docs[id]; ok {
					scores[id] += float64(tf) * idf
				}
			}
		}
		s.mu.RUnlock()
	}

	type ranked struct {
		Result
		length int
	}
	hits := make([]ranked, 0, len(scores))
	for id, score := range scores {
		meta := ix.docs[id]
		hits = append(hits, ranked{
			Result: Result{URL: meta.url, Score: score / float64(meta.length)},
			length: meta.length,
		})
	}
	ix.docsMu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].length != hits[j].length {
			return hits[i].length < hits[j].length
		}
		return hits[i].URL < hits[j].URL
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = h.Result
	}
	return results
}

func (ix *Indexer) dropPostings(id uint64, terms []string) {
	for _, term := range terms {
		s := ix.shard(term)
		s.mu.Lock()
		list := s.postings[term]
		if _, ok := list[id]; !ok {
			s.mu.Unlock()
			panic("indexer: document postings missing for term " + term)
		}
		delete(list, id)
		if len(list) == 0 {
			delete(s.postings, term)
		}
		s.mu.Unlock()
	}
}

func (ix *Indexer) shard(term string) *postingShard {
	return ix.shards[xxhash.Sum64String(term)%uint64(len(ix.shards))]
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
