// Package crawler defines the types, errors, and small policies shared by the
// frontier, fetcher, engine, indexer, and storage layers of the crawler: crawl
// tasks, page records, typed fetch failures, URL normalization, retry backoff,
// and robots.txt enforcement.
package crawler
