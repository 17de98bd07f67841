// Package frontier implements the polite URL queue that feeds crawl workers.
//
// Submissions are normalized, checked against the scope policy and a sharded
// visited set, then appended to a per-host bucket. Take hands out work from
// hosts whose politeness delay has elapsed, ordered by a min-heap on the next
// allowed fetch time so that ready hosts are served round-robin. A host is
// removed from the heap while one of its tasks is in flight, which keeps at
// most one fetch per host active at any time.
package frontier
