package frontier

import (
	"container/heap"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// hostState is owned by the Frontier and only touched under its mutex.
type hostState struct {
	host        string
	queue       []crawler.CrawlTask
	nextAllowed time.Time
	delay       time.Duration
	failures    int
	inFlight    bool
	holder      string
	index       int
	seq         uint64
}

func (h *hostState) queued() bool {
	return h.index >= 0
}

// hostHeap orders hosts by next allowed fetch time, then by push order.
type hostHeap []*hostState

var _ heap.Interface = (*hostHeap)(nil)

func (h hostHeap) Len() int { return len(h) }

func (h hostHeap) Less(i, j int) bool {
	if h[i].nextAllowed.Equal(h[j].nextAllowed) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextAllowed.Before(h[j].nextAllowed)
}

func (h hostHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *hostHeap) Push(x any) {
	hs, ok := x.(*hostState)
	if !ok {
		panic("frontier: heap push of non-host value")
	}
	hs.index = len(*h)
	*h = append(*h, hs)
}

func (h *hostHeap) Pop() any {
	old := *h
	n := len(old)
	hs := old[n-1]
	old[n-1] = nil
	hs.index = -1
	*h = old[:n-1]
	return hs
}

func (h hostHeap) peek() *hostState {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
