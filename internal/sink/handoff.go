package sink

import (
	"context"
	"sync"

	"ledger_books/internal/metrics"
	"ledger_books/internal/orderbook"
)

// Handoff decouples the feed's delivery goroutine from slow consumers. Offer
// never blocks: it parks the newest copy per contract, replacing a copy not
// yet consumed unless that copy has a later clock. Run hands parked copies
// to the consumer in the order contracts first became pending.
type Handoff struct {
	consume func(*orderbook.Book)
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[int64]*orderbook.Book
	queue   []int64
	wake    chan struct{}
}

func NewHandoff(consume func(*orderbook.Book), m *metrics.Metrics) *Handoff {
	return &Handoff{
		consume: consume,
		metrics: m,
		pending: make(map[int64]*orderbook.Book),
		wake:    make(chan struct{}, 1),
	}
}

func (h *Handoff) Offer(b *orderbook.Book) {
	id := b.ContractID()
	h.mu.Lock()
	if prev, ok := h.pending[id]; ok {
		h.metrics.Coalesced()
		if b.Clock() < prev.Clock() {
			h.mu.Unlock()
			return
		}
	} else {
		h.queue = append(h.queue, id)
	}
	h.pending[id] = b
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of contracts with an unconsumed copy.
func (h *Handoff) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Run consumes parked copies until ctx is done, then drains what is left.
func (h *Handoff) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case <-h.wake:
			h.drain()
		}
	}
}

func (h *Handoff) drain() {
	for {
		b, ok := h.next()
		if !ok {
			return
		}
		h.consume(b)
	}
}

func (h *Handoff) next() (*orderbook.Book, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil, false
	}
	id := h.queue[0]
	h.queue = h.queue[1:]
	b := h.pending[id]
	delete(h.pending, id)
	return b, true
}
