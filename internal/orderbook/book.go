package orderbook

import (
	"errors"
	"fmt"

	"github.com/tidwall/btree"

	"ledger_books/internal/models"
)

const levelsDegree = 32

var (
	ErrNotFound           = errors.New("order not found")
	ErrInvariantViolation = errors.New("book invariant violation")
)

type Side uint8

const (
	Bid Side = iota
	Ask
)

func SideOf(isAsk bool) Side {
	if isAsk {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

// Order is a resting order as tracked by the book.
type Order struct {
	MessageID string
	Side      Side
	Price     int64
	Size      int64
}

// Entry is one resting order of a book-state snapshot.
type Entry struct {
	MessageID string
	Price     int64
	Size      int64
	IsAsk     bool
}

// EntriesFromState converts a book-state payload into snapshot entries.
func EntriesFromState(states []models.BookStateEntry) []Entry {
	out := make([]Entry, 0, len(states))
	for _, st := range states {
		out = append(out, Entry{
			MessageID: st.MID,
			Price:     st.Price,
			Size:      st.Size,
			IsAsk:     st.IsAsk,
		})
	}
	return out
}

// Book is a price-level order book for a single contract.
//
// Bids are keyed by negated price so that both sides iterate best-first in
// ascending key order. A Book is not safe for concurrent use; callers hand
// readers a Clone.
type Book struct {
	contractID int64
	clock      uint64
	info       models.Contract

	bids   *btree.Map[int64, int64]
	asks   *btree.Map[int64, int64]
	orders map[string]*Order
}

// New builds a book from snapshot entries. Entries repeating a message id
// accumulate into one order, the same way a repeated insert does.
func New(contractID int64, clock uint64, entries []Entry, info models.Contract) *Book {
	b := &Book{
		contractID: contractID,
		clock:      clock,
		info:       info,
		bids:       btree.NewMap[int64, int64](levelsDegree),
		asks:       btree.NewMap[int64, int64](levelsDegree),
		orders:     make(map[string]*Order, len(entries)),
	}
	for _, e := range entries {
		if e.Size <= 0 {
			continue
		}
		side := SideOf(e.IsAsk)
		if o, ok := b.orders[e.MessageID]; ok {
			o.Size += e.Size
			b.levels(o.Side).Set(key(o.Side, o.Price), b.levelSize(o.Side, o.Price)+e.Size)
			continue
		}
		b.orders[e.MessageID] = &Order{
			MessageID: e.MessageID,
			Side:      side,
			Price:     e.Price,
			Size:      e.Size,
		}
		b.levels(side).Set(key(side, e.Price), b.levelSize(side, e.Price)+e.Size)
	}
	return b
}

func (b *Book) ContractID() int64 { return b.contractID }
func (b *Book) Clock() uint64 { return b.clock }
func (b *Book) Info() models.Contract { return b.info }
func (b *Book) UpdateClock(clock uint64) { b.clock = clock }

// BestBid returns the highest bid level, or (0, 0) when there are no bids.
func (b *Book) BestBid() (int64, int64) {
	k, size, ok := b.bids.Min()
	if !ok {
		return 0, 0
	}
	return -k, size
}

// BestAsk returns the lowest ask level, or (0, 0) when there are no asks.
func (b *Book) BestAsk() (int64, int64) {
	price, size, ok := b.asks.Min()
	if !ok {
		return 0, 0
	}
	return price, size
}

// Order returns a copy of the resting order with the given message id.
func (b *Book) Order(mid string) (Order, bool) {
	o, ok := b.orders[mid]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (b *Book) OrderCount() int { return len(b.orders) }

// Level returns the aggregate resting size at price on side.
func (b *Book) Level(side Side, price int64) (int64, bool) {
	return b.levels(side).Get(key(side, price))
}

// Len is the number of price levels on both sides.
func (b *Book) Len() int {
	return b.bids.Len() + b.asks.Len()
}

// AddOrder inserts a new resting order, or grows an existing one when the
// message id is already resting.
func (b *Book) AddOrder(mid string, price, size int64, side Side) error {
	if size < 0 {
		return fmt.Errorf("%w: insert %s with negative size %d", ErrInvariantViolation, mid, size)
	}
	if size == 0 {
		return nil
	}
	if o, ok := b.orders[mid]; ok {
		if err := b.adjust(o.Side, o.Price, size); err != nil {
			return err
		}
		o.Size += size
		return nil
	}
	if err := b.adjust(side, price, size); err != nil {
		return err
	}
	b.orders[mid] = &Order{MessageID: mid, Side: side, Price: price, Size: size}
	return nil
}

// FillOrder reduces a resting order by size at price. A message id that is
// not resting is the aggressing side of a trade and is ignored; any
// unfilled remainder arrives later as its own insert.
func (b *Book) FillOrder(mid string, price, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: fill %s with negative size %d", ErrInvariantViolation, mid, size)
	}
	o, ok := b.orders[mid]
	if !ok {
		return nil
	}
	remaining := o.Size - size
	if remaining < 0 {
		return fmt.Errorf("%w: %s filled=%d > resting=%d", ErrInvariantViolation, mid, size, o.Size)
	}
	if err := b.adjust(o.Side, price, -size); err != nil {
		return err
	}
	if remaining == 0 {
		delete(b.orders, mid)
		return nil
	}
	o.Size = remaining
	return nil
}

// CancelOrder removes a resting order and its remaining size from its level.
func (b *Book) CancelOrder(mid string) error {
	o, ok := b.orders[mid]
	if !ok {
		return fmt.Errorf("%w: cancel %s", ErrNotFound, mid)
	}
	if err := b.adjust(o.Side, o.Price, -o.Size); err != nil {
		return err
	}
	delete(b.orders, mid)
	return nil
}

// CancelAndReplace resizes a resting order in place at its resting price.
func (b *Book) CancelAndReplace(mid string, newSize int64) error {
	o, ok := b.orders[mid]
	if !ok {
		return fmt.Errorf("%w: replace %s", ErrNotFound, mid)
	}
	if newSize < 0 {
		return fmt.Errorf("%w: replace %s with negative size %d", ErrInvariantViolation, mid, newSize)
	}
	if err := b.adjust(o.Side, o.Price, newSize-o.Size); err != nil {
		return err
	}
	if newSize == 0 {
		delete(b.orders, mid)
		return nil
	}
	o.Size = newSize
	return nil
}

// Clone returns a deep copy that shares no memory with b.
func (b *Book) Clone() *Book {
	c := &Book{
		contractID: b.contractID,
		clock:      b.clock,
		info:       b.info,
		bids:       copyLevels(b.bids),
		asks:       copyLevels(b.asks),
		orders:     make(map[string]*Order, len(b.orders)),
	}
	for mid, o := range b.orders {
		cp := *o
		c.orders[mid] = &cp
	}
	return c
}

// Check verifies that every level equals the sum of the orders resting at it.
func (b *Book) Check() error {
	sums := map[Side]map[int64]int64{Bid: {}, Ask: {}}
	for _, o := range b.orders {
		if o.Size <= 0 {
			return fmt.Errorf("%w: order %s has size %d", ErrInvariantViolation, o.MessageID, o.Size)
		}
		sums[o.Side][o.Price] += o.Size
	}
	for _, side := range []Side{Bid, Ask} {
		lv := b.levels(side)
		if lv.Len() != len(sums[side]) {
			return fmt.Errorf("%w: %s has %d levels, orders span %d", ErrInvariantViolation, side, lv.Len(), len(sums[side]))
		}
		var err error
		lv.Scan(func(k, size int64) bool {
			price := unkey(side, k)
			if sums[side][price] != size {
				err = fmt.Errorf("%w: %s level %d is %d, orders sum to %d", ErrInvariantViolation, side, price, size, sums[side][price])
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Book) String() string {
	bidPx, bidSz := b.BestBid()
	askPx, askSz := b.BestAsk()
	return fmt.Sprintf("Book(cid=%d,name=%s,bid=(%d, %d),ask=(%d, %d))",
		b.contractID, b.info.Label, bidPx, bidSz, askPx, askSz)
}

// adjust applies delta to the level at price. A level reaching zero is
// removed; a level that would go negative is rejected without change.
func (b *Book) adjust(side Side, price, delta int64) error {
	lv := b.levels(side)
	k := key(side, price)
	cur, _ := lv.Get(k)
	next := cur + delta
	switch {
	case next < 0:
		return fmt.Errorf("%w: %s size %d exceeds resting size %d at %d", ErrInvariantViolation, side, -delta, cur, price)
	case next == 0:
		lv.Delete(k)
	default:
		lv.Set(k, next)
	}
	return nil
}

func (b *Book) levels(side Side) *btree.Map[int64, int64] {
	if side == Ask {
		return b.asks
	}
	return b.bids
}

func (b *Book) levelSize(side Side, price int64) int64 {
	size, _ := b.levels(side).Get(key(side, price))
	return size
}

func key(side Side, price int64) int64 {
	if side == Bid {
		return -price
	}
	return price
}

func unkey(side Side, k int64) int64 {
	if side == Bid {
		return -k
	}
	return k
}

func copyLevels(src *btree.Map[int64, int64]) *btree.Map[int64, int64] {
	dst := btree.NewMap[int64, int64](levelsDegree)
	src.Scan(func(k, size int64) bool {
		dst.Set(k, size)
		return true
	})
	return dst
}
