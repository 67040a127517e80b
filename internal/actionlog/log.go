package actionlog

import (
	"errors"
	"fmt"
	"sort"

	"ledger_books/internal/models"
	"ledger_books/internal/orderbook"
)

const DefaultCapacity = 100

var ErrGapUnrecoverable = errors.New("gap unrecoverable from action report log")

// ApplyFunc applies one report to the book and advances its clock.
type ApplyFunc func(*orderbook.Book, models.ActionReport) error

// Log is a fixed-capacity ring of the most recent action reports for one
// contract. The oldest report is evicted once capacity is exceeded.
type Log struct {
	buf   []models.ActionReport
	start int
	size  int
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]models.ActionReport, capacity)}
}

func (l *Log) Cap() int { return len(l.buf) }
func (l *Log) Len() int { return l.size }

func (l *Log) Push(r models.ActionReport) {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = r
		l.size++
		return
	}
	l.buf[l.start] = r
	l.start = (l.start + 1) % len(l.buf)
}

// Reports returns the buffered reports in insertion order.
func (l *Log) Reports() []models.ActionReport {
	out := make([]models.ActionReport, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// ReplayUpTo walks the buffered reports in ascending clock order, applying
// each one that is exactly next for the book. It returns the number applied
// and fails with ErrGapUnrecoverable when the book does not end at target.
func (l *Log) ReplayUpTo(book *orderbook.Book, target uint64, apply ApplyFunc) (int, error) {
	reports := l.Reports()
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Clock < reports[j].Clock
	})
	applied := 0
	for _, r := range reports {
		if book.Clock() >= target {
			break
		}
		if r.Clock != book.Clock()+1 {
			continue
		}
		if err := apply(book, r); err != nil {
			return applied, fmt.Errorf("replay clock %d: %w", r.Clock, err)
		}
		applied++
	}
	if book.Clock() != target {
		return applied, fmt.Errorf("%w: contract %d reached clock %d, want %d (%d buffered)",
			ErrGapUnrecoverable, book.ContractID(), book.Clock(), target, l.size)
	}
	return applied, nil
}
