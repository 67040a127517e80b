package sink

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ledger_books/internal/features"
	"ledger_books/internal/models"
	"ledger_books/internal/orderbook"
)

type Mode string

const (
	ModeFull     Mode = "full"
	ModeFeatures Mode = "features"
)

const DefaultDepth = 10

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeFeatures, "feature", "compact":
		return ModeFeatures, nil
	default:
		return "", fmt.Errorf("unknown output mode %q", raw)
	}
}

// Encoder renders book copies as JSON output records.
type Encoder struct {
	Mode  Mode
	Depth int
	Now   func() time.Time
}

// Encode returns the record for b. Full mode always emits, so consumers
// see a book go empty; features mode reports ok=false while a side is empty.
func (e Encoder) Encode(b *orderbook.Book) ([]byte, bool, error) {
	depth := e.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	d := b.Depth(depth)

	var out any
	if e.Mode == ModeFeatures {
		f, ok := features.ComputeOrderbookFeatures(d)
		if !ok {
			return nil, false, nil
		}
		out = models.BookFeaturesOutput{
			Timestamp:       now().UnixMilli(),
			ContractID:      b.ContractID(),
			Label:           b.Info().Label,
			Clock:           b.Clock(),
			BestBid:         d.BestBid,
			BestAsk:         d.BestAsk,
			BestBidQuantity: d.BestBidQty,
			BestAskQuantity: d.BestAskQty,
			Mid:             f.Mid,
			Spread:          f.Spread,
			SpreadBps:       f.SpreadBps,
			MicroPrice:      f.MicroPrice,
			Imbalance1:      f.Imbalance1,
			Imbalance5:      f.Imbalance5,
			Imbalance10:     f.Imbalance10,
			BidDepth5:       f.BidDepth5,
			AskDepth5:       f.AskDepth5,
			BidDepth10:      f.BidDepth10,
			AskDepth10:      f.AskDepth10,
		}
	} else {
		out = models.BookOutput{
			Timestamp:       now().UnixMilli(),
			ContractID:      b.ContractID(),
			Label:           b.Info().Label,
			Clock:           b.Clock(),
			BestBid:         d.BestBid,
			BestAsk:         d.BestAsk,
			BestBidQuantity: d.BestBidQty,
			BestAskQuantity: d.BestAskQty,
			Bids:            orderbook.Pairs(d.Bids),
			Asks:            orderbook.Pairs(d.Asks),
			Checksum:        b.Checksum(depth),
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
