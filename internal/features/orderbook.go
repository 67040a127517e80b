package features

import "ledger_books/internal/orderbook"

type OrderbookFeatures struct {
	Mid         float64
	Spread      float64
	SpreadBps   float64
	MicroPrice  float64
	Imbalance1  float64
	Imbalance5  float64
	Imbalance10 float64
	BidDepth5   float64
	AskDepth5   float64
	BidDepth10  float64
	AskDepth10  float64
}

// ComputeOrderbookFeatures derives top-of-book analytics from a depth view.
// It reports false when either side of the book is empty.
func ComputeOrderbookFeatures(d orderbook.Depth) (OrderbookFeatures, bool) {
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return OrderbookFeatures{}, false
	}
	bestBid := float64(d.BestBid)
	bestAsk := float64(d.BestAsk)
	bestBidQty := float64(d.BestBidQty)
	bestAskQty := float64(d.BestAskQty)

	mid := (bestBid + bestAsk) / 2.0
	spread := bestAsk - bestBid
	spreadBps := 0.0
	if mid > 0 {
		spreadBps = (spread / mid) * 10000.0
	}

	micro := mid
	if bestBidQty+bestAskQty > 0 {
		micro = (bestBid*bestAskQty + bestAsk*bestBidQty) / (bestBidQty + bestAskQty)
	}

	bidDepth5 := sumTop(d.Bids, 5)
	askDepth5 := sumTop(d.Asks, 5)
	bidDepth10 := sumTop(d.Bids, 10)
	askDepth10 := sumTop(d.Asks, 10)

	return OrderbookFeatures{
		Mid:         mid,
		Spread:      spread,
		SpreadBps:   spreadBps,
		MicroPrice:  micro,
		Imbalance1:  imbalance(bestBidQty, bestAskQty),
		Imbalance5:  imbalance(bidDepth5, askDepth5),
		Imbalance10: imbalance(bidDepth10, askDepth10),
		BidDepth5:   bidDepth5,
		AskDepth5:   askDepth5,
		BidDepth10:  bidDepth10,
		AskDepth10:  askDepth10,
	}, true
}

func sumTop(levels []orderbook.Level, max int) float64 {
	limit := len(levels)
	if max > 0 && limit > max {
		limit = max
	}
	sum := 0.0
	for i := 0; i < limit; i++ {
		sum += float64(levels[i].Size)
	}
	return sum
}

func imbalance(bidQty, askQty float64) float64 {
	if bidQty+askQty == 0 {
		return 0
	}
	return (bidQty - askQty) / (bidQty + askQty)
}
