package orderbook

// Level is one aggregated price level.
type Level struct {
	Price int64
	Size  int64
}

// Depth is a best-first view of the top levels of both sides.
type Depth struct {
	Bids       []Level
	Asks       []Level
	BestBid    int64
	BestBidQty int64
	BestAsk    int64
	BestAskQty int64
}

// Depth returns up to n levels per side; n <= 0 returns every level.
func (b *Book) Depth(n int) Depth {
	d := Depth{
		Bids: b.Levels(Bid, n),
		Asks: b.Levels(Ask, n),
	}
	if len(d.Bids) > 0 {
		d.BestBid = d.Bids[0].Price
		d.BestBidQty = d.Bids[0].Size
	}
	if len(d.Asks) > 0 {
		d.BestAsk = d.Asks[0].Price
		d.BestAskQty = d.Asks[0].Size
	}
	return d
}

// Levels returns up to n levels of one side, best price first.
func (b *Book) Levels(side Side, n int) []Level {
	lv := b.levels(side)
	if lv.Len() == 0 {
		return nil
	}
	size := lv.Len()
	if n > 0 && n < size {
		size = n
	}
	out := make([]Level, 0, size)
	lv.Scan(func(k, qty int64) bool {
		out = append(out, Level{Price: unkey(side, k), Size: qty})
		return len(out) < size
	})
	return out
}

// Pairs flattens levels into [price, size] tuples for JSON output.
func Pairs(levels []Level) [][2]int64 {
	if len(levels) == 0 {
		return nil
	}
	out := make([][2]int64, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, [2]int64{lvl.Price, lvl.Size})
	}
	return out
}
