package orderbook

import (
	"hash/crc32"
	"strconv"
	"strings"
)

const defaultChecksumDepth = 10

// Checksum is a CRC32 over the top levels of both sides, interleaved
// bid/ask as price:size pairs. Two copies of a book with equal top levels
// produce the same value regardless of how they were built.
func (b *Book) Checksum(depth int) uint32 {
	max := depth
	if max <= 0 {
		max = defaultChecksumDepth
	}
	bids := b.Levels(Bid, max)
	asks := b.Levels(Ask, max)

	var sb strings.Builder
	appendField := func(v int64) {
		if sb.Len() > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatInt(v, 10))
	}

	for i := 0; i < max; i++ {
		if i < len(bids) {
			appendField(bids[i].Price)
			appendField(bids[i].Size)
		}
		if i < len(asks) {
			appendField(asks[i].Price)
			appendField(asks[i].Size)
		}
	}

	return crc32.ChecksumIEEE([]byte(sb.String()))
}
