package models

type BookOutput struct {
	Timestamp       int64      `json:"T"`
	ContractID      int64      `json:"cid"`
	Label           string     `json:"s"`
	Clock           uint64     `json:"clock"`
	BestBid         int64      `json:"bb"`
	BestAsk         int64      `json:"ba"`
	BestBidQuantity int64      `json:"bq"`
	BestAskQuantity int64      `json:"aq"`
	Bids            [][2]int64 `json:"bids"`
	Asks            [][2]int64 `json:"asks"`
	Checksum        uint32     `json:"cs"`
}

type BookFeaturesOutput struct {
	Timestamp       int64   `json:"T"`
	ContractID      int64   `json:"cid"`
	Label           string  `json:"s"`
	Clock           uint64  `json:"clock"`
	BestBid         int64   `json:"bb"`
	BestAsk         int64   `json:"ba"`
	BestBidQuantity int64   `json:"bq"`
	BestAskQuantity int64   `json:"aq"`
	Mid             float64 `json:"mid"`
	Spread          float64 `json:"spr"`
	SpreadBps       float64 `json:"sb"`
	MicroPrice      float64 `json:"mic"`
	Imbalance1      float64 `json:"i1"`
	Imbalance5      float64 `json:"i5"`
	Imbalance10     float64 `json:"i10"`
	BidDepth5       float64 `json:"bd5"`
	AskDepth5       float64 `json:"ad5"`
	BidDepth10      float64 `json:"bd10"`
	AskDepth10      float64 `json:"ad10"`
}
