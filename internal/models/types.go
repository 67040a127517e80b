package models

// Message types carried in the `type` field of every websocket record.
const (
	TypeActionReport = "action_report"
	TypeBookTop      = "book_top"
	TypeHeartbeat    = "heartbeat"
)

// Action report status codes.
const (
	StatusInserted         = 200
	StatusFilled           = 201
	StatusMarketNotFilled  = 202
	StatusCanceled         = 203
	StatusCanceledReplaced = 204
)

type Envelope struct {
	Type string `json:"type"`
}

type ActionReport struct {
	Type          string `json:"type"`
	ContractID    int64  `json:"contract_id"`
	Clock         uint64 `json:"clock"`
	StatusType    int    `json:"status_type"`
	StatusReason  int    `json:"status_reason"`
	MID           string `json:"mid"`
	IsAsk         bool   `json:"is_ask"`
	InsertedPrice int64  `json:"inserted_price"`
	InsertedSize  int64  `json:"inserted_size"`
	OriginalPrice int64  `json:"original_price"`
	OriginalSize  int64  `json:"original_size"`
	FilledPrice   int64  `json:"filled_price"`
	FilledSize    int64  `json:"filled_size"`
	Ticks         int64  `json:"ticks"`
	Timestamp     int64  `json:"timestamp"`
}

type Heartbeat struct {
	Type      string `json:"type"`
	Ticks     int64  `json:"ticks"`
	RunID     int64  `json:"run_id"`
	Timestamp int64  `json:"timestamp"`
}

// BookStateEntry is one resting order in a book-state snapshot.
type BookStateEntry struct {
	MID        string `json:"mid"`
	ContractID int64  `json:"contract_id"`
	Price      int64  `json:"price"`
	Size       int64  `json:"size"`
	IsAsk      bool   `json:"is_ask"`
	Clock      uint64 `json:"clock"`
}

type BookState struct {
	ContractID int64            `json:"contract_id"`
	Clock      uint64           `json:"clock"`
	BookStates []BookStateEntry `json:"book_states"`
}

// Contract is the static directory metadata for a tradable contract.
type Contract struct {
	ID              int64  `json:"id"`
	Label           string `json:"label"`
	Name            string `json:"name"`
	Active          bool   `json:"active"`
	IsCall          bool   `json:"is_call"`
	DerivativeType  string `json:"derivative_type"`
	UnderlyingAsset string `json:"underlying_asset"`
	CollateralAsset string `json:"collateral_asset"`
	StrikePrice     int64  `json:"strike_price"`
	MinIncrement    int64  `json:"min_increment"`
	Multiplier      int64  `json:"multiplier"`
	DateLive        string `json:"date_live"`
	DateExpires     string `json:"date_expires"`
	DateExercise    string `json:"date_exercise"`
}
