package models

import "time"

// AuctionStatus is the lifecycle state of a product listed for auction
type AuctionStatus string

const (
	StatusPending   AuctionStatus = "PENDING"
	StatusActive    AuctionStatus = "ACTIVE"
	StatusSold      AuctionStatus = "SOLD"
	StatusNoSale    AuctionStatus = "NO_SALE"
	StatusSuspended AuctionStatus = "SUSPENDED"
	StatusCancelled AuctionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed from s
func (s AuctionStatus) IsTerminal() bool {
	return s != StatusPending && s != StatusActive
}

// BidStatus marks whether a bid still counts towards the auction
type BidStatus string

const (
	BidValid   BidStatus = "VALID"
	BidInvalid BidStatus = "INVALID"
)

// Product represents an auction listing. Money fields are in minor currency units.
type Product struct {
	ProductID              string        `json:"product_id"`
	SellerID               string        `json:"seller_id"`
	Title                  string        `json:"title"`
	Status                 AuctionStatus `json:"status"`
	StartPrice             int64         `json:"start_price"`
	StepPrice              int64         `json:"step_price"`
	BuyNowPrice            *int64        `json:"buy_now_price,omitempty"`
	ReservePrice           *int64        `json:"reserve_price,omitempty"`
	CurrentPrice           int64         `json:"current_price"`
	WinnerID               string        `json:"winner_id,omitempty"`
	StartTime              time.Time     `json:"start_time"`
	EndTime                time.Time     `json:"end_time"`
	AutoExtend             bool          `json:"auto_extend"`
	ExtendThresholdMinutes int           `json:"extend_threshold_minutes"`
	ExtendDurationMinutes  int           `json:"extend_duration_minutes"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// HasLeader reports whether a VALID bid currently leads the auction
func (p Product) HasLeader() bool {
	return p.WinnerID != ""
}

// MinNextBid is the lowest amount a new bid must reach: one step above the
// current price, including the first bid where the current price is the start price
func (p Product) MinNextBid() int64 {
	return p.CurrentPrice + p.StepPrice
}

// Bid represents a user's bid on a product, placed by hand or by the proxy engine
type Bid struct {
	BidID     string    `json:"bid_id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Status    BidStatus `json:"status"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`
}

// AutoBid is a bidder's hidden maximum for proxy bidding
type AutoBid struct {
	AutoBidID string    `json:"autobid_id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	MaxAmount int64     `json:"max_amount"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KickedBidder records a bidder removed from an auction by its seller
type KickedBidder struct {
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types written to the outbox
const (
	EventAuctionSold   = "auction.sold"
	EventAuctionNoSale = "auction.no_sale"
	EventBidPlaced     = "bid.placed"
)

// OutboxEvent is a state change recorded in the same transaction that caused it
type OutboxEvent struct {
	EventID      string     `json:"event_id"`
	AggregateID  string     `json:"aggregate_id"`
	Type         string     `json:"type"`
	Payload      []byte     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

// AuctionClosed is the payload of auction.sold and auction.no_sale events
type AuctionClosed struct {
	ProductID  string        `json:"product_id"`
	SellerID   string        `json:"seller_id"`
	Status     AuctionStatus `json:"status"`
	WinnerID   string        `json:"winner_id,omitempty"`
	FinalPrice int64         `json:"final_price"`
	BuyNow     bool          `json:"buy_now"`
	ClosedAt   time.Time     `json:"closed_at"`
}

// BidPlaced is the payload of bid.placed events
type BidPlaced struct {
	BidID     string    `json:"bid_id"`
	ProductID string    `json:"product_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`
}
