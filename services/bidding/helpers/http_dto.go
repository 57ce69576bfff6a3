package helpers

import (
	"time"

	model "auction-engine/internal/models"
)

// UserIDHeader carries the caller identity set by the upstream auth gateway
const UserIDHeader = "X-User-ID"

// Request/Response DTOs. Money is in minor currency units.
type PlaceBidRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type AutoBidRequest struct {
	MaxAmount int64 `json:"max_amount" binding:"required,gt=0"`
}

type KickBidderRequest struct {
	BidderID string `json:"bidder_id" binding:"required"`
	Reason   string `json:"reason" binding:"max=500"`
}

type CreateAuctionRequest struct {
	Title                  string    `json:"title" binding:"required"`
	StartPrice             int64     `json:"start_price" binding:"required,gt=0"`
	StepPrice              int64     `json:"step_price" binding:"required,gt=0"`
	BuyNowPrice            *int64    `json:"buy_now_price" binding:"omitempty,gt=0"`
	ReservePrice           *int64    `json:"reserve_price" binding:"omitempty,gt=0"`
	EndTime                time.Time `json:"end_time" binding:"required"`
	AutoExtend             bool      `json:"auto_extend"`
	ExtendThresholdMinutes int       `json:"extend_threshold_minutes" binding:"gte=0"`
	ExtendDurationMinutes  int       `json:"extend_duration_minutes" binding:"gte=0"`
}

type BidResponse struct {
	BidID     string `json:"bid_id"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Auto      bool   `json:"auto"`
	CreatedAt string `json:"created_at"`
}

type AutoBidResponse struct {
	AutoBidID string `json:"autobid_id"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	MaxAmount int64  `json:"max_amount"`
	IsActive  bool   `json:"is_active"`
	UpdatedAt string `json:"updated_at"`
}

func NewBidResponse(b model.Bid) BidResponse {
	return BidResponse{
		BidID:     b.BidID,
		ProductID: b.ProductID,
		UserID:    b.UserID,
		Amount:    b.Amount,
		Status:    string(b.Status),
		Auto:      b.Auto,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func NewAutoBidResponse(a model.AutoBid) AutoBidResponse {
	return AutoBidResponse{
		AutoBidID: a.AutoBidID,
		ProductID: a.ProductID,
		UserID:    a.UserID,
		MaxAmount: a.MaxAmount,
		IsActive:  a.IsActive,
		UpdatedAt: a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// ToProduct converts the request into a product owned by sellerID
func (r CreateAuctionRequest) ToProduct(sellerID string) model.Product {
	return model.Product{
		SellerID:               sellerID,
		Title:                  r.Title,
		StartPrice:             r.StartPrice,
		StepPrice:              r.StepPrice,
		BuyNowPrice:            r.BuyNowPrice,
		ReservePrice:           r.ReservePrice,
		EndTime:                r.EndTime.UTC(),
		AutoExtend:             r.AutoExtend,
		ExtendThresholdMinutes: r.ExtendThresholdMinutes,
		ExtendDurationMinutes:  r.ExtendDurationMinutes,
	}
}
