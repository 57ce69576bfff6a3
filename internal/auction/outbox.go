package auction

import (
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
	"encoding/json"
	"fmt"
	"time"
)

// ClosedEventID is the outbox id of the single close event an auction can produce
func ClosedEventID(productID string) string {
	return "auction-closed-" + productID
}

// BidPlacedEventID is the outbox id of the event announcing one bid
func BidPlacedEventID(bidID string) string {
	return "bid-placed-" + bidID
}

// NewClosedEvent builds the auction.sold / auction.no_sale outbox row for p
func NewClosedEvent(p model.Product, buyNow bool, at time.Time) (model.OutboxEvent, error) {
	eventType := model.EventAuctionNoSale
	if p.Status == model.StatusSold {
		eventType = model.EventAuctionSold
	}
	payload, err := json.Marshal(model.AuctionClosed{
		ProductID:  p.ProductID,
		SellerID:   p.SellerID,
		Status:     p.Status,
		WinnerID:   p.WinnerID,
		FinalPrice: p.CurrentPrice,
		BuyNow:     buyNow,
		ClosedAt:   at,
	})
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return model.OutboxEvent{
		EventID:     ClosedEventID(p.ProductID),
		AggregateID: p.ProductID,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   at,
	}, nil
}

// NewBidPlacedEvent builds the bid.placed outbox row for b
func NewBidPlacedEvent(b model.Bid) (model.OutboxEvent, error) {
	payload, err := json.Marshal(model.BidPlaced{
		BidID:     b.BidID,
		ProductID: b.ProductID,
		UserID:    b.UserID,
		Amount:    b.Amount,
		Auto:      b.Auto,
		CreatedAt: b.CreatedAt,
	})
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode %s event: %w", model.EventBidPlaced, err)
	}
	return model.OutboxEvent{
		EventID:     BidPlacedEventID(b.BidID),
		AggregateID: b.ProductID,
		Type:        model.EventBidPlaced,
		Payload:     payload,
		CreatedAt:   b.CreatedAt,
	}, nil
}

// RecordBid inserts a VALID bid and its bid.placed event inside tx
func RecordBid(tx repository.ProductTx, productID, userID string, amount int64, auto bool, at time.Time) (model.Bid, model.OutboxEvent, error) {
	bid := model.Bid{
		BidID:     utils.GenerateSortableID(),
		ProductID: productID,
		UserID:    userID,
		Amount:    amount,
		Status:    model.BidValid,
		Auto:      auto,
		CreatedAt: at,
	}
	if err := tx.InsertBid(bid); err != nil {
		return model.Bid{}, model.OutboxEvent{}, err
	}
	ev, err := NewBidPlacedEvent(bid)
	if err != nil {
		return model.Bid{}, model.OutboxEvent{}, err
	}
	if err := tx.InsertEvent(ev); err != nil {
		return model.Bid{}, model.OutboxEvent{}, err
	}
	return bid, ev, nil
}

// SellAtBuyNow closes the auction in tx as SOLD to buyerID at the buy-now
// price, recording the final bid. It returns the closed product, the bid and
// the events written.
func SellAtBuyNow(tx repository.ProductTx, buyerID string, auto bool, at time.Time) (model.Product, model.Bid, []model.OutboxEvent, error) {
	p := tx.Product()
	if p.BuyNowPrice == nil {
		return model.Product{}, model.Bid{}, nil, fmt.Errorf("sell product %s at buy-now: no buy-now price", p.ProductID)
	}

	bid, bidEvent, err := RecordBid(tx, p.ProductID, buyerID, *p.BuyNowPrice, auto, at)
	if err != nil {
		return model.Product{}, model.Bid{}, nil, err
	}

	p.Status = model.StatusSold
	p.CurrentPrice = *p.BuyNowPrice
	p.WinnerID = buyerID
	p.UpdatedAt = at
	if err := tx.UpdateProduct(p); err != nil {
		return model.Product{}, model.Bid{}, nil, err
	}

	closed, err := NewClosedEvent(p, true, at)
	if err != nil {
		return model.Product{}, model.Bid{}, nil, err
	}
	if err := tx.InsertEvent(closed); err != nil {
		return model.Product{}, model.Bid{}, nil, err
	}
	return p, bid, []model.OutboxEvent{bidEvent, closed}, nil
}
