package bidding

import (
	"auction-engine/internal/auction"
	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/metrics"
	"auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

//go:generate mockgen -source=bidding_service.go -destination=mock_scheduler.go -package=bidding

// Scheduler is the part of the job scheduler the bidding service triggers
// after a write commits
type Scheduler interface {
	ScheduleAuctionEnd(ctx context.Context, auctionID string, endTime time.Time) error
	RescheduleAuctionEnd(ctx context.Context, auctionID string, newEndTime time.Time) error
	CancelAuctionEnd(ctx context.Context, auctionID string) error
	TriggerAutoBidCheck(ctx context.Context, productID string) error
	DispatchEvent(ctx context.Context, eventID string) (bool, error)
}

// BiddingService defines the business logic for auction bidding
type BiddingService struct {
	repo    repository.AuctionDB
	sched   Scheduler
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBiddingService creates a new BiddingService instance
func NewBiddingService(repo repository.AuctionDB, sched Scheduler, m *metrics.Metrics) *BiddingService {
	return &BiddingService{
		repo:    repo,
		sched:   sched,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (s *BiddingService) WithClock(now func() time.Time) *BiddingService {
	s.now = now
	return s
}

// PlaceBid validates and records a user's bid for a product. A bid at or above
// the buy-now price sells the product immediately at that price.
func (s *BiddingService) PlaceBid(ctx context.Context, productID, userID string, amount int64) (models.Bid, error) {
	if productID == "" || userID == "" {
		return models.Bid{}, fmt.Errorf("service: %w - missing productID or userID", biddingerrors.ErrInvalidBid)
	}
	if amount <= 0 {
		return models.Bid{}, fmt.Errorf("service: %w - non-positive bid amount", biddingerrors.ErrInvalidBid)
	}

	var (
		bid      models.Bid
		events   []models.OutboxEvent
		soldNow  bool
		extended *time.Time
	)

	err := s.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		events, soldNow, extended = nil, false, nil

		p := tx.Product()
		now := s.now()
		if err := checkBidder(tx, p, userID, now); err != nil {
			return err
		}
		if minNext := p.MinNextBid(); amount < minNext {
			return fmt.Errorf("service: %w - minimum next bid is %d", biddingerrors.ErrBidTooLow, minNext)
		}

		if p.BuyNowPrice != nil && amount >= *p.BuyNowPrice {
			_, b, written, err := auction.SellAtBuyNow(tx, userID, false, now)
			if err != nil {
				return err
			}
			bid, events, soldNow = b, written, true
			return nil
		}

		b, ev, err := auction.RecordBid(tx, productID, userID, amount, false, now)
		if err != nil {
			return err
		}
		p.CurrentPrice = amount
		p.WinnerID = userID
		p.UpdatedAt = now
		if p.AutoExtend && p.EndTime.Sub(now) <= time.Duration(p.ExtendThresholdMinutes)*time.Minute {
			p.EndTime = p.EndTime.Add(time.Duration(p.ExtendDurationMinutes) * time.Minute)
			extended = &p.EndTime
		}
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		bid, events = b, []models.OutboxEvent{ev}
		return nil
	})
	if err != nil {
		return models.Bid{}, fmt.Errorf("service: failed to place bid on product %s by user %s: %w", productID, userID, err)
	}

	s.metrics.BidsPlaced.Inc()
	s.dispatch(ctx, events)

	if soldNow {
		utils.Info("Bid reached buy-now price, auction sold", map[string]any{
			"product_id": productID,
			"user_id":    userID,
			"amount":     bid.Amount,
		})
		s.afterCommit("cancel auction end", productID, s.sched.CancelAuctionEnd(ctx, productID))
		return bid, nil
	}

	if extended != nil {
		utils.Info("Auction end extended", map[string]any{
			"product_id": productID,
			"end_time":   *extended,
		})
		s.afterCommit("reschedule auction end", productID, s.sched.RescheduleAuctionEnd(ctx, productID, *extended))
	}
	s.afterCommit("trigger auto-bid check", productID, s.sched.TriggerAutoBidCheck(ctx, productID))
	return bid, nil
}

// checkBidder enforces the rules shared by bids and auto-bid configuration
func checkBidder(tx repository.ProductTx, p models.Product, userID string, now time.Time) error {
	if p.Status != models.StatusActive {
		return fmt.Errorf("service: %w - status is %s", biddingerrors.ErrAuctionNotActive, p.Status)
	}
	if !now.Before(p.EndTime) {
		return biddingerrors.ErrAuctionEnded
	}
	if userID == p.SellerID {
		return biddingerrors.ErrSelfBid
	}
	kicked, err := tx.IsKicked(userID)
	if err != nil {
		return err
	}
	if kicked {
		return biddingerrors.ErrBidderKicked
	}
	return nil
}

// minAutoBidMax is the lowest maximum an auto-bid may carry: the next valid
// price, or the current price for the standing leader
func minAutoBidMax(p models.Product, userID string) int64 {
	if p.HasLeader() && p.WinnerID == userID {
		return p.CurrentPrice
	}
	return p.MinNextBid()
}

// CreateAutoBid configures proxy bidding for a user on a product
func (s *BiddingService) CreateAutoBid(ctx context.Context, productID, userID string, maxAmount int64) (models.AutoBid, error) {
	if productID == "" || userID == "" {
		return models.AutoBid{}, fmt.Errorf("service: %w - missing productID or userID", biddingerrors.ErrInvalidBid)
	}
	if maxAmount <= 0 {
		return models.AutoBid{}, fmt.Errorf("service: %w - non-positive maximum", biddingerrors.ErrInvalidBid)
	}

	var created models.AutoBid
	err := s.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		p := tx.Product()
		now := s.now()
		if err := checkBidder(tx, p, userID, now); err != nil {
			return err
		}
		if _, err := tx.ActiveAutoBidByUser(userID); err == nil {
			return biddingerrors.ErrDuplicateAutoBid
		} else if !errors.Is(err, biddingerrors.ErrAutoBidNotFound) {
			return err
		}
		if minMax := minAutoBidMax(p, userID); maxAmount < minMax {
			return fmt.Errorf("service: %w - maximum must be at least %d", biddingerrors.ErrMaxAmountTooLow, minMax)
		}

		created = models.AutoBid{
			AutoBidID: utils.GenerateID(),
			ProductID: productID,
			UserID:    userID,
			MaxAmount: maxAmount,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertAutoBid(created)
	})
	if err != nil {
		return models.AutoBid{}, fmt.Errorf("service: failed to create auto-bid on product %s by user %s: %w", productID, userID, err)
	}

	s.afterCommit("trigger auto-bid check", productID, s.sched.TriggerAutoBidCheck(ctx, productID))
	return created, nil
}

// GetAutoBid returns the user's active auto-bid on a product
func (s *BiddingService) GetAutoBid(ctx context.Context, productID, userID string) (models.AutoBid, error) {
	if productID == "" || userID == "" {
		return models.AutoBid{}, fmt.Errorf("service: %w - missing productID or userID", biddingerrors.ErrInvalidBid)
	}

	var found models.AutoBid
	err := s.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		a, err := tx.ActiveAutoBidByUser(userID)
		found = a
		return err
	})
	if err != nil {
		return models.AutoBid{}, fmt.Errorf("service: failed to get auto-bid on product %s for user %s: %w", productID, userID, err)
	}
	return found, nil
}

// UpdateAutoBid changes the maximum of an active auto-bid owned by userID
func (s *BiddingService) UpdateAutoBid(ctx context.Context, autoBidID, userID string, maxAmount int64) (models.AutoBid, error) {
	if autoBidID == "" || userID == "" {
		return models.AutoBid{}, fmt.Errorf("service: %w - missing autoBidID or userID", biddingerrors.ErrInvalidBid)
	}
	if maxAmount <= 0 {
		return models.AutoBid{}, fmt.Errorf("service: %w - non-positive maximum", biddingerrors.ErrInvalidBid)
	}

	existing, err := s.repo.GetAutoBid(ctx, autoBidID)
	if err != nil {
		return models.AutoBid{}, fmt.Errorf("service: failed to update auto-bid %s: %w", autoBidID, err)
	}

	var updated models.AutoBid
	err = s.repo.InProductTx(ctx, existing.ProductID, func(tx repository.ProductTx) error {
		a, err := tx.GetAutoBid(autoBidID)
		if err != nil {
			return err
		}
		if a.UserID != userID {
			return biddingerrors.ErrNotOwner
		}
		if !a.IsActive {
			return biddingerrors.ErrAutoBidInactive
		}
		p := tx.Product()
		now := s.now()
		if err := checkBidder(tx, p, userID, now); err != nil {
			return err
		}
		if minMax := minAutoBidMax(p, userID); maxAmount < minMax {
			return fmt.Errorf("service: %w - maximum must be at least %d", biddingerrors.ErrMaxAmountTooLow, minMax)
		}

		a.MaxAmount = maxAmount
		a.UpdatedAt = now
		updated = a
		return tx.UpdateAutoBid(a)
	})
	if err != nil {
		return models.AutoBid{}, fmt.Errorf("service: failed to update auto-bid %s: %w", autoBidID, err)
	}

	s.afterCommit("trigger auto-bid check", updated.ProductID, s.sched.TriggerAutoBidCheck(ctx, updated.ProductID))
	return updated, nil
}

// DeleteAutoBid deactivates an auto-bid owned by userID. The row is kept as history.
func (s *BiddingService) DeleteAutoBid(ctx context.Context, autoBidID, userID string) error {
	if autoBidID == "" || userID == "" {
		return fmt.Errorf("service: %w - missing autoBidID or userID", biddingerrors.ErrInvalidBid)
	}

	existing, err := s.repo.GetAutoBid(ctx, autoBidID)
	if err != nil {
		return fmt.Errorf("service: failed to delete auto-bid %s: %w", autoBidID, err)
	}

	err = s.repo.InProductTx(ctx, existing.ProductID, func(tx repository.ProductTx) error {
		a, err := tx.GetAutoBid(autoBidID)
		if err != nil {
			return err
		}
		if a.UserID != userID {
			return biddingerrors.ErrNotOwner
		}
		if !a.IsActive {
			return nil
		}
		a.IsActive = false
		a.UpdatedAt = s.now()
		return tx.UpdateAutoBid(a)
	})
	if err != nil {
		return fmt.Errorf("service: failed to delete auto-bid %s: %w", autoBidID, err)
	}
	return nil
}

// KickBidder removes a bidder from an auction at the seller's request: their
// bids stop counting, their auto-bid is switched off and they cannot return.
// The price falls back to the newest remaining VALID bid.
func (s *BiddingService) KickBidder(ctx context.Context, productID, sellerID, bidderID, reason string) error {
	if productID == "" || sellerID == "" || bidderID == "" {
		return fmt.Errorf("service: %w - missing productID, sellerID or bidderID", biddingerrors.ErrInvalidBid)
	}
	if sellerID == bidderID {
		return biddingerrors.ErrCannotKickSelf
	}

	var invalidated int
	err := s.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		p := tx.Product()
		if p.SellerID != sellerID {
			return biddingerrors.ErrNotOwner
		}
		if p.Status != models.StatusActive {
			return fmt.Errorf("service: %w - status is %s", biddingerrors.ErrAuctionNotActive, p.Status)
		}
		now := s.now()

		n, err := tx.InvalidateUserBids(bidderID)
		if err != nil {
			return err
		}
		invalidated = n

		if a, err := tx.ActiveAutoBidByUser(bidderID); err == nil {
			a.IsActive = false
			a.UpdatedAt = now
			if err := tx.UpdateAutoBid(a); err != nil {
				return err
			}
		} else if !errors.Is(err, biddingerrors.ErrAutoBidNotFound) {
			return err
		}

		if err := tx.KickBidder(models.KickedBidder{
			ProductID: productID,
			UserID:    bidderID,
			Reason:    strings.TrimSpace(reason),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		valid, err := tx.ValidBids()
		if err != nil {
			return err
		}
		if len(valid) == 0 {
			p.CurrentPrice, p.WinnerID = p.StartPrice, ""
		} else {
			last := valid[len(valid)-1]
			p.CurrentPrice, p.WinnerID = last.Amount, last.UserID
		}
		p.UpdatedAt = now
		return tx.UpdateProduct(p)
	})
	if err != nil {
		return fmt.Errorf("service: failed to kick bidder %s from product %s: %w", bidderID, productID, err)
	}

	utils.Info("Bidder kicked", map[string]any{
		"product_id":       productID,
		"bidder_id":        bidderID,
		"bids_invalidated": invalidated,
	})
	s.afterCommit("trigger auto-bid check", productID, s.sched.TriggerAutoBidCheck(ctx, productID))
	return nil
}

// CreateAuction validates and stores a new ACTIVE auction and arms its end timer
func (s *BiddingService) CreateAuction(ctx context.Context, p models.Product) (models.Product, error) {
	now := s.now()
	if p.StartTime.IsZero() {
		p.StartTime = now
	}
	if err := validateAuction(p, now); err != nil {
		return models.Product{}, err
	}

	if p.ProductID == "" {
		p.ProductID = utils.GenerateID()
	}
	p.Title = strings.TrimSpace(p.Title)
	p.Status = models.StatusActive
	p.CurrentPrice = p.StartPrice
	p.WinnerID = ""
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return models.Product{}, fmt.Errorf("service: failed to create auction %s: %w", p.ProductID, err)
	}

	s.afterCommit("schedule auction end", p.ProductID, s.sched.ScheduleAuctionEnd(ctx, p.ProductID, p.EndTime))
	return p, nil
}

func validateAuction(p models.Product, now time.Time) error {
	switch {
	case p.SellerID == "":
		return fmt.Errorf("service: %w - missing seller", biddingerrors.ErrInvalidAuction)
	case strings.TrimSpace(p.Title) == "":
		return fmt.Errorf("service: %w - missing title", biddingerrors.ErrInvalidAuction)
	case p.StartPrice <= 0:
		return fmt.Errorf("service: %w - start price must be positive", biddingerrors.ErrInvalidAuction)
	case p.StepPrice <= 0:
		return fmt.Errorf("service: %w - step price must be positive", biddingerrors.ErrInvalidAuction)
	case p.StartTime.After(now):
		return fmt.Errorf("service: %w - scheduled starts are not supported", biddingerrors.ErrInvalidAuction)
	case !p.EndTime.After(now):
		return fmt.Errorf("service: %w - end time must be in the future", biddingerrors.ErrInvalidAuction)
	case p.BuyNowPrice != nil && *p.BuyNowPrice <= p.StartPrice:
		return fmt.Errorf("service: %w - buy-now price must exceed start price", biddingerrors.ErrInvalidAuction)
	case p.ReservePrice != nil && *p.ReservePrice < p.StartPrice:
		return fmt.Errorf("service: %w - reserve price below start price", biddingerrors.ErrInvalidAuction)
	case p.BuyNowPrice != nil && p.ReservePrice != nil && *p.ReservePrice > *p.BuyNowPrice:
		return fmt.Errorf("service: %w - reserve price above buy-now price", biddingerrors.ErrInvalidAuction)
	case p.AutoExtend && (p.ExtendThresholdMinutes <= 0 || p.ExtendDurationMinutes <= 0):
		return fmt.Errorf("service: %w - auto-extend needs a positive threshold and duration", biddingerrors.ErrInvalidAuction)
	}
	return nil
}

// GetProduct returns a single product
func (s *BiddingService) GetProduct(ctx context.Context, productID string) (models.Product, error) {
	if productID == "" {
		return models.Product{}, fmt.Errorf("service: %w - empty product ID", biddingerrors.ErrInvalidBid)
	}

	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return models.Product{}, fmt.Errorf("service: failed to get product %s: %w", productID, err)
	}
	return p, nil
}

// GetBidsForProduct returns all bids for a specific product
func (s *BiddingService) GetBidsForProduct(ctx context.Context, productID string) ([]models.Bid, error) {
	if productID == "" {
		return nil, fmt.Errorf("service: %w - empty product ID", biddingerrors.ErrInvalidBid)
	}

	bids, err := s.repo.GetBidsByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get bids for product %s: %w", productID, err)
	}

	return bids, nil
}

// GetWinningBid returns the newest VALID bid for a specific product
func (s *BiddingService) GetWinningBid(ctx context.Context, productID string) (models.Bid, error) {
	if productID == "" {
		return models.Bid{}, fmt.Errorf("service: %w - empty product ID", biddingerrors.ErrInvalidBid)
	}

	winningBid, err := s.repo.GetWinningBid(ctx, productID)
	if err != nil {
		return models.Bid{}, fmt.Errorf("service: failed to get winning bid for product %s: %w", productID, err)
	}

	return winningBid, nil
}

// GetProductsByUser returns all products a user has placed bids on
func (s *BiddingService) GetProductsByUser(ctx context.Context, userID string) ([]models.Product, error) {
	if userID == "" {
		return nil, fmt.Errorf("service: %w - empty user ID", biddingerrors.ErrInvalidBid)
	}

	products, err := s.repo.GetProductsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service: failed to get products for user %s: %w", userID, err)
	}

	return products, nil
}

func (s *BiddingService) dispatch(ctx context.Context, events []models.OutboxEvent) {
	for _, ev := range events {
		if _, err := s.sched.DispatchEvent(ctx, ev.EventID); err != nil {
			utils.Error("Failed to enqueue event dispatch", map[string]any{
				"event_id": ev.EventID,
				"error":    err.Error(),
			})
		}
	}
}

// afterCommit logs a failed follow-up; the recovery scan picks up what was lost
func (s *BiddingService) afterCommit(action, productID string, err error) {
	if err == nil {
		return
	}
	utils.Error("Failed to "+action, map[string]any{
		"product_id": productID,
		"error":      err.Error(),
	})
}
