package auction

import (
	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"auction-engine/utils"
	"context"
	"fmt"
	"sort"
	"time"
)

// Outcome of a Finalize run
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeSold    Outcome = "sold"
	OutcomeNoSale  Outcome = "no_sale"
)

// Reasons attached to skipped and no-sale results
const (
	ReasonNotActive      = "not_active"
	ReasonNotEnded       = "not_ended"
	ReasonEnded          = "ended"
	ReasonNoBids         = "no_bids"
	ReasonReserveNotMet  = "reserve_not_met"
	ReasonNoCompetition  = "insufficient_competition"
	ReasonPriceUnchanged = "price_unchanged"
)

// Scheduler is the part of the job scheduler the engine triggers after commit
type Scheduler interface {
	CancelAuctionEnd(ctx context.Context, auctionID string) error
	DispatchEvent(ctx context.Context, eventID string) (bool, error)
}

// FinalizeResult describes what Finalize did
type FinalizeResult struct {
	Outcome    Outcome
	Reason     string
	WinnerID   string
	FinalPrice int64
	// EndTime is the auction's end time as read by Finalize
	EndTime time.Time
}

// ProxyResult describes what ProcessAutoBid did
type ProxyResult struct {
	Changed  bool
	BuyNow   bool
	Price    int64
	LeaderID string
	Reason   string
}

// Engine closes auctions and runs proxy bidding. Every operation runs inside
// the product transaction, so concurrent calls for one product serialize.
type Engine struct {
	repo    repository.AuctionDB
	sched   Scheduler
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an auction engine
func NewEngine(repo repository.AuctionDB, sched Scheduler, m *metrics.Metrics) *Engine {
	return &Engine{repo: repo, sched: sched, metrics: m, now: time.Now}
}

// WithClock replaces the time source, for tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Finalize closes an ended ACTIVE auction as SOLD to the newest VALID bidder,
// or NO_SALE when there is none or the reserve was not met. It is idempotent.
func (e *Engine) Finalize(ctx context.Context, productID string) (FinalizeResult, error) {
	var (
		res   FinalizeResult
		event *model.OutboxEvent
	)

	err := e.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		p := tx.Product()
		res = FinalizeResult{EndTime: p.EndTime}

		if p.Status != model.StatusActive {
			res.Outcome, res.Reason = OutcomeSkipped, ReasonNotActive
			return nil
		}
		now := e.now()
		if p.EndTime.After(now) {
			res.Outcome, res.Reason = OutcomeSkipped, ReasonNotEnded
			return nil
		}

		bids, err := tx.ValidBids()
		if err != nil {
			return err
		}

		switch {
		case len(bids) == 0:
			p.Status, p.WinnerID = model.StatusNoSale, ""
			res.Outcome, res.Reason = OutcomeNoSale, ReasonNoBids
		case p.ReservePrice != nil && bids[len(bids)-1].Amount < *p.ReservePrice:
			p.Status, p.WinnerID = model.StatusNoSale, ""
			res.Outcome, res.Reason = OutcomeNoSale, ReasonReserveNotMet
		default:
			winning := bids[len(bids)-1]
			p.Status = model.StatusSold
			p.WinnerID = winning.UserID
			p.CurrentPrice = winning.Amount
			res.Outcome = OutcomeSold
		}
		p.UpdatedAt = now
		res.WinnerID = p.WinnerID
		res.FinalPrice = p.CurrentPrice

		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		ev, err := NewClosedEvent(p, false, now)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ev); err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("finalize auction %s: %w", productID, err)
	}

	e.metrics.FinalizeOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	fields := map[string]any{
		"product_id": productID,
		"outcome":    res.Outcome,
		"reason":     res.Reason,
	}
	if event == nil {
		utils.Debug("Finalize skipped", fields)
		return res, nil
	}

	fields["winner_id"] = res.WinnerID
	fields["final_price"] = res.FinalPrice
	utils.Info("Auction finalized", fields)
	e.dispatch(ctx, event.EventID)
	return res, nil
}

type competitor struct {
	userID    string
	max       int64
	incumbent bool
}

// ProcessAutoBid runs one proxy-bidding pass for a product: the highest
// maximum leads at one step above the second highest maximum, capped at its
// own maximum. The standing leader competes with its current price when it has
// no higher auto-bid, and keeps the lead on ties.
func (e *Engine) ProcessAutoBid(ctx context.Context, productID string) (ProxyResult, error) {
	var (
		res    ProxyResult
		events []model.OutboxEvent
	)

	err := e.repo.InProductTx(ctx, productID, func(tx repository.ProductTx) error {
		p := tx.Product()
		res = ProxyResult{Price: p.CurrentPrice, LeaderID: p.WinnerID}
		events = nil

		if p.Status != model.StatusActive {
			res.Reason = ReasonNotActive
			return nil
		}
		now := e.now()
		if !now.Before(p.EndTime) {
			res.Reason = ReasonEnded
			return nil
		}

		autoBids, err := tx.ActiveAutoBids()
		if err != nil {
			return err
		}
		competitors := rankCompetitors(p, autoBids)
		if len(competitors) < 2 {
			res.Reason = ReasonNoCompetition
			return nil
		}

		top, second := competitors[0], competitors[1]
		newPrice := second.max + p.StepPrice
		if newPrice > top.max {
			newPrice = top.max
		}

		if p.BuyNowPrice != nil && newPrice >= *p.BuyNowPrice {
			sold, _, written, err := SellAtBuyNow(tx, top.userID, true, now)
			if err != nil {
				return err
			}
			events = written
			res = ProxyResult{Changed: true, BuyNow: true, Price: sold.CurrentPrice, LeaderID: sold.WinnerID}
			return nil
		}

		if newPrice <= p.CurrentPrice && top.userID == p.WinnerID {
			res.Reason = ReasonPriceUnchanged
			return nil
		}

		_, ev, err := RecordBid(tx, p.ProductID, top.userID, newPrice, true, now)
		if err != nil {
			return err
		}
		p.CurrentPrice = newPrice
		p.WinnerID = top.userID
		p.UpdatedAt = now
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		events = []model.OutboxEvent{ev}
		res = ProxyResult{Changed: true, Price: newPrice, LeaderID: top.userID}
		return nil
	})
	if err != nil {
		return ProxyResult{}, fmt.Errorf("process auto-bids for %s: %w", productID, err)
	}

	fields := map[string]any{
		"product_id": productID,
		"price":      res.Price,
		"leader_id":  res.LeaderID,
	}
	switch {
	case res.BuyNow:
		e.metrics.ProxyBidRuns.WithLabelValues("buy_now").Inc()
		utils.Info("Proxy bidding reached buy-now price, auction sold", fields)
		if err := e.sched.CancelAuctionEnd(ctx, productID); err != nil {
			fields["error"] = err.Error()
			utils.Warn("Failed to cancel auction end after buy-now", fields)
		}
	case res.Changed:
		e.metrics.ProxyBidRuns.WithLabelValues("changed").Inc()
		utils.Info("Proxy bid placed", fields)
	default:
		e.metrics.ProxyBidRuns.WithLabelValues("unchanged").Inc()
		fields["reason"] = res.Reason
		utils.Debug("Proxy bidding made no change", fields)
	}

	for _, ev := range events {
		e.dispatch(ctx, ev.EventID)
	}
	return res, nil
}

// rankCompetitors returns everyone able to bid, strongest first. Auto-bids of
// non-leaders must reach the next valid price to take part.
func rankCompetitors(p model.Product, autoBids []model.AutoBid) []competitor {
	minNext := p.MinNextBid()
	var out []competitor
	leaderSeen := false

	// autoBids arrive ordered by max desc then created asc; the stable sort keeps that
	for _, a := range autoBids {
		if p.HasLeader() && a.UserID == p.WinnerID {
			leaderSeen = true
			ceiling := a.MaxAmount
			if ceiling < p.CurrentPrice {
				ceiling = p.CurrentPrice
			}
			out = append(out, competitor{userID: a.UserID, max: ceiling, incumbent: true})
			continue
		}
		if a.MaxAmount >= minNext {
			out = append(out, competitor{userID: a.UserID, max: a.MaxAmount})
		}
	}
	if p.HasLeader() && !leaderSeen {
		out = append(out, competitor{userID: p.WinnerID, max: p.CurrentPrice, incumbent: true})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].max != out[j].max {
			return out[i].max > out[j].max
		}
		return out[i].incumbent && !out[j].incumbent
	})
	return out
}

func (e *Engine) dispatch(ctx context.Context, eventID string) {
	if _, err := e.sched.DispatchEvent(ctx, eventID); err != nil {
		utils.Error("Failed to enqueue event dispatch", map[string]any{
			"event_id": eventID,
			"error":    err.Error(),
		})
	}
}
