package bidding

import (
	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/metrics"
	model "auction-engine/internal/models"
	"auction-engine/internal/repository"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func newTestService(t *testing.T) (*BiddingService, *repository.MemoryRepo, *MockScheduler) {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := repository.NewMemoryRepo()
	sched := NewMockScheduler(ctrl)
	service := NewBiddingService(repo, sched, metrics.New("test")).WithClock(func() time.Time { return testNow })
	return service, repo, sched
}

func activeProduct(id string, mutate ...func(*model.Product)) model.Product {
	p := model.Product{
		ProductID:    id,
		SellerID:     "seller",
		Title:        "Vintage camera",
		Status:       model.StatusActive,
		StartPrice:   50000,
		StepPrice:    10000,
		CurrentPrice: 50000,
		StartTime:    testNow.Add(-time.Hour),
		EndTime:      testNow.Add(time.Hour),
		CreatedAt:    testNow.Add(-time.Hour),
		UpdatedAt:    testNow.Add(-time.Hour),
	}
	for _, m := range mutate {
		m(&p)
	}
	return p
}

// expectBidFollowUps allows the fire-and-forget calls of a plain accepted bid
func expectBidFollowUps(sched *MockScheduler, productID string) {
	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).Return(true, nil).AnyTimes()
	sched.EXPECT().TriggerAutoBidCheck(gomock.Any(), productID).Return(nil).AnyTimes()
}

// Tests PlaceBid
func TestBiddingService_PlaceBid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		product       model.Product
		setup         func(t *testing.T, s *BiddingService)
		productID     string
		userID        string
		amount        int64
		expectedError error
	}{
		{
			name:      "valid_first_bid_one_step_above_start",
			product:   activeProduct("item1"),
			productID: "item1",
			userID:    "user1",
			amount:    60000,
		},
		{
			name:          "first_bid_at_start_price",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "user1",
			amount:        50000,
			expectedError: biddingerrors.ErrBidTooLow,
		},
		{
			name:          "first_bid_one_below_next_step",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "user1",
			amount:        59999,
			expectedError: biddingerrors.ErrBidTooLow,
		},
		{
			name:          "first_bid_below_start_price",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "user1",
			amount:        49999,
			expectedError: biddingerrors.ErrBidTooLow,
		},
		{
			name:    "bid_below_next_step",
			product: activeProduct("item1"),
			setup: func(t *testing.T, s *BiddingService) {
				_, err := s.PlaceBid(context.Background(), "item1", "user1", 60000)
				require.NoError(t, err)
			},
			productID:     "item1",
			userID:        "user2",
			amount:        69999,
			expectedError: biddingerrors.ErrBidTooLow,
		},
		{
			name:          "empty_productID",
			product:       activeProduct("item1"),
			productID:     "",
			userID:        "user1",
			amount:        50000,
			expectedError: biddingerrors.ErrInvalidBid,
		},
		{
			name:          "empty_userID",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "",
			amount:        50000,
			expectedError: biddingerrors.ErrInvalidBid,
		},
		{
			name:          "zero_amount",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "user1",
			amount:        0,
			expectedError: biddingerrors.ErrInvalidBid,
		},
		{
			name:          "seller_cannot_bid",
			product:       activeProduct("item1"),
			productID:     "item1",
			userID:        "seller",
			amount:        50000,
			expectedError: biddingerrors.ErrSelfBid,
		},
		{
			name:          "auction_not_active",
			product:       activeProduct("item1", func(p *model.Product) { p.Status = model.StatusSuspended }),
			productID:     "item1",
			userID:        "user1",
			amount:        50000,
			expectedError: biddingerrors.ErrAuctionNotActive,
		},
		{
			name:          "auction_already_ended",
			product:       activeProduct("item1", func(p *model.Product) { p.EndTime = testNow }),
			productID:     "item1",
			userID:        "user1",
			amount:        50000,
			expectedError: biddingerrors.ErrAuctionEnded,
		},
		{
			name:    "kicked_bidder",
			product: activeProduct("item1"),
			setup: func(t *testing.T, s *BiddingService) {
				_, err := s.PlaceBid(context.Background(), "item1", "user1", 60000)
				require.NoError(t, err)
				require.NoError(t, s.KickBidder(context.Background(), "item1", "seller", "user1", "spam"))
			},
			productID:     "item1",
			userID:        "user1",
			amount:        90000,
			expectedError: biddingerrors.ErrBidderKicked,
		},
		{
			name:          "unknown_product",
			product:       activeProduct("item1"),
			productID:     "missing",
			userID:        "user1",
			amount:        50000,
			expectedError: biddingerrors.ErrProductNotFound,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			service, repo, sched := newTestService(t)
			repo.AddProduct(tc.product)
			expectBidFollowUps(sched, "item1")
			if tc.setup != nil {
				tc.setup(t, service)
			}

			bid, err := service.PlaceBid(context.Background(), tc.productID, tc.userID, tc.amount)
			if tc.expectedError != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tc.expectedError), "expected %v, got %v", tc.expectedError, err)
				return
			}

			require.NoError(t, err)
			require.NotEmpty(t, bid.BidID)
			require.Equal(t, tc.amount, bid.Amount)
			require.Equal(t, model.BidValid, bid.Status)
			require.False(t, bid.Auto)

			p, err := repo.GetProduct(context.Background(), tc.productID)
			require.NoError(t, err)
			require.Equal(t, tc.amount, p.CurrentPrice)
			require.Equal(t, tc.userID, p.WinnerID)
		})
	}
}

func TestBiddingService_PlaceBidTriggersFollowUps(t *testing.T) {
	t.Parallel()

	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1"))

	var dispatched []string
	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, id string) (bool, error) {
		dispatched = append(dispatched, id)
		return true, nil
	})
	sched.EXPECT().TriggerAutoBidCheck(gomock.Any(), "item1").Return(nil)

	bid, err := service.PlaceBid(context.Background(), "item1", "user1", 70000)
	require.NoError(t, err)
	require.Equal(t, []string{"bid-placed-" + bid.BidID}, dispatched)

	ev, err := repo.GetEvent(context.Background(), "bid-placed-"+bid.BidID)
	require.NoError(t, err)
	require.Equal(t, model.EventBidPlaced, ev.Type)
}

func TestBiddingService_PlaceBidSchedulerFailureIsNotReturned(t *testing.T) {
	t.Parallel()

	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1"))

	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).Return(false, errors.New("redis down"))
	sched.EXPECT().TriggerAutoBidCheck(gomock.Any(), "item1").Return(errors.New("redis down"))

	_, err := service.PlaceBid(context.Background(), "item1", "user1", 60000)
	require.NoError(t, err)

	winning, err := service.GetWinningBid(context.Background(), "item1")
	require.NoError(t, err)
	require.Equal(t, "user1", winning.UserID)
}

func TestBiddingService_PlaceBidBuyNow(t *testing.T) {
	t.Parallel()

	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1", func(p *model.Product) { p.BuyNowPrice = int64Ptr(200000) }))

	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).Return(true, nil).Times(2)
	sched.EXPECT().CancelAuctionEnd(gomock.Any(), "item1").Return(nil)

	bid, err := service.PlaceBid(context.Background(), "item1", "user1", 250000)
	require.NoError(t, err)
	require.Equal(t, int64(200000), bid.Amount, "bid is capped at the buy-now price")

	p, err := repo.GetProduct(context.Background(), "item1")
	require.NoError(t, err)
	require.Equal(t, model.StatusSold, p.Status)
	require.Equal(t, "user1", p.WinnerID)
	require.Equal(t, int64(200000), p.CurrentPrice)

	ev, err := repo.GetEvent(context.Background(), "auction-closed-item1")
	require.NoError(t, err)
	require.Equal(t, model.EventAuctionSold, ev.Type)

	_, err = service.PlaceBid(context.Background(), "item1", "user2", 300000)
	require.ErrorIs(t, err, biddingerrors.ErrAuctionNotActive)
}

// The closing bid is recorded at the buy-now price even when that is less
// than one step above the standing price
func TestBiddingService_PlaceBidBuyNowBelowNextStep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1", func(p *model.Product) { p.BuyNowPrice = int64Ptr(65000) }))

	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).Return(true, nil).AnyTimes()
	sched.EXPECT().TriggerAutoBidCheck(gomock.Any(), "item1").Return(nil).AnyTimes()
	sched.EXPECT().CancelAuctionEnd(gomock.Any(), "item1").Return(nil)

	_, err := service.PlaceBid(ctx, "item1", "user1", 60000)
	require.NoError(t, err)

	_, err = service.PlaceBid(ctx, "item1", "user2", 69999)
	require.ErrorIs(t, err, biddingerrors.ErrBidTooLow, "the floor applies before the cutover")

	bid, err := service.PlaceBid(ctx, "item1", "user2", 70000)
	require.NoError(t, err)
	require.Equal(t, int64(65000), bid.Amount)

	p, err := repo.GetProduct(ctx, "item1")
	require.NoError(t, err)
	require.Equal(t, model.StatusSold, p.Status)
	require.Equal(t, "user2", p.WinnerID)
	require.Equal(t, int64(65000), p.CurrentPrice)
}

func TestBiddingService_PlaceBidAutoExtend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		endIn      time.Duration
		wantExtend bool
	}{
		{name: "inside_threshold", endIn: 3 * time.Minute, wantExtend: true},
		{name: "at_threshold", endIn: 5 * time.Minute, wantExtend: true},
		{name: "outside_threshold", endIn: 6 * time.Minute, wantExtend: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			service, repo, sched := newTestService(t)
			end := testNow.Add(tc.endIn)
			repo.AddProduct(activeProduct("item1", func(p *model.Product) {
				p.EndTime = end
				p.AutoExtend = true
				p.ExtendThresholdMinutes = 5
				p.ExtendDurationMinutes = 10
			}))
			expectBidFollowUps(sched, "item1")

			wantEnd := end
			if tc.wantExtend {
				wantEnd = end.Add(10 * time.Minute)
				sched.EXPECT().RescheduleAuctionEnd(gomock.Any(), "item1", wantEnd).Return(nil)
			}

			_, err := service.PlaceBid(context.Background(), "item1", "user1", 60000)
			require.NoError(t, err)

			p, err := repo.GetProduct(context.Background(), "item1")
			require.NoError(t, err)
			require.True(t, p.EndTime.Equal(wantEnd))
		})
	}
}

func TestBiddingService_AutoBidLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1"))
	expectBidFollowUps(sched, "item1")

	created, err := service.CreateAutoBid(ctx, "item1", "user1", 100000)
	require.NoError(t, err)
	require.True(t, created.IsActive)
	require.Equal(t, int64(100000), created.MaxAmount)

	_, err = service.CreateAutoBid(ctx, "item1", "user1", 120000)
	require.ErrorIs(t, err, biddingerrors.ErrDuplicateAutoBid)
	require.ErrorIs(t, err, biddingerrors.ErrConflict)

	got, err := service.GetAutoBid(ctx, "item1", "user1")
	require.NoError(t, err)
	require.Equal(t, created.AutoBidID, got.AutoBidID)

	_, err = service.UpdateAutoBid(ctx, created.AutoBidID, "user2", 150000)
	require.ErrorIs(t, err, biddingerrors.ErrNotOwner)
	require.ErrorIs(t, err, biddingerrors.ErrForbidden)

	updated, err := service.UpdateAutoBid(ctx, created.AutoBidID, "user1", 150000)
	require.NoError(t, err)
	require.Equal(t, int64(150000), updated.MaxAmount)

	require.ErrorIs(t, service.DeleteAutoBid(ctx, created.AutoBidID, "user2"), biddingerrors.ErrNotOwner)
	require.NoError(t, service.DeleteAutoBid(ctx, created.AutoBidID, "user1"))
	require.NoError(t, service.DeleteAutoBid(ctx, created.AutoBidID, "user1"))

	_, err = service.GetAutoBid(ctx, "item1", "user1")
	require.ErrorIs(t, err, biddingerrors.ErrAutoBidNotFound)

	_, err = service.UpdateAutoBid(ctx, created.AutoBidID, "user1", 160000)
	require.ErrorIs(t, err, biddingerrors.ErrAutoBidInactive)

	again, err := service.CreateAutoBid(ctx, "item1", "user1", 90000)
	require.NoError(t, err)
	require.NotEqual(t, created.AutoBidID, again.AutoBidID)
}

func TestBiddingService_CreateAutoBidValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		userID        string
		maxAmount     int64
		expectedError error
	}{
		{name: "below_next_price", userID: "user2", maxAmount: 65000, expectedError: biddingerrors.ErrMaxAmountTooLow},
		{name: "at_next_price", userID: "user2", maxAmount: 70000},
		{name: "leader_at_current_price", userID: "user1", maxAmount: 60000},
		{name: "leader_below_current_price", userID: "user1", maxAmount: 55000, expectedError: biddingerrors.ErrMaxAmountTooLow},
		{name: "seller", userID: "seller", maxAmount: 100000, expectedError: biddingerrors.ErrSelfBid},
		{name: "non_positive", userID: "user2", maxAmount: 0, expectedError: biddingerrors.ErrInvalidBid},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			service, repo, sched := newTestService(t)
			repo.AddProduct(activeProduct("item1"))
			expectBidFollowUps(sched, "item1")
			_, err := service.PlaceBid(context.Background(), "item1", "user1", 60000)
			require.NoError(t, err)

			_, err = service.CreateAutoBid(context.Background(), "item1", tc.userID, tc.maxAmount)
			if tc.expectedError != nil {
				require.ErrorIs(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBiddingService_KickBidder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1"))
	expectBidFollowUps(sched, "item1")

	_, err := service.PlaceBid(ctx, "item1", "user1", 60000)
	require.NoError(t, err)
	_, err = service.PlaceBid(ctx, "item1", "user2", 70000)
	require.NoError(t, err)
	_, err = service.PlaceBid(ctx, "item1", "user1", 80000)
	require.NoError(t, err)
	_, err = service.CreateAutoBid(ctx, "item1", "user1", 150000)
	require.NoError(t, err)

	require.ErrorIs(t, service.KickBidder(ctx, "item1", "user2", "user1", "spam"), biddingerrors.ErrNotOwner)
	require.ErrorIs(t, service.KickBidder(ctx, "item1", "seller", "seller", ""), biddingerrors.ErrCannotKickSelf)

	require.NoError(t, service.KickBidder(ctx, "item1", "seller", "user1", "non-paying bidder"))

	p, err := repo.GetProduct(ctx, "item1")
	require.NoError(t, err)
	require.Equal(t, int64(70000), p.CurrentPrice, "price falls back to the newest remaining valid bid")
	require.Equal(t, "user2", p.WinnerID)

	bids, err := service.GetBidsForProduct(ctx, "item1")
	require.NoError(t, err)
	require.Len(t, bids, 3)
	for _, b := range bids {
		if b.UserID == "user1" {
			require.Equal(t, model.BidInvalid, b.Status)
		}
	}

	_, err = service.GetAutoBid(ctx, "item1", "user1")
	require.ErrorIs(t, err, biddingerrors.ErrAutoBidNotFound)
	_, err = service.CreateAutoBid(ctx, "item1", "user1", 200000)
	require.ErrorIs(t, err, biddingerrors.ErrBidderKicked)

	require.NoError(t, service.KickBidder(ctx, "item1", "seller", "user2", ""))
	p, err = repo.GetProduct(ctx, "item1")
	require.NoError(t, err)
	require.Equal(t, int64(50000), p.CurrentPrice)
	require.False(t, p.HasLeader())

	_, err = service.GetWinningBid(ctx, "item1")
	require.ErrorIs(t, err, biddingerrors.ErrNoBids)
}

func TestBiddingService_CreateAuction(t *testing.T) {
	t.Parallel()

	valid := func(mutate ...func(*model.Product)) model.Product {
		p := model.Product{
			SellerID:   "seller",
			Title:      "  Road bike ",
			StartPrice: 10000,
			StepPrice:  500,
			EndTime:    testNow.Add(24 * time.Hour),
		}
		for _, m := range mutate {
			m(&p)
		}
		return p
	}

	tests := []struct {
		name          string
		product       model.Product
		expectedError error
	}{
		{name: "valid", product: valid()},
		{name: "valid_with_prices", product: valid(func(p *model.Product) {
			p.BuyNowPrice = int64Ptr(50000)
			p.ReservePrice = int64Ptr(20000)
		})},
		{name: "missing_seller", product: valid(func(p *model.Product) { p.SellerID = "" }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "blank_title", product: valid(func(p *model.Product) { p.Title = "  " }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "zero_step", product: valid(func(p *model.Product) { p.StepPrice = 0 }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "end_in_past", product: valid(func(p *model.Product) { p.EndTime = testNow }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "future_start", product: valid(func(p *model.Product) { p.StartTime = testNow.Add(time.Hour) }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "buy_now_below_start", product: valid(func(p *model.Product) { p.BuyNowPrice = int64Ptr(10000) }), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "reserve_above_buy_now", product: valid(func(p *model.Product) {
			p.BuyNowPrice = int64Ptr(30000)
			p.ReservePrice = int64Ptr(40000)
		}), expectedError: biddingerrors.ErrInvalidAuction},
		{name: "auto_extend_without_duration", product: valid(func(p *model.Product) {
			p.AutoExtend = true
			p.ExtendThresholdMinutes = 5
		}), expectedError: biddingerrors.ErrInvalidAuction},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			service, repo, sched := newTestService(t)
			if tc.expectedError == nil {
				sched.EXPECT().ScheduleAuctionEnd(gomock.Any(), gomock.Any(), tc.product.EndTime).Return(nil)
			}

			created, err := service.CreateAuction(context.Background(), tc.product)
			if tc.expectedError != nil {
				require.ErrorIs(t, err, tc.expectedError)
				require.ErrorIs(t, err, biddingerrors.ErrBadRequest)
				return
			}

			require.NoError(t, err)
			require.NotEmpty(t, created.ProductID)
			require.Equal(t, model.StatusActive, created.Status)
			require.Equal(t, "Road bike", created.Title)
			require.Equal(t, created.StartPrice, created.CurrentPrice)
			require.True(t, created.StartTime.Equal(testNow))

			stored, err := repo.GetProduct(context.Background(), created.ProductID)
			require.NoError(t, err)
			require.Equal(t, created.ProductID, stored.ProductID)
		})
	}
}

func TestBiddingService_GetProductsByUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	service, repo, sched := newTestService(t)
	repo.AddProduct(activeProduct("item1"))
	repo.AddProduct(activeProduct("item2"))
	repo.AddProduct(activeProduct("item3"))
	sched.EXPECT().DispatchEvent(gomock.Any(), gomock.Any()).Return(true, nil).AnyTimes()
	sched.EXPECT().TriggerAutoBidCheck(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	_, err := service.PlaceBid(ctx, "item1", "user1", 60000)
	require.NoError(t, err)
	_, err = service.PlaceBid(ctx, "item3", "user1", 60000)
	require.NoError(t, err)

	products, err := service.GetProductsByUser(ctx, "user1")
	require.NoError(t, err)
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ProductID)
	}
	require.ElementsMatch(t, []string{"item1", "item3"}, ids)

	_, err = service.GetProductsByUser(ctx, "")
	require.ErrorIs(t, err, biddingerrors.ErrInvalidBid)

	_, err = service.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, biddingerrors.ErrProductNotFound)
}
