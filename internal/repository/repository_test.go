package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Helper to create a new active Product
func newProduct(productID, sellerID string, startPrice, stepPrice int64, endTime time.Time) model.Product {
	now := time.Now()
	return model.Product{
		ProductID:    productID,
		SellerID:     sellerID,
		Title:        fmt.Sprintf("%s title", productID),
		Status:       model.StatusActive,
		StartPrice:   startPrice,
		StepPrice:    stepPrice,
		CurrentPrice: startPrice,
		StartTime:    now.Add(-time.Hour),
		EndTime:      endTime,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Helper to create a new Bid
func newBid(bidID, productID, userID string, amount int64, createdAt time.Time) model.Bid {
	return model.Bid{
		BidID:     bidID,
		ProductID: productID,
		UserID:    userID,
		Amount:    amount,
		Status:    model.BidValid,
		CreatedAt: createdAt,
	}
}

// Helper to create a new active AutoBid
func newAutoBid(id, productID, userID string, maxAmount int64, createdAt time.Time) model.AutoBid {
	return model.AutoBid{
		AutoBidID: id,
		ProductID: productID,
		UserID:    userID,
		MaxAmount: maxAmount,
		IsActive:  true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func recordBid(t *testing.T, repo *MemoryRepo, b model.Bid) {
	t.Helper()
	require.NoError(t, repo.InProductTx(context.Background(), b.ProductID, func(tx ProductTx) error {
		return tx.InsertBid(b)
	}))
}

func TestMemoryRepo_CreateProduct(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepo()
	ctx := context.Background()
	p := newProduct("p1", "seller", 100, 10, time.Now().Add(time.Hour))

	require.NoError(t, repo.CreateProduct(ctx, p))

	got, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, p, got)

	err = repo.CreateProduct(ctx, p)
	require.ErrorIs(t, err, biddingerrors.ErrAlreadyExists)
	require.ErrorIs(t, err, biddingerrors.ErrConflict)

	_, err = repo.GetProduct(ctx, "missing")
	require.ErrorIs(t, err, biddingerrors.ErrNotFound)
}

// Reseeding a product while a transaction on it is open must not be lost to
// the transaction's commit
func TestMemoryRepo_AddProductWaitsForOpenTx(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepo()
	ctx := context.Background()
	end := time.Now().Add(time.Hour)
	repo.AddProduct(newProduct("p1", "seller", 100, 10, end))

	inTx := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			close(inTx)
			<-release
			p := tx.Product()
			p.CurrentPrice = 150
			return tx.UpdateProduct(p)
		})
	}()
	<-inTx

	var seeded sync.WaitGroup
	seeded.Add(1)
	go func() {
		defer seeded.Done()
		repo.AddProduct(newProduct("p1", "seller", 500, 50, end))
	}()

	// the reseed is parked behind the open transaction
	time.Sleep(20 * time.Millisecond)
	got, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.StartPrice)

	close(release)
	require.NoError(t, <-txDone)
	seeded.Wait()

	got, err = repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(500), got.StartPrice)
	require.Equal(t, int64(500), got.CurrentPrice, "the reseed lands after the commit")

	// CreateProduct on an id with an open transaction waits the same way
	inTx2 := make(chan struct{})
	release2 := make(chan struct{})
	go func() {
		txDone <- repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			close(inTx2)
			<-release2
			return nil
		})
	}()
	<-inTx2

	created := make(chan error, 1)
	go func() { created <- repo.CreateProduct(ctx, newProduct("p1", "seller", 1, 1, end)) }()
	select {
	case err := <-created:
		t.Fatalf("create returned while the product was locked: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release2)
	require.NoError(t, <-txDone)
	require.ErrorIs(t, <-created, biddingerrors.ErrAlreadyExists)
}

// Test InProductTx commit and rollback semantics
func TestMemoryRepo_InProductTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	end := time.Now().Add(time.Hour)

	t.Run("commit_applies_changes", func(t *testing.T) {
		t.Parallel()

		repo := NewMemoryRepo()
		repo.AddProduct(newProduct("p1", "seller", 100, 10, end))

		err := repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			p := tx.Product()
			p.CurrentPrice = 150
			p.WinnerID = "u1"
			if err := tx.UpdateProduct(p); err != nil {
				return err
			}
			return tx.InsertBid(newBid("b1", "p1", "u1", 150, time.Now()))
		})
		require.NoError(t, err)

		p, err := repo.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, int64(150), p.CurrentPrice)
		require.Equal(t, "u1", p.WinnerID)

		bids, err := repo.GetBidsByProduct(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, bids, 1)
	})

	t.Run("error_discards_changes", func(t *testing.T) {
		t.Parallel()

		repo := NewMemoryRepo()
		repo.AddProduct(newProduct("p1", "seller", 100, 10, end))
		boom := errors.New("boom")

		err := repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			p := tx.Product()
			p.CurrentPrice = 999
			require.NoError(t, tx.UpdateProduct(p))
			require.NoError(t, tx.InsertBid(newBid("b1", "p1", "u1", 999, time.Now())))
			require.NoError(t, tx.InsertEvent(model.OutboxEvent{EventID: "e1", Type: model.EventBidPlaced, CreatedAt: time.Now()}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		p, err := repo.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, int64(100), p.CurrentPrice)

		bids, err := repo.GetBidsByProduct(ctx, "p1")
		require.NoError(t, err)
		require.Empty(t, bids)

		_, err = repo.GetEvent(ctx, "e1")
		require.ErrorIs(t, err, biddingerrors.ErrEventNotFound)
	})

	t.Run("unknown_product", func(t *testing.T) {
		t.Parallel()

		repo := NewMemoryRepo()
		called := false
		err := repo.InProductTx(ctx, "nope", func(tx ProductTx) error {
			called = true
			return nil
		})
		require.ErrorIs(t, err, biddingerrors.ErrProductNotFound)
		require.False(t, called)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		t.Parallel()

		repo := NewMemoryRepo()
		repo.AddProduct(newProduct("p1", "seller", 100, 10, end))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := repo.InProductTx(cctx, "p1", func(tx ProductTx) error { return nil })
		require.ErrorIs(t, err, context.Canceled)
	})

	// read-modify-write under the product lock never loses an update
	t.Run("concurrent_increments", func(t *testing.T) {
		t.Parallel()

		repo := NewMemoryRepo()
		repo.AddProduct(newProduct("p1", "seller", 0, 1, end))

		var wg sync.WaitGroup
		concurrentCount := 50

		for i := 0; i < concurrentCount; i++ {
			wg.Add(1)
			i := i
			go func() {
				defer wg.Done()
				err := repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
					p := tx.Product()
					p.CurrentPrice++
					if err := tx.UpdateProduct(p); err != nil {
						return err
					}
					return tx.InsertBid(newBid(fmt.Sprintf("bid-%d", i), "p1", fmt.Sprintf("user-%d", i), p.CurrentPrice, time.Now()))
				})
				require.NoError(t, err)
			}()
		}

		wg.Wait()

		p, err := repo.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, int64(concurrentCount), p.CurrentPrice)

		bids, err := repo.GetBidsByProduct(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, bids, concurrentCount)
	})
}

// Test GetWinningBid
func TestMemoryRepo_GetWinningBid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	end := time.Now().Add(time.Hour)
	repo := NewMemoryRepo()
	repo.AddProduct(newProduct("p1", "seller", 50, 10, end))
	repo.AddProduct(newProduct("p2", "seller", 75, 10, end))
	repo.AddProduct(newProduct("p3", "seller", 100, 10, end)) // newest bid invalidated

	bid1 := newBid("bid1", "p1", "user1", 100, time.Now())
	bid2 := newBid("bid2", "p1", "user2", 150, time.Now())
	recordBid(t, repo, bid1)
	recordBid(t, repo, bid2)

	bid3 := newBid("bid3", "p3", "user1", 110, time.Now())
	bid4 := newBid("bid4", "p3", "user2", 120, time.Now())
	recordBid(t, repo, bid3)
	recordBid(t, repo, bid4)
	require.NoError(t, repo.InProductTx(ctx, "p3", func(tx ProductTx) error {
		n, err := tx.InvalidateUserBids("user2")
		require.Equal(t, 1, n)
		return err
	}))

	tests := []struct {
		name      string
		productID string
		wantBid   model.Bid
		wantError error
	}{
		{name: "newest_valid_bid", productID: "p1", wantBid: bid2},
		{name: "product_without_bids", productID: "p2", wantError: biddingerrors.ErrNoBids},
		{name: "skips_invalid_bids", productID: "p3", wantBid: bid3},
		{name: "non_existing_product", productID: "pX", wantError: biddingerrors.ErrProductNotFound},
		{name: "empty_productID", productID: "", wantError: biddingerrors.ErrProductNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			bid, err := repo.GetWinningBid(ctx, tc.productID)
			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantBid, bid)
		})
	}
}

// Test GetProductsByUser
func TestMemoryRepo_GetProductsByUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	end := time.Now().Add(time.Hour)
	repo := NewMemoryRepo()
	p1 := newProduct("p1", "seller", 50, 10, end)
	p2 := newProduct("p2", "seller", 75, 10, end)
	p3 := newProduct("p3", "seller", 100, 10, end)
	for _, p := range []model.Product{p1, p2, p3} {
		repo.AddProduct(p)
	}

	recordBid(t, repo, newBid("bid1", "p1", "user1", 100, time.Now()))
	recordBid(t, repo, newBid("bid2", "p2", "user1", 150, time.Now()))
	recordBid(t, repo, newBid("bid3", "p3", "user2", 200, time.Now()))
	recordBid(t, repo, newBid("bid4", "p3", "user2", 210, time.Now()))

	tests := []struct {
		name         string
		userID       string
		wantProducts []model.Product
		wantError    bool
	}{
		{name: "user_with_multiple_products", userID: "user1", wantProducts: []model.Product{p1, p2}},
		{name: "duplicate_bids_same_product", userID: "user2", wantProducts: []model.Product{p3}},
		{name: "user_with_no_bids", userID: "userX", wantError: true},
		{name: "empty_userID", userID: "", wantError: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			products, err := repo.GetProductsByUser(ctx, tc.userID)
			if tc.wantError {
				require.ErrorIs(t, err, biddingerrors.ErrUserNoBids)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantProducts, products)
		})
	}
}

func TestMemoryRepo_AutoBids(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	repo := NewMemoryRepo()
	repo.AddProduct(newProduct("p1", "seller", 100, 10, now.Add(time.Hour)))

	a1 := newAutoBid("a1", "p1", "u1", 500, now)
	a2 := newAutoBid("a2", "p1", "u2", 500, now.Add(time.Second))
	a3 := newAutoBid("a3", "p1", "u3", 900, now.Add(2*time.Second))

	require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
		for _, a := range []model.AutoBid{a2, a3, a1} {
			if err := tx.InsertAutoBid(a); err != nil {
				return err
			}
		}
		return nil
	}))

	t.Run("ordered_by_max_then_created", func(t *testing.T) {
		require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			active, err := tx.ActiveAutoBids()
			require.NoError(t, err)
			require.Equal(t, []model.AutoBid{a3, a1, a2}, active)
			return nil
		}))
	})

	t.Run("one_active_per_user", func(t *testing.T) {
		err := repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			return tx.InsertAutoBid(newAutoBid("a4", "p1", "u1", 700, now))
		})
		require.ErrorIs(t, err, biddingerrors.ErrDuplicateAutoBid)
	})

	t.Run("deactivate_then_replace", func(t *testing.T) {
		require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			cur, err := tx.ActiveAutoBidByUser("u1")
			if err != nil {
				return err
			}
			cur.IsActive = false
			if err := tx.UpdateAutoBid(cur); err != nil {
				return err
			}
			return tx.InsertAutoBid(newAutoBid("a5", "p1", "u1", 800, now))
		}))

		old, err := repo.GetAutoBid(ctx, "a1")
		require.NoError(t, err)
		require.False(t, old.IsActive)

		n, err := repo.CountActiveAutoBids(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 3, n)
	})

	t.Run("reactivate_conflicts_with_replacement", func(t *testing.T) {
		err := repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			old, err := tx.GetAutoBid("a1")
			if err != nil {
				return err
			}
			old.IsActive = true
			return tx.UpdateAutoBid(old)
		})
		require.ErrorIs(t, err, biddingerrors.ErrDuplicateAutoBid)
	})

	t.Run("unknown_auto_bid", func(t *testing.T) {
		_, err := repo.GetAutoBid(ctx, "nope")
		require.ErrorIs(t, err, biddingerrors.ErrAutoBidNotFound)
	})
}

func TestMemoryRepo_KickedBidders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	repo.AddProduct(newProduct("p1", "seller", 100, 10, time.Now().Add(time.Hour)))

	require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
		kicked, err := tx.IsKicked("u1")
		require.NoError(t, err)
		require.False(t, kicked)
		return tx.KickBidder(model.KickedBidder{ProductID: "p1", UserID: "u1", Reason: "spam", CreatedAt: time.Now()})
	}))

	require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
		kicked, err := tx.IsKicked("u1")
		require.NoError(t, err)
		require.True(t, kicked)
		return nil
	}))
}

func TestMemoryRepo_ListActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()
	repo := NewMemoryRepo()

	ended1 := newProduct("ended1", "s", 1, 1, now.Add(-2*time.Hour))
	ended2 := newProduct("ended2", "s", 1, 1, now.Add(-time.Hour))
	live := newProduct("live", "s", 1, 1, now.Add(time.Hour))
	sold := newProduct("sold", "s", 1, 1, now.Add(-time.Hour))
	sold.Status = model.StatusSold
	for _, p := range []model.Product{live, ended2, sold, ended1} {
		repo.AddProduct(p)
	}

	ended, err := repo.ListActiveEndedBefore(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []model.Product{ended1, ended2}, ended)

	limited, err := repo.ListActiveEndedBefore(ctx, now, 1)
	require.NoError(t, err)
	require.Equal(t, []model.Product{ended1}, limited)

	running, err := repo.ListActiveEndingAfter(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, []model.Product{live}, running)
}

func TestMemoryRepo_Outbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewMemoryRepo()
	repo.AddProduct(newProduct("p1", "seller", 100, 10, time.Now().Add(time.Hour)))

	e1 := model.OutboxEvent{EventID: "e1", AggregateID: "p1", Type: model.EventBidPlaced, Payload: []byte(`{}`), CreatedAt: time.Now()}
	e2 := model.OutboxEvent{EventID: "e2", AggregateID: "p1", Type: model.EventAuctionSold, Payload: []byte(`{}`), CreatedAt: time.Now()}

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.InProductTx(ctx, "p1", func(tx ProductTx) error {
			if err := tx.InsertEvent(e1); err != nil {
				return err
			}
			return tx.InsertEvent(e2)
		}))
	}

	pending, err := repo.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []model.OutboxEvent{e1, e2}, pending)

	at := time.Now()
	require.NoError(t, repo.MarkEventDispatched(ctx, "e1", at))
	require.NoError(t, repo.MarkEventDispatched(ctx, "e1", at.Add(time.Minute)))

	got, err := repo.GetEvent(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.DispatchedAt)
	require.True(t, got.DispatchedAt.Equal(at))

	pending, err = repo.ListPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []model.OutboxEvent{e2}, pending)

	require.ErrorIs(t, repo.MarkEventDispatched(ctx, "missing", at), biddingerrors.ErrEventNotFound)
}
