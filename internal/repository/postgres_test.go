package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestPostgresRepo connects to TEST_POSTGRES_DSN or skips the test
func newTestPostgresRepo(t *testing.T) *PostgresRepo {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewPostgresRepo(pool)
	require.NoError(t, repo.InitializeTables(ctx))
	return repo
}

func TestPostgresRepo_ProductTx(t *testing.T) {
	repo := newTestPostgresRepo(t)
	ctx := context.Background()

	// unique ids keep reruns against the same database independent
	productID := "pg-" + uuid.NewString()
	p := newProduct(productID, "seller", 100, 10, time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond))
	require.NoError(t, repo.CreateProduct(ctx, p))
	require.ErrorIs(t, repo.CreateProduct(ctx, p), biddingerrors.ErrAlreadyExists)

	bidID := uuid.NewString()
	require.NoError(t, repo.InProductTx(ctx, productID, func(tx ProductTx) error {
		cur := tx.Product()
		cur.CurrentPrice = 150
		cur.WinnerID = "u1"
		if err := tx.UpdateProduct(cur); err != nil {
			return err
		}
		if err := tx.InsertBid(newBid(bidID, productID, "u1", 150, time.Now())); err != nil {
			return err
		}
		if err := tx.InsertAutoBid(newAutoBid(uuid.NewString(), productID, "u1", 500, time.Now())); err != nil {
			return err
		}
		return tx.InsertEvent(model.OutboxEvent{
			EventID:     "bid-placed-" + bidID,
			AggregateID: productID,
			Type:        model.EventBidPlaced,
			Payload:     []byte(`{"amount":150}`),
			CreatedAt:   time.Now(),
		})
	}))

	got, err := repo.GetProduct(ctx, productID)
	require.NoError(t, err)
	require.Equal(t, int64(150), got.CurrentPrice)
	require.Equal(t, "u1", got.WinnerID)

	win, err := repo.GetWinningBid(ctx, productID)
	require.NoError(t, err)
	require.Equal(t, bidID, win.BidID)

	err = repo.InProductTx(ctx, productID, func(tx ProductTx) error {
		return tx.InsertAutoBid(newAutoBid(uuid.NewString(), productID, "u1", 900, time.Now()))
	})
	require.ErrorIs(t, err, biddingerrors.ErrDuplicateAutoBid)

	e, err := repo.GetEvent(ctx, "bid-placed-"+bidID)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":150}`, string(e.Payload))
	require.NoError(t, repo.MarkEventDispatched(ctx, e.EventID, time.Now()))

	require.NoError(t, repo.InProductTx(ctx, productID, func(tx ProductTx) error {
		n, err := tx.InvalidateUserBids("u1")
		require.Equal(t, 1, n)
		return err
	}))
	_, err = repo.GetWinningBid(ctx, productID)
	require.ErrorIs(t, err, biddingerrors.ErrNoBids)
}
