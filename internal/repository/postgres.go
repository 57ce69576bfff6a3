package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		start_price BIGINT NOT NULL,
		step_price BIGINT NOT NULL,
		buy_now_price BIGINT,
		reserve_price BIGINT,
		current_price BIGINT NOT NULL,
		winner_id TEXT,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		auto_extend BOOLEAN NOT NULL DEFAULT FALSE,
		extend_threshold_minutes INTEGER NOT NULL DEFAULT 0,
		extend_duration_minutes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_status_end ON products (status, end_time)`,
	`CREATE TABLE IF NOT EXISTS bids (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL REFERENCES products(id),
		user_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		auto BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_product ON bids (product_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_user ON bids (user_id)`,
	`CREATE TABLE IF NOT EXISTS auto_bids (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		user_id TEXT NOT NULL,
		max_amount BIGINT NOT NULL,
		is_active BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_auto_bids_active ON auto_bids (product_id, user_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS kicked_bidders (
		product_id TEXT NOT NULL REFERENCES products(id),
		user_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (product_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		dispatched_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE dispatched_at IS NULL`,
}

const productColumns = `id, seller_id, title, status, start_price, step_price, buy_now_price, reserve_price,
	current_price, COALESCE(winner_id, ''), start_time, end_time, auto_extend,
	extend_threshold_minutes, extend_duration_minutes, created_at, updated_at`

const bidColumns = `id, product_id, user_id, amount, status, auto, created_at`

const autoBidColumns = `id, product_id, user_id, max_amount, is_active, created_at, updated_at`

const eventColumns = `id, aggregate_id, type, payload::text, created_at, dispatched_at`

// PostgresRepo implements AuctionDB on PostgreSQL. Product transactions hold
// the product row lock (SELECT ... FOR UPDATE) until commit.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a connection pool and verifies it with a ping
func NewPostgresPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresRepo creates a repository on an open pool
func NewPostgresRepo(pool *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{pool: pool}
}

// InitializeTables creates the schema if it doesn't exist
func (r *PostgresRepo) InitializeTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (model.Product, error) {
	var p model.Product
	var status string
	err := row.Scan(&p.ProductID, &p.SellerID, &p.Title, &status, &p.StartPrice, &p.StepPrice,
		&p.BuyNowPrice, &p.ReservePrice, &p.CurrentPrice, &p.WinnerID, &p.StartTime, &p.EndTime,
		&p.AutoExtend, &p.ExtendThresholdMinutes, &p.ExtendDurationMinutes, &p.CreatedAt, &p.UpdatedAt)
	p.Status = model.AuctionStatus(status)
	return p, err
}

func scanBid(row rowScanner) (model.Bid, error) {
	var b model.Bid
	var status string
	err := row.Scan(&b.BidID, &b.ProductID, &b.UserID, &b.Amount, &status, &b.Auto, &b.CreatedAt)
	b.Status = model.BidStatus(status)
	return b, err
}

func scanAutoBid(row rowScanner) (model.AutoBid, error) {
	var a model.AutoBid
	err := row.Scan(&a.AutoBidID, &a.ProductID, &a.UserID, &a.MaxAmount, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanEvent(row rowScanner) (model.OutboxEvent, error) {
	var e model.OutboxEvent
	var payload string
	err := row.Scan(&e.EventID, &e.AggregateID, &e.Type, &payload, &e.CreatedAt, &e.DispatchedAt)
	e.Payload = []byte(payload)
	return e, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateProduct stores a new product
func (r *PostgresRepo) CreateProduct(ctx context.Context, p model.Product) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO products (id, seller_id, title, status, start_price, step_price,
		buy_now_price, reserve_price, current_price, winner_id, start_time, end_time, auto_extend,
		extend_threshold_minutes, extend_duration_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, $14, $15, $16, $17)`,
		p.ProductID, p.SellerID, p.Title, string(p.Status), p.StartPrice, p.StepPrice,
		p.BuyNowPrice, p.ReservePrice, p.CurrentPrice, p.WinnerID, p.StartTime, p.EndTime, p.AutoExtend,
		p.ExtendThresholdMinutes, p.ExtendDurationMinutes, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create product %s: %w", p.ProductID, biddingerrors.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create product %s: %w", p.ProductID, err)
	}
	return nil
}

// GetProduct returns a product by id
func (r *PostgresRepo) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, fmt.Errorf("get product %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("get product %s: %w", productID, err)
	}
	return p, nil
}

// InProductTx locks the product row for the duration of fn
func (r *PostgresRepo) InProductTx(ctx context.Context, productID string, fn func(tx ProductTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin product tx %s: %w", productID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("product tx %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock product %s: %w", productID, err)
	}

	if err := fn(&pgProductTx{ctx: ctx, tx: tx, product: p}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit product tx %s: %w", productID, err)
	}
	return nil
}

// GetBidsByProduct returns all bids for a product, oldest first
func (r *PostgresRepo) GetBidsByProduct(ctx context.Context, productID string) ([]model.Bid, error) {
	if _, err := r.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE product_id = $1 ORDER BY seq`, productID)
	if err != nil {
		return nil, fmt.Errorf("get bids for product %s: %w", productID, err)
	}
	return collect(rows, scanBid)
}

// GetWinningBid returns the newest VALID bid for a product
func (r *PostgresRepo) GetWinningBid(ctx context.Context, productID string) (model.Bid, error) {
	if _, err := r.GetProduct(ctx, productID); err != nil {
		return model.Bid{}, err
	}
	b, err := scanBid(r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids
		WHERE product_id = $1 AND status = $2 ORDER BY seq DESC LIMIT 1`, productID, string(model.BidValid)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bid{}, fmt.Errorf("get winning bid for product %s: %w", productID, biddingerrors.ErrNoBids)
	}
	if err != nil {
		return model.Bid{}, fmt.Errorf("get winning bid for product %s: %w", productID, err)
	}
	return b, nil
}

// GetProductsByUser returns all products a user has bid on
func (r *PostgresRepo) GetProductsByUser(ctx context.Context, userID string) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE id IN (SELECT DISTINCT product_id FROM bids WHERE user_id = $1) ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("get products for user %s: %w", userID, err)
	}
	products, err := collect(rows, scanProduct)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("get products for user %s: %w", userID, biddingerrors.ErrUserNoBids)
	}
	return products, nil
}

// GetAutoBid returns an auto-bid by id
func (r *PostgresRepo) GetAutoBid(ctx context.Context, autoBidID string) (model.AutoBid, error) {
	a, err := scanAutoBid(r.pool.QueryRow(ctx, `SELECT `+autoBidColumns+` FROM auto_bids WHERE id = $1`, autoBidID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	if err != nil {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, err)
	}
	return a, nil
}

// CountActiveAutoBids returns how many active auto-bids a product has
func (r *PostgresRepo) CountActiveAutoBids(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM auto_bids WHERE product_id = $1 AND is_active`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count auto-bids for product %s: %w", productID, err)
	}
	return n, nil
}

// ListActiveEndedBefore returns ACTIVE products whose end time is before the given instant
func (r *PostgresRepo) ListActiveEndedBefore(ctx context.Context, before time.Time, limit int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE status = $1 AND end_time < $2 ORDER BY end_time LIMIT $3`, string(model.StatusActive), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list ended auctions: %w", err)
	}
	return collect(rows, scanProduct)
}

// ListActiveEndingAfter returns ACTIVE products whose end time is at or after the given instant
func (r *PostgresRepo) ListActiveEndingAfter(ctx context.Context, after time.Time, limit int) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products
		WHERE status = $1 AND end_time >= $2 ORDER BY end_time LIMIT $3`, string(model.StatusActive), after, limit)
	if err != nil {
		return nil, fmt.Errorf("list live auctions: %w", err)
	}
	return collect(rows, scanProduct)
}

// GetEvent returns an outbox event by id
func (r *PostgresRepo) GetEvent(ctx context.Context, eventID string) (model.OutboxEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutboxEvent{}, fmt.Errorf("get event %s: %w", eventID, biddingerrors.ErrEventNotFound)
	}
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return e, nil
}

// ListPendingEvents returns undispatched outbox events, oldest first
func (r *PostgresRepo) ListPendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM outbox_events
		WHERE dispatched_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return collect(rows, scanEvent)
}

// MarkEventDispatched records that an outbox event was published
func (r *PostgresRepo) MarkEventDispatched(ctx context.Context, eventID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE outbox_events SET dispatched_at = COALESCE(dispatched_at, $2) WHERE id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark event %s dispatched: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark event %s dispatched: %w", eventID, biddingerrors.ErrEventNotFound)
	}
	return nil
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// pgProductTx runs every statement on the transaction holding the product row lock
type pgProductTx struct {
	ctx     context.Context
	tx      pgx.Tx
	product model.Product
}

func (t *pgProductTx) Product() model.Product {
	return t.product
}

func (t *pgProductTx) UpdateProduct(p model.Product) error {
	if p.ProductID != t.product.ProductID {
		return fmt.Errorf("update product %s inside tx for %s: %w", p.ProductID, t.product.ProductID, biddingerrors.ErrBadRequest)
	}
	_, err := t.tx.Exec(t.ctx, `UPDATE products SET status = $2, current_price = $3, winner_id = NULLIF($4, ''),
		end_time = $5, updated_at = $6 WHERE id = $1`,
		p.ProductID, string(p.Status), p.CurrentPrice, p.WinnerID, p.EndTime, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ProductID, err)
	}
	t.product = p
	return nil
}

func (t *pgProductTx) InsertBid(b model.Bid) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO bids (id, product_id, user_id, amount, status, auto, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.BidID, b.ProductID, b.UserID, b.Amount, string(b.Status), b.Auto, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("record bid for product %s: %w", b.ProductID, err)
	}
	return nil
}

func (t *pgProductTx) ValidBids() ([]model.Bid, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+bidColumns+` FROM bids WHERE product_id = $1 AND status = $2 ORDER BY seq`,
		t.product.ProductID, string(model.BidValid))
	if err != nil {
		return nil, fmt.Errorf("valid bids for product %s: %w", t.product.ProductID, err)
	}
	return collect(rows, scanBid)
}

func (t *pgProductTx) InvalidateUserBids(userID string) (int, error) {
	tag, err := t.tx.Exec(t.ctx, `UPDATE bids SET status = $3 WHERE product_id = $1 AND user_id = $2 AND status = $4`,
		t.product.ProductID, userID, string(model.BidInvalid), string(model.BidValid))
	if err != nil {
		return 0, fmt.Errorf("invalidate bids of user %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgProductTx) ActiveAutoBids() ([]model.AutoBid, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT `+autoBidColumns+` FROM auto_bids
		WHERE product_id = $1 AND is_active ORDER BY max_amount DESC, created_at ASC, id ASC`, t.product.ProductID)
	if err != nil {
		return nil, fmt.Errorf("active auto-bids for product %s: %w", t.product.ProductID, err)
	}
	return collect(rows, scanAutoBid)
}

func (t *pgProductTx) ActiveAutoBidByUser(userID string) (model.AutoBid, error) {
	a, err := scanAutoBid(t.tx.QueryRow(t.ctx, `SELECT `+autoBidColumns+` FROM auto_bids
		WHERE product_id = $1 AND user_id = $2 AND is_active`, t.product.ProductID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AutoBid{}, fmt.Errorf("active auto-bid for user %s: %w", userID, biddingerrors.ErrAutoBidNotFound)
	}
	if err != nil {
		return model.AutoBid{}, fmt.Errorf("active auto-bid for user %s: %w", userID, err)
	}
	return a, nil
}

func (t *pgProductTx) GetAutoBid(autoBidID string) (model.AutoBid, error) {
	a, err := scanAutoBid(t.tx.QueryRow(t.ctx, `SELECT `+autoBidColumns+` FROM auto_bids
		WHERE id = $1 AND product_id = $2`, autoBidID, t.product.ProductID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	if err != nil {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, err)
	}
	return a, nil
}

func (t *pgProductTx) InsertAutoBid(a model.AutoBid) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO auto_bids (id, product_id, user_id, max_amount, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.AutoBidID, a.ProductID, a.UserID, a.MaxAmount, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert auto-bid for user %s: %w", a.UserID, biddingerrors.ErrDuplicateAutoBid)
	}
	if err != nil {
		return fmt.Errorf("insert auto-bid for user %s: %w", a.UserID, err)
	}
	return nil
}

func (t *pgProductTx) UpdateAutoBid(a model.AutoBid) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE auto_bids SET max_amount = $2, is_active = $3, updated_at = $4 WHERE id = $1`,
		a.AutoBidID, a.MaxAmount, a.IsActive, a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("update auto-bid for user %s: %w", a.UserID, biddingerrors.ErrDuplicateAutoBid)
	}
	if err != nil {
		return fmt.Errorf("update auto-bid %s: %w", a.AutoBidID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update auto-bid %s: %w", a.AutoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	return nil
}

func (t *pgProductTx) IsKicked(userID string) (bool, error) {
	var kicked bool
	err := t.tx.QueryRow(t.ctx, `SELECT EXISTS(SELECT 1 FROM kicked_bidders WHERE product_id = $1 AND user_id = $2)`,
		t.product.ProductID, userID).Scan(&kicked)
	if err != nil {
		return false, fmt.Errorf("check kicked bidder %s: %w", userID, err)
	}
	return kicked, nil
}

func (t *pgProductTx) KickBidder(k model.KickedBidder) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO kicked_bidders (product_id, user_id, reason, created_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (product_id, user_id) DO NOTHING`,
		k.ProductID, k.UserID, k.Reason, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("kick bidder %s: %w", k.UserID, err)
	}
	return nil
}

func (t *pgProductTx) InsertEvent(e model.OutboxEvent) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO outbox_events (id, aggregate_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5) ON CONFLICT (id) DO NOTHING`,
		e.EventID, e.AggregateID, e.Type, string(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	return nil
}
