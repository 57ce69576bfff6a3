package repository

import (
	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AuctionDB defines the storage interface for the auction system
type AuctionDB interface {
	CreateProduct(ctx context.Context, p model.Product) error
	GetProduct(ctx context.Context, productID string) (model.Product, error)

	// InProductTx runs fn with exclusive access to one product and everything
	// scoped to it (bids, auto-bids, kicked bidders). Changes made through tx are
	// committed only when fn returns nil.
	InProductTx(ctx context.Context, productID string, fn func(tx ProductTx) error) error

	GetBidsByProduct(ctx context.Context, productID string) ([]model.Bid, error)
	GetWinningBid(ctx context.Context, productID string) (model.Bid, error)
	GetProductsByUser(ctx context.Context, userID string) ([]model.Product, error)
	GetAutoBid(ctx context.Context, autoBidID string) (model.AutoBid, error)
	CountActiveAutoBids(ctx context.Context, productID string) (int, error)

	ListActiveEndedBefore(ctx context.Context, before time.Time, limit int) ([]model.Product, error)
	ListActiveEndingAfter(ctx context.Context, after time.Time, limit int) ([]model.Product, error)

	GetEvent(ctx context.Context, eventID string) (model.OutboxEvent, error)
	ListPendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventDispatched(ctx context.Context, eventID string, at time.Time) error
}

// ProductTx is a unit of work holding the product row lock
type ProductTx interface {
	// Product returns the product as currently seen by this transaction
	Product() model.Product
	UpdateProduct(p model.Product) error

	InsertBid(b model.Bid) error
	// ValidBids returns the VALID bids, oldest first
	ValidBids() ([]model.Bid, error)
	InvalidateUserBids(userID string) (int, error)

	// ActiveAutoBids returns active auto-bids ordered by max amount desc, then created asc
	ActiveAutoBids() ([]model.AutoBid, error)
	ActiveAutoBidByUser(userID string) (model.AutoBid, error)
	GetAutoBid(autoBidID string) (model.AutoBid, error)
	InsertAutoBid(a model.AutoBid) error
	UpdateAutoBid(a model.AutoBid) error

	IsKicked(userID string) (bool, error)
	KickBidder(k model.KickedBidder) error

	// InsertEvent stores an outbox event; an event id that already exists is ignored
	InsertEvent(e model.OutboxEvent) error
}

// productState is everything stored under one product
type productState struct {
	product  model.Product
	bids     []model.Bid
	autoBids map[string]model.AutoBid
	kicked   map[string]model.KickedBidder
}

func (s *productState) clone() *productState {
	c := &productState{
		product:  s.product,
		bids:     append([]model.Bid(nil), s.bids...),
		autoBids: make(map[string]model.AutoBid, len(s.autoBids)),
		kicked:   make(map[string]model.KickedBidder, len(s.kicked)),
	}
	for k, v := range s.autoBids {
		c.autoBids[k] = v
	}
	for k, v := range s.kicked {
		c.kicked[k] = v
	}
	return c
}

// MemoryRepo is a concurrency-safe in-memory implementation of AuctionDB
type MemoryRepo struct {
	mu           sync.RWMutex
	products     map[string]*productState // key: productID -> product and its bids
	autoBidIndex map[string]string        // key: autoBidID -> productID
	events       map[string]model.OutboxEvent
	eventOrder   []string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // key: productID -> writer lock
}

// NewMemoryRepo creates a new in-memory repository instance
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		products:     make(map[string]*productState),
		autoBidIndex: make(map[string]string),
		events:       make(map[string]model.OutboxEvent),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (r *MemoryRepo) productLock(productID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[productID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[productID] = l
	}
	return l
}

// CreateProduct stores a new product. It takes the product lock like
// InProductTx, so a transaction on the same id cannot commit over it.
func (r *MemoryRepo) CreateProduct(ctx context.Context, p model.Product) error {
	l := r.productLock(p.ProductID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[p.ProductID]; ok {
		return fmt.Errorf("create product %s: %w", p.ProductID, biddingerrors.ErrAlreadyExists)
	}
	r.products[p.ProductID] = &productState{
		product:  p,
		autoBids: make(map[string]model.AutoBid),
		kicked:   make(map[string]model.KickedBidder),
	}
	return nil
}

// GetProduct returns a product by id
func (r *MemoryRepo) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.products[productID]
	if !ok {
		return model.Product{}, fmt.Errorf("get product %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	return st.product, nil
}

// InProductTx serializes writers per product and applies the staged state on success
func (r *MemoryRepo) InProductTx(ctx context.Context, productID string, fn func(tx ProductTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := r.productLock(productID)
	l.Lock()
	defer l.Unlock()

	r.mu.RLock()
	st, ok := r.products[productID]
	var staged *productState
	if ok {
		staged = st.clone()
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("product tx %s: %w", productID, biddingerrors.ErrProductNotFound)
	}

	tx := &memTx{repo: r, state: staged}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[productID] = staged
	for id := range staged.autoBids {
		r.autoBidIndex[id] = productID
	}
	for _, e := range tx.events {
		if _, exists := r.events[e.EventID]; exists {
			continue
		}
		r.events[e.EventID] = e
		r.eventOrder = append(r.eventOrder, e.EventID)
	}
	return nil
}

// GetBidsByProduct returns all bids for a product, oldest first, including invalidated ones
func (r *MemoryRepo) GetBidsByProduct(ctx context.Context, productID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.products[productID]
	if !ok {
		return nil, fmt.Errorf("get bids for product %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	return append([]model.Bid(nil), st.bids...), nil
}

// GetWinningBid returns the newest VALID bid for a product
func (r *MemoryRepo) GetWinningBid(ctx context.Context, productID string) (model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.products[productID]
	if !ok {
		return model.Bid{}, fmt.Errorf("get winning bid for product %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	for i := len(st.bids) - 1; i >= 0; i-- {
		if st.bids[i].Status == model.BidValid {
			return st.bids[i], nil
		}
	}
	return model.Bid{}, fmt.Errorf("get winning bid for product %s: %w", productID, biddingerrors.ErrNoBids)
}

// GetProductsByUser returns all products a user has bid on
func (r *MemoryRepo) GetProductsByUser(ctx context.Context, userID string) ([]model.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var products []model.Product
	for _, st := range r.products {
		for _, b := range st.bids {
			if b.UserID == userID {
				products = append(products, st.product)
				break
			}
		}
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("get products for user %s: %w", userID, biddingerrors.ErrUserNoBids)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ProductID < products[j].ProductID })
	return products, nil
}

// GetAutoBid returns an auto-bid by id
func (r *MemoryRepo) GetAutoBid(ctx context.Context, autoBidID string) (model.AutoBid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	productID, ok := r.autoBidIndex[autoBidID]
	if !ok {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	return r.products[productID].autoBids[autoBidID], nil
}

// CountActiveAutoBids returns how many active auto-bids a product has
func (r *MemoryRepo) CountActiveAutoBids(ctx context.Context, productID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.products[productID]
	if !ok {
		return 0, fmt.Errorf("count auto-bids for product %s: %w", productID, biddingerrors.ErrProductNotFound)
	}
	n := 0
	for _, a := range st.autoBids {
		if a.IsActive {
			n++
		}
	}
	return n, nil
}

// ListActiveEndedBefore returns ACTIVE products whose end time is before the given instant
func (r *MemoryRepo) ListActiveEndedBefore(ctx context.Context, before time.Time, limit int) ([]model.Product, error) {
	return r.listActive(limit, func(p model.Product) bool { return p.EndTime.Before(before) }), nil
}

// ListActiveEndingAfter returns ACTIVE products whose end time is at or after the given instant
func (r *MemoryRepo) ListActiveEndingAfter(ctx context.Context, after time.Time, limit int) ([]model.Product, error) {
	return r.listActive(limit, func(p model.Product) bool { return !p.EndTime.Before(after) }), nil
}

func (r *MemoryRepo) listActive(limit int, match func(model.Product) bool) []model.Product {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Product
	for _, st := range r.products {
		if st.product.Status == model.StatusActive && match(st.product) {
			out = append(out, st.product)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetEvent returns an outbox event by id
func (r *MemoryRepo) GetEvent(ctx context.Context, eventID string) (model.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[eventID]
	if !ok {
		return model.OutboxEvent{}, fmt.Errorf("get event %s: %w", eventID, biddingerrors.ErrEventNotFound)
	}
	return e, nil
}

// ListPendingEvents returns undispatched outbox events, oldest first
func (r *MemoryRepo) ListPendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.OutboxEvent
	for _, id := range r.eventOrder {
		e := r.events[id]
		if e.DispatchedAt != nil {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkEventDispatched records that an outbox event was published
func (r *MemoryRepo) MarkEventDispatched(ctx context.Context, eventID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[eventID]
	if !ok {
		return fmt.Errorf("mark event %s dispatched: %w", eventID, biddingerrors.ErrEventNotFound)
	}
	if e.DispatchedAt == nil {
		e.DispatchedAt = &at
		r.events[eventID] = e
	}
	return nil
}

// memTx stages changes on a private copy of the product state
type memTx struct {
	repo   *MemoryRepo
	state  *productState
	events []model.OutboxEvent
}

func (t *memTx) Product() model.Product {
	return t.state.product
}

func (t *memTx) UpdateProduct(p model.Product) error {
	if p.ProductID != t.state.product.ProductID {
		return fmt.Errorf("update product %s inside tx for %s: %w", p.ProductID, t.state.product.ProductID, biddingerrors.ErrBadRequest)
	}
	t.state.product = p
	return nil
}

func (t *memTx) InsertBid(b model.Bid) error {
	if b.ProductID != t.state.product.ProductID {
		return fmt.Errorf("record bid for product %s: %w", b.ProductID, biddingerrors.ErrProductNotFound)
	}
	t.state.bids = append(t.state.bids, b)
	return nil
}

func (t *memTx) ValidBids() ([]model.Bid, error) {
	var out []model.Bid
	for _, b := range t.state.bids {
		if b.Status == model.BidValid {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) InvalidateUserBids(userID string) (int, error) {
	n := 0
	for i, b := range t.state.bids {
		if b.UserID == userID && b.Status == model.BidValid {
			t.state.bids[i].Status = model.BidInvalid
			n++
		}
	}
	return n, nil
}

func (t *memTx) ActiveAutoBids() ([]model.AutoBid, error) {
	var out []model.AutoBid
	for _, a := range t.state.autoBids {
		if a.IsActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxAmount != out[j].MaxAmount {
			return out[i].MaxAmount > out[j].MaxAmount
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].AutoBidID < out[j].AutoBidID
	})
	return out, nil
}

func (t *memTx) ActiveAutoBidByUser(userID string) (model.AutoBid, error) {
	for _, a := range t.state.autoBids {
		if a.IsActive && a.UserID == userID {
			return a, nil
		}
	}
	return model.AutoBid{}, fmt.Errorf("active auto-bid for user %s: %w", userID, biddingerrors.ErrAutoBidNotFound)
}

func (t *memTx) GetAutoBid(autoBidID string) (model.AutoBid, error) {
	a, ok := t.state.autoBids[autoBidID]
	if !ok {
		return model.AutoBid{}, fmt.Errorf("get auto-bid %s: %w", autoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	return a, nil
}

func (t *memTx) InsertAutoBid(a model.AutoBid) error {
	if _, ok := t.state.autoBids[a.AutoBidID]; ok {
		return fmt.Errorf("insert auto-bid %s: %w", a.AutoBidID, biddingerrors.ErrAlreadyExists)
	}
	if a.IsActive {
		if _, err := t.ActiveAutoBidByUser(a.UserID); err == nil {
			return fmt.Errorf("insert auto-bid for user %s: %w", a.UserID, biddingerrors.ErrDuplicateAutoBid)
		}
	}
	t.state.autoBids[a.AutoBidID] = a
	return nil
}

func (t *memTx) UpdateAutoBid(a model.AutoBid) error {
	if _, ok := t.state.autoBids[a.AutoBidID]; !ok {
		return fmt.Errorf("update auto-bid %s: %w", a.AutoBidID, biddingerrors.ErrAutoBidNotFound)
	}
	if a.IsActive {
		if cur, err := t.ActiveAutoBidByUser(a.UserID); err == nil && cur.AutoBidID != a.AutoBidID {
			return fmt.Errorf("update auto-bid for user %s: %w", a.UserID, biddingerrors.ErrDuplicateAutoBid)
		}
	}
	t.state.autoBids[a.AutoBidID] = a
	return nil
}

func (t *memTx) IsKicked(userID string) (bool, error) {
	_, ok := t.state.kicked[userID]
	return ok, nil
}

func (t *memTx) KickBidder(k model.KickedBidder) error {
	if _, ok := t.state.kicked[k.UserID]; !ok {
		t.state.kicked[k.UserID] = k
	}
	return nil
}

func (t *memTx) InsertEvent(e model.OutboxEvent) error {
	for _, staged := range t.events {
		if staged.EventID == e.EventID {
			return nil
		}
	}
	t.events = append(t.events, e)
	return nil
}

// AddProduct adds or replaces a product. This method is intended for tests and seeding only.
// It waits for an open transaction on the same product.
func (r *MemoryRepo) AddProduct(p model.Product) {
	l := r.productLock(p.ProductID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ProductID] = &productState{
		product:  p,
		autoBids: make(map[string]model.AutoBid),
		kicked:   make(map[string]model.KickedBidder),
	}
}
