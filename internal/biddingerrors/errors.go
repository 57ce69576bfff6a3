package biddingerrors

import (
	"errors"
	"fmt"
)

// Error kinds returned to callers. Every specific error below wraps one of them.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
)

// Repository-level errors
var (
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	ErrAutoBidNotFound = fmt.Errorf("auto-bid %w", ErrNotFound)
	ErrEventNotFound   = fmt.Errorf("outbox event %w", ErrNotFound)
	ErrNoBids          = fmt.Errorf("no valid bids for product: %w", ErrNotFound)
	ErrUserNoBids      = fmt.Errorf("user has not placed any bids: %w", ErrNotFound)
	ErrAlreadyExists   = fmt.Errorf("entity already exists: %w", ErrConflict)
)

// business logic errors
var (
	ErrInvalidBid       = fmt.Errorf("invalid bid: %w", ErrBadRequest)
	ErrBidTooLow        = fmt.Errorf("bid amount too low: %w", ErrBadRequest)
	ErrInvalidAuction   = fmt.Errorf("invalid auction: %w", ErrBadRequest)
	ErrAuctionNotActive = fmt.Errorf("auction is not active: %w", ErrConflict)
	ErrAuctionEnded     = fmt.Errorf("auction has ended: %w", ErrConflict)
	ErrSelfBid          = fmt.Errorf("seller cannot bid on own product: %w", ErrForbidden)
	ErrBidderKicked     = fmt.Errorf("bidder was removed from this auction: %w", ErrForbidden)
	ErrNotOwner         = fmt.Errorf("requesting user does not own this resource: %w", ErrForbidden)
	ErrDuplicateAutoBid = fmt.Errorf("an active auto-bid already exists for this product: %w", ErrConflict)
	ErrAutoBidInactive  = fmt.Errorf("auto-bid is no longer active: %w", ErrConflict)
	ErrMaxAmountTooLow  = fmt.Errorf("auto-bid maximum below next valid price: %w", ErrBadRequest)
	ErrCannotKickSelf   = fmt.Errorf("seller cannot kick themselves: %w", ErrBadRequest)
)
