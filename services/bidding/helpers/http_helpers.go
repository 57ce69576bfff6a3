package helpers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"auction-engine/internal/biddingerrors"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := fmt.Errorf("invalid request payload: %w", err)
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload")
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// RequireUserID reads the caller identity header, answering 401 when it is missing
func RequireUserID(c *gin.Context, handlerName string) (string, bool) {
	userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		utils.JSONError(c, http.StatusUnauthorized, errors.New("missing "+UserIDHeader+" header"), "unauthenticated")
		utils.Warn(handlerName+": missing user id", map[string]any{"path": c.FullPath()})
		return "", false
	}
	return userID, true
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, biddingerrors.ErrProductNotFound):
		return http.StatusNotFound, "product not found"
	case errors.Is(err, biddingerrors.ErrAutoBidNotFound):
		return http.StatusNotFound, "auto-bid not found"
	case errors.Is(err, biddingerrors.ErrNoBids):
		return http.StatusNotFound, "no winning bid found"
	case errors.Is(err, biddingerrors.ErrBidTooLow):
		return http.StatusBadRequest, "bid amount too low"
	case errors.Is(err, biddingerrors.ErrMaxAmountTooLow):
		return http.StatusBadRequest, "auto-bid maximum too low"
	case errors.Is(err, biddingerrors.ErrInvalidAuction):
		return http.StatusBadRequest, "invalid auction details"
	case errors.Is(err, biddingerrors.ErrInvalidBid):
		return http.StatusBadRequest, "invalid bid details"
	case errors.Is(err, biddingerrors.ErrSelfBid):
		return http.StatusForbidden, "seller cannot bid on own product"
	case errors.Is(err, biddingerrors.ErrBidderKicked):
		return http.StatusForbidden, "bidder was removed from this auction"
	case errors.Is(err, biddingerrors.ErrNotOwner):
		return http.StatusForbidden, "not allowed"
	case errors.Is(err, biddingerrors.ErrAuctionEnded):
		return http.StatusConflict, "auction has ended"
	case errors.Is(err, biddingerrors.ErrAuctionNotActive):
		return http.StatusConflict, "auction is not active"
	case errors.Is(err, biddingerrors.ErrDuplicateAutoBid):
		return http.StatusConflict, "auto-bid already exists"
	case errors.Is(err, biddingerrors.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, biddingerrors.ErrBadRequest):
		return http.StatusBadRequest, "bad request"
	case errors.Is(err, biddingerrors.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, biddingerrors.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}
