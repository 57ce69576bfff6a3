package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"auction-engine/internal/biddingerrors"
	model "auction-engine/internal/models"
	"auction-engine/services/bidding/helpers"
	"auction-engine/utils"

	"github.com/gin-gonic/gin"
)

//go:generate mockgen -source=bidding_handler.go -destination=mock_bidding_service.go -package=handler

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, productID, userID string, amount int64) (model.Bid, error)
	GetProduct(ctx context.Context, productID string) (model.Product, error)
	GetBidsForProduct(ctx context.Context, productID string) ([]model.Bid, error)
	GetWinningBid(ctx context.Context, productID string) (model.Bid, error)
	GetProductsByUser(ctx context.Context, userID string) ([]model.Product, error)
	CreateAuction(ctx context.Context, p model.Product) (model.Product, error)
	CreateAutoBid(ctx context.Context, productID, userID string, maxAmount int64) (model.AutoBid, error)
	GetAutoBid(ctx context.Context, productID, userID string) (model.AutoBid, error)
	UpdateAutoBid(ctx context.Context, autoBidID, userID string, maxAmount int64) (model.AutoBid, error)
	DeleteAutoBid(ctx context.Context, autoBidID, userID string) error
	KickBidder(ctx context.Context, productID, sellerID, bidderID, reason string) error
}

type BiddingHandler struct {
	service BiddingServiceInterface
}

func NewBiddingHandler(service BiddingServiceInterface) *BiddingHandler {
	return &BiddingHandler{service: service}
}

// respondError maps err and logs it at a level matching the status
func respondError(c *gin.Context, handlerName, logMessage string, err error, fields map[string]any) {
	status, message := helpers.MapErrorToHTTP(err)
	utils.JSONError(c, status, fmt.Errorf("%s: %w", message, err), message)

	fields["handler"] = handlerName
	fields["error"] = err.Error()
	if status >= http.StatusInternalServerError {
		utils.Error(handlerName+": "+logMessage, fields)
		return
	}
	utils.Warn(handlerName+": "+logMessage, fields)
}

// CreateAuctionHandler handles POST /products
func (h *BiddingHandler) CreateAuctionHandler(c *gin.Context) {
	sellerID, ok := helpers.RequireUserID(c, "CreateAuctionHandler")
	if !ok {
		return
	}
	var req helpers.CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "CreateAuctionHandler", err)
		return
	}

	product, err := h.service.CreateAuction(c.Request.Context(), req.ToProduct(sellerID))
	if err != nil {
		respondError(c, "CreateAuctionHandler", "failed to create auction", err, map[string]any{"seller_id": sellerID})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, product, "auction created successfully")
	helpers.LogSuccess("CreateAuctionHandler", "auction created successfully", map[string]any{
		"product_id": product.ProductID,
		"seller_id":  sellerID,
		"end_time":   product.EndTime,
	})
}

// GetProductHandler handles GET /products/:product_id
func (h *BiddingHandler) GetProductHandler(c *gin.Context) {
	productID := c.Param("product_id")
	product, err := h.service.GetProduct(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "GetProductHandler", "error retrieving product", err, map[string]any{"product_id": productID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, product, "product retrieved successfully")
}

// PlaceBidHandler handles POST /products/:product_id/bids
func (h *BiddingHandler) PlaceBidHandler(c *gin.Context) {
	userID, ok := helpers.RequireUserID(c, "PlaceBidHandler")
	if !ok {
		return
	}
	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "PlaceBidHandler", err)
		return
	}

	productID := c.Param("product_id")
	bid, err := h.service.PlaceBid(c.Request.Context(), productID, userID, req.Amount)
	if err != nil {
		respondError(c, "PlaceBidHandler", "failed to place bid", err, map[string]any{
			"product_id": productID,
			"user_id":    userID,
			"amount":     req.Amount,
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewBidResponse(bid), "bid recorded successfully")
	helpers.LogSuccess("PlaceBidHandler", "bid recorded successfully", map[string]any{
		"bid_id":     bid.BidID,
		"product_id": bid.ProductID,
		"user_id":    userID,
		"amount":     bid.Amount,
	})
}

// GetBidsByProductHandler handles GET /products/:product_id/bids
func (h *BiddingHandler) GetBidsByProductHandler(c *gin.Context) {
	productID := c.Param("product_id")
	bids, err := h.service.GetBidsForProduct(c.Request.Context(), productID)
	if err != nil && !errors.Is(err, biddingerrors.ErrNoBids) {
		respondError(c, "GetBidsByProductHandler", "error retrieving bids", err, map[string]any{"product_id": productID})
		return
	}

	resp := make([]helpers.BidResponse, 0, len(bids))
	for _, b := range bids {
		resp = append(resp, helpers.NewBidResponse(b))
	}

	utils.JSONResponse(c, http.StatusOK, resp, "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByProductHandler", "bids retrieved successfully", map[string]any{
		"product_id": productID,
		"count":      len(resp),
	})
}

// GetWinningBidHandler handles GET /products/:product_id/winning
func (h *BiddingHandler) GetWinningBidHandler(c *gin.Context) {
	productID := c.Param("product_id")
	bid, err := h.service.GetWinningBid(c.Request.Context(), productID)
	if err != nil {
		// For auction, winning bid not found -> 404
		if errors.Is(err, biddingerrors.ErrNoBids) {
			utils.JSONError(c, http.StatusNotFound, err, "no winning bid found")
			utils.Info("GetWinningBidHandler: no winning bid found", map[string]any{"product_id": productID})
			return
		}
		respondError(c, "GetWinningBidHandler", "winning bid error", err, map[string]any{"product_id": productID})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponse(bid), "winning bid retrieved successfully")
}

// GetProductsByUserHandler handles GET /users/:user_id/products
func (h *BiddingHandler) GetProductsByUserHandler(c *gin.Context) {
	userID := c.Param("user_id")
	products, err := h.service.GetProductsByUser(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, biddingerrors.ErrUserNoBids) {
		respondError(c, "GetProductsByUserHandler", "error retrieving products", err, map[string]any{"user_id": userID})
		return
	}

	if products == nil {
		products = []model.Product{}
	}

	utils.JSONResponse(c, http.StatusOK, products, "products retrieved successfully")
	helpers.LogSuccess("GetProductsByUserHandler", "products retrieved successfully", map[string]any{
		"user_id":        userID,
		"products_count": len(products),
	})
}

// CreateAutoBidHandler handles POST /products/:product_id/autobids
func (h *BiddingHandler) CreateAutoBidHandler(c *gin.Context) {
	userID, ok := helpers.RequireUserID(c, "CreateAutoBidHandler")
	if !ok {
		return
	}
	var req helpers.AutoBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "CreateAutoBidHandler", err)
		return
	}

	productID := c.Param("product_id")
	autoBid, err := h.service.CreateAutoBid(c.Request.Context(), productID, userID, req.MaxAmount)
	if err != nil {
		respondError(c, "CreateAutoBidHandler", "failed to create auto-bid", err, map[string]any{
			"product_id": productID,
			"user_id":    userID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewAutoBidResponse(autoBid), "auto-bid created successfully")
	helpers.LogSuccess("CreateAutoBidHandler", "auto-bid created successfully", map[string]any{
		"autobid_id": autoBid.AutoBidID,
		"product_id": productID,
		"user_id":    userID,
	})
}

// GetMyAutoBidHandler handles GET /products/:product_id/autobids/me
func (h *BiddingHandler) GetMyAutoBidHandler(c *gin.Context) {
	userID, ok := helpers.RequireUserID(c, "GetMyAutoBidHandler")
	if !ok {
		return
	}

	productID := c.Param("product_id")
	autoBid, err := h.service.GetAutoBid(c.Request.Context(), productID, userID)
	if err != nil {
		respondError(c, "GetMyAutoBidHandler", "error retrieving auto-bid", err, map[string]any{
			"product_id": productID,
			"user_id":    userID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAutoBidResponse(autoBid), "auto-bid retrieved successfully")
}

// UpdateAutoBidHandler handles PUT /autobids/:autobid_id
func (h *BiddingHandler) UpdateAutoBidHandler(c *gin.Context) {
	userID, ok := helpers.RequireUserID(c, "UpdateAutoBidHandler")
	if !ok {
		return
	}
	var req helpers.AutoBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "UpdateAutoBidHandler", err)
		return
	}

	autoBidID := c.Param("autobid_id")
	autoBid, err := h.service.UpdateAutoBid(c.Request.Context(), autoBidID, userID, req.MaxAmount)
	if err != nil {
		respondError(c, "UpdateAutoBidHandler", "failed to update auto-bid", err, map[string]any{
			"autobid_id": autoBidID,
			"user_id":    userID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAutoBidResponse(autoBid), "auto-bid updated successfully")
	helpers.LogSuccess("UpdateAutoBidHandler", "auto-bid updated successfully", map[string]any{
		"autobid_id": autoBidID,
		"max_amount": autoBid.MaxAmount,
	})
}

// DeleteAutoBidHandler handles DELETE /autobids/:autobid_id
func (h *BiddingHandler) DeleteAutoBidHandler(c *gin.Context) {
	userID, ok := helpers.RequireUserID(c, "DeleteAutoBidHandler")
	if !ok {
		return
	}

	autoBidID := c.Param("autobid_id")
	if err := h.service.DeleteAutoBid(c.Request.Context(), autoBidID, userID); err != nil {
		respondError(c, "DeleteAutoBidHandler", "failed to delete auto-bid", err, map[string]any{
			"autobid_id": autoBidID,
			"user_id":    userID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusOK, nil, "auto-bid deleted successfully")
	helpers.LogSuccess("DeleteAutoBidHandler", "auto-bid deleted successfully", map[string]any{"autobid_id": autoBidID})
}

// KickBidderHandler handles POST /products/:product_id/kick
func (h *BiddingHandler) KickBidderHandler(c *gin.Context) {
	sellerID, ok := helpers.RequireUserID(c, "KickBidderHandler")
	if !ok {
		return
	}
	var req helpers.KickBidderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "KickBidderHandler", err)
		return
	}

	productID := c.Param("product_id")
	if err := h.service.KickBidder(c.Request.Context(), productID, sellerID, req.BidderID, req.Reason); err != nil {
		respondError(c, "KickBidderHandler", "failed to kick bidder", err, map[string]any{
			"product_id": productID,
			"bidder_id":  req.BidderID,
		})
		return
	}

	utils.JSONResponse(c, http.StatusOK, nil, "bidder kicked successfully")
	helpers.LogSuccess("KickBidderHandler", "bidder kicked successfully", map[string]any{
		"product_id": productID,
		"bidder_id":  req.BidderID,
	})
}
