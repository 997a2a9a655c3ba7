package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cppla/stakeledger/middleware"
	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/utils"
)

// WalletController serves wallet balances, transfer history and admin credits.
type WalletController struct {
	wallets *services.WalletService
}

// NewWalletController creates a WalletController.
func NewWalletController(wallets *services.WalletService) *WalletController {
	return &WalletController{wallets: wallets}
}

// Get returns the caller's wallet.
func (w *WalletController) Get(ctx *gin.Context) {
	caller, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	wallet, err := w.wallets.Get(ctx.Request.Context(), caller)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, wallet)
}

// Transfers lists recent journal entries for the caller's wallet.
func (w *WalletController) Transfers(ctx *gin.Context) {
	caller, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	items, err := w.wallets.History(ctx.Request.Context(), caller, limit)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, gin.H{"items": items})
}

// Credit funds an arbitrary wallet. Admin only.
func (w *WalletController) Credit(ctx *gin.Context) {
	var req amountRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
		return
	}
	addr := ctx.Param("address")
	if len(addr) > maxOwnerBytes {
		utils.Error(ctx, http.StatusBadRequest, 40011, "invalid address")
		return
	}
	wallet, err := w.wallets.Credit(ctx.Request.Context(), addr, *req.Amount)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Sugar.Infow("wallet credited", "address", addr, "amount", *req.Amount, "admin", ctx.GetString(middleware.ContextUsernameKey))
	utils.Success(ctx, wallet)
}
