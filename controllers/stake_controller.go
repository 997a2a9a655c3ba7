package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/utils"
)

// StakeController exposes the four ledger operations over HTTP. The
// authenticated user is always the caller; :owner names the record acted on.
type StakeController struct {
	stakes *services.StakeService
}

// NewStakeController creates a StakeController.
func NewStakeController(stakes *services.StakeService) *StakeController {
	return &StakeController{stakes: stakes}
}

type amountRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
}

// Initialize creates the caller's stake record.
func (s *StakeController) Initialize(ctx *gin.Context) {
	caller, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	row, err := s.stakes.Initialize(ctx.Request.Context(), caller)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Created(ctx, row)
}

// Deposit moves amount from the caller's wallet into custody.
func (s *StakeController) Deposit(ctx *gin.Context) {
	caller, owner, amount, ok := s.bindAmount(ctx)
	if !ok {
		return
	}
	row, err := s.stakes.Deposit(ctx.Request.Context(), caller, owner, amount)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, row)
}

// Withdraw returns amount from custody to the caller's wallet.
func (s *StakeController) Withdraw(ctx *gin.Context) {
	caller, owner, amount, ok := s.bindAmount(ctx)
	if !ok {
		return
	}
	row, err := s.stakes.Withdraw(ctx.Request.Context(), caller, owner, amount)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, row)
}

// Claim zeroes the record's points and reports the whole points claimed.
func (s *StakeController) Claim(ctx *gin.Context) {
	type request struct {
		Memo string `json:"memo" binding:"max=255"`
	}
	caller, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	owner, ok := resolveOwner(ctx, caller)
	if !ok {
		utils.Error(ctx, http.StatusBadRequest, 40011, "invalid owner")
		return
	}
	var req request
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
			return
		}
	}
	res, err := s.stakes.Claim(ctx.Request.Context(), caller, owner, utils.SanitizeText(req.Memo, 255))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, res)
}

// Get returns the record with points accrued up to now.
func (s *StakeController) Get(ctx *gin.Context) {
	caller, ok := getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return
	}
	owner, ok := resolveOwner(ctx, caller)
	if !ok {
		utils.Error(ctx, http.StatusBadRequest, 40011, "invalid owner")
		return
	}
	view, err := s.stakes.Preview(ctx.Request.Context(), owner)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, view)
}

func (s *StakeController) bindAmount(ctx *gin.Context) (caller, owner string, amount uint64, ok bool) {
	caller, ok = getUserID(ctx)
	if !ok {
		utils.Error(ctx, http.StatusUnauthorized, 40110, "unauthorized")
		return "", "", 0, false
	}
	owner, ok = resolveOwner(ctx, caller)
	if !ok {
		utils.Error(ctx, http.StatusBadRequest, 40011, "invalid owner")
		return "", "", 0, false
	}
	var req amountRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40010, "invalid request payload")
		return "", "", 0, false
	}
	return caller, owner, *req.Amount, true
}
