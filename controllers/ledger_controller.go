package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/staking"
	"github.com/cppla/stakeledger/utils"
)

// LeaderboardReader serves a precomputed ranking. ok is false until the
// first snapshot exists.
type LeaderboardReader interface {
	Top(ctx context.Context, limit int) (entries []services.LeaderboardEntry, ok bool)
}

// LedgerController serves public, read-only ledger information.
type LedgerController struct {
	stakes *services.StakeService
	board  LeaderboardReader
}

// NewLedgerController creates a LedgerController. board may be nil, in which
// case the leaderboard is computed per request.
func NewLedgerController(stakes *services.StakeService, board LeaderboardReader) *LedgerController {
	return &LedgerController{stakes: stakes, board: board}
}

// Stats returns record and claim totals.
func (l *LedgerController) Stats(ctx *gin.Context) {
	st, err := l.stakes.Stats(ctx.Request.Context())
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	utils.Success(ctx, st)
}

// Config returns the ledger parameters clients need to interpret records.
func (l *LedgerController) Config(ctx *gin.Context) {
	cfg := config.Get()
	rules := l.stakes.Rules()
	utils.Success(ctx, gin.H{
		"program_id":                cfg.ProgramID,
		"points_scale":              staking.PointsScale,
		"seconds_per_day":           staking.SecondsPerDay,
		"strict_withdraw_bound":     rules.StrictWithdrawBound,
		"legacy_deposit_double_add": rules.LegacyDoubleAdd,
	})
}

// Leaderboard ranks owners by pending whole points.
func (l *LedgerController) Leaderboard(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	if l.board != nil {
		if entries, ok := l.board.Top(ctx.Request.Context(), limit); ok {
			utils.Success(ctx, gin.H{"items": entries, "cached": true})
			return
		}
	}
	entries, err := l.stakes.Leaderboard(ctx.Request.Context(), limit)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if entries == nil {
		entries = []services.LeaderboardEntry{}
	}
	utils.Respond(ctx, http.StatusOK, 0, "success", gin.H{"items": entries, "cached": false})
}
