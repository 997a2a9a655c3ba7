package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cppla/stakeledger/middleware"
	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/staking"
	"github.com/cppla/stakeledger/utils"
)

const (
	selfOwner     = "me"
	maxOwnerBytes = 64
)

func getUserID(ctx *gin.Context) (string, bool) {
	uid := ctx.GetString(middleware.ContextUserIDKey)
	return uid, uid != ""
}

// resolveOwner maps the :owner path segment to a ledger identity; "me" is the caller.
func resolveOwner(ctx *gin.Context, caller string) (string, bool) {
	owner := strings.TrimSpace(ctx.Param("owner"))
	if owner == "" || owner == selfOwner {
		return caller, true
	}
	if len(owner) > maxOwnerBytes {
		return "", false
	}
	return owner, true
}

// writeServiceError maps ledger and storage errors onto HTTP responses.
func writeServiceError(ctx *gin.Context, err error) {
	var serr *staking.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case staking.KindInsufficientAmount:
			utils.Error(ctx, http.StatusBadRequest, 40020, serr.Error())
		case staking.KindInvalidTimestamp:
			utils.Error(ctx, http.StatusConflict, 40920, serr.Error())
		case staking.KindOverflow:
			utils.Error(ctx, http.StatusUnprocessableEntity, 42201, serr.Error())
		case staking.KindUnderflow:
			utils.Error(ctx, http.StatusUnprocessableEntity, 42202, serr.Error())
		case staking.KindUnauthorized:
			utils.Error(ctx, http.StatusForbidden, 40301, "caller does not own this stake record")
		default:
			utils.Error(ctx, http.StatusInternalServerError, 50001, "ledger error")
		}
		return
	}

	switch {
	case errors.Is(err, services.ErrRecordNotFound):
		utils.Error(ctx, http.StatusNotFound, 40410, err.Error())
	case errors.Is(err, services.ErrWalletNotFound):
		utils.Error(ctx, http.StatusNotFound, 40411, err.Error())
	case errors.Is(err, services.ErrRecordExists):
		utils.Error(ctx, http.StatusConflict, 40910, err.Error())
	case errors.Is(err, services.ErrInsufficientFunds):
		utils.Error(ctx, http.StatusBadRequest, 40021, err.Error())
	case errors.Is(err, services.ErrInvalidAmount):
		utils.Error(ctx, http.StatusBadRequest, 40022, err.Error())
	case errors.Is(err, services.ErrBalanceOverflow):
		utils.Error(ctx, http.StatusUnprocessableEntity, 42203, err.Error())
	case errors.Is(err, utils.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		utils.Error(ctx, http.StatusServiceUnavailable, 50301, "ledger busy, retry later")
	default:
		utils.Sugar.Errorw("ledger request failed", "path", ctx.FullPath(), "error", err)
		utils.Error(ctx, http.StatusInternalServerError, 50001, "internal error")
	}
}
