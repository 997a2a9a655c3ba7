package staking

import (
	"context"
	"math/bits"

	"go.uber.org/zap"
)

// Rules toggles two legacy behaviours kept for records written by earlier
// deployments. The zero value gives the corrected semantics.
type Rules struct {
	// StrictWithdrawBound requires staked_amount > amount, so the full balance
	// can never be withdrawn in one call. Off by default: amount <= staked_amount.
	StrictWithdrawBound bool
	// LegacyDoubleAdd overwrites staked_amount with the deposit and resets the
	// accrual clock before adding the deposit again. Off by default: the
	// deposit is added exactly once after accrual.
	LegacyDoubleAdd bool
}

// Engine applies stake operations to records. Every mutating operation
// accrues points up to now first, then applies its own change. Operations
// take and return Record values, so a failed call never alters the input.
type Engine struct {
	custodian Custodian
	transfer  Transferrer
	rules     Rules
	log       *zap.Logger
}

// NewEngine builds an engine. A nil logger disables logging.
func NewEngine(custodian Custodian, transfer Transferrer, rules Rules, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{custodian: custodian, transfer: transfer, rules: rules, log: log}
}

// WithTransferrer returns a copy of e moving value through t, typically one
// bound to an open storage transaction.
func (e *Engine) WithTransferrer(t Transferrer) *Engine {
	cp := *e
	cp.transfer = t
	return &cp
}

// Rules returns the configured rule set.
func (e *Engine) Rules() Rules {
	return e.rules
}

// Initialize creates an empty record owned by caller. Uniqueness per caller
// is the storage layer's responsibility.
func (e *Engine) Initialize(caller string, now int64) (Record, error) {
	if caller == "" {
		return Record{}, &Error{Kind: KindUnauthorized}
	}
	_, bump, err := e.custodian.Derive(caller)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Owner:         caller,
		StakedAmount:  0,
		TotalPoints:   0,
		LastStakeTime: now,
		Bump:          bump,
	}
	e.log.Info("stake account initialized", zap.String("owner", caller))
	return rec, nil
}

// CreateStake deposits amount from caller into custody.
func (e *Engine) CreateStake(ctx context.Context, caller string, rec Record, amount uint64, now int64) (Record, error) {
	if err := authorize(caller, rec); err != nil {
		return rec, err
	}
	if amount == 0 {
		return rec, &Error{Kind: KindInsufficientAmount}
	}

	next := rec
	if e.rules.LegacyDoubleAdd {
		// Legacy: balance overwritten and clock reset before accrual, so the
		// pending interval is lost and amount is counted twice below.
		next.StakedAmount = amount
		next.LastStakeTime = now
	}
	if err := UpdatePoints(&next, now); err != nil {
		return rec, err
	}

	staked, carry := bits.Add64(next.StakedAmount, amount, 0)
	if carry != 0 {
		return rec, &Error{Kind: KindOverflow, Op: "staked_amount+amount", Amount: amount, Available: next.StakedAmount}
	}

	// All checks are done; value moves last so no arithmetic failure can
	// follow a completed transfer.
	err := e.transfer.Transfer(ctx, Transfer{
		From:   caller,
		To:     e.custodian.Address(rec.Owner, rec.Bump),
		Amount: amount,
	})
	if err != nil {
		return rec, err
	}
	next.StakedAmount = staked

	e.log.Info("staked",
		zap.String("owner", next.Owner),
		zap.Uint64("amount", amount),
		zap.Uint64("total_staked", next.StakedAmount),
		zap.Uint64("total_points", WholePoints(next.TotalPoints)),
	)
	return next, nil
}

// UnStake returns amount from custody to caller.
func (e *Engine) UnStake(ctx context.Context, caller string, rec Record, amount uint64, now int64) (Record, error) {
	if err := authorize(caller, rec); err != nil {
		return rec, err
	}
	if amount == 0 {
		return rec, &Error{Kind: KindInsufficientAmount}
	}

	next := rec
	if err := UpdatePoints(&next, now); err != nil {
		return rec, err
	}

	if e.rules.StrictWithdrawBound {
		// Legacy bound: the last unit can never leave custody.
		if next.StakedAmount <= amount {
			return rec, &Error{Kind: KindInsufficientAmount, Op: "staked_amount > amount", Amount: amount, Available: next.StakedAmount}
		}
	} else if amount > next.StakedAmount {
		return rec, &Error{Kind: KindInsufficientAmount, Op: "staked_amount >= amount", Amount: amount, Available: next.StakedAmount}
	}

	remaining, borrow := bits.Sub64(next.StakedAmount, amount, 0)
	if borrow != 0 {
		return rec, &Error{Kind: KindUnderflow, Op: "staked_amount-amount", Amount: amount, Available: next.StakedAmount}
	}

	auth, err := e.custodian.AuthorizeOutgoing(next, amount)
	if err != nil {
		return rec, err
	}
	err = e.transfer.Transfer(ctx, Transfer{
		From:   auth.Source,
		To:     caller,
		Amount: amount,
		Auth:   auth,
	})
	if err != nil {
		return rec, err
	}
	next.StakedAmount = remaining

	e.log.Info("unstaked",
		zap.String("owner", next.Owner),
		zap.Uint64("amount", amount),
		zap.Uint64("remaining_staked", next.StakedAmount),
		zap.Uint64("total_points", WholePoints(next.TotalPoints)),
	)
	return next, nil
}

// Claim is what a ClaimPoints call released.
type Claim struct {
	// Points is the whole-point value handed out.
	Points uint64
	// RawPoints is the scaled counter before it was zeroed.
	RawPoints uint64
}

// ClaimPoints accrues up to now, reports the whole points and zeroes the
// counter. The sub-point remainder is discarded along with it.
func (e *Engine) ClaimPoints(caller string, rec Record, now int64) (Record, Claim, error) {
	if err := authorize(caller, rec); err != nil {
		return rec, Claim{}, err
	}

	next := rec
	if err := UpdatePoints(&next, now); err != nil {
		return rec, Claim{}, err
	}

	claim := Claim{Points: WholePoints(next.TotalPoints), RawPoints: next.TotalPoints}
	next.TotalPoints = 0

	e.log.Info("points claimed", zap.String("owner", next.Owner), zap.Uint64("claimable", claim.Points))
	return next, claim, nil
}

func authorize(caller string, rec Record) error {
	if caller == "" || caller != rec.Owner {
		return &Error{Kind: KindUnauthorized, Caller: caller, Owner: rec.Owner}
	}
	return nil
}
