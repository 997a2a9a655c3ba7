package services

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/staking"
)

// walletLedger moves value between wallets inside an open transaction, so a
// transfer commits or rolls back together with the stake record it serves.
type walletLedger struct {
	tx        *gorm.DB
	custodian staking.Custodian
	now       func() time.Time
}

var _ staking.Transferrer = (*walletLedger)(nil)

func newWalletLedger(tx *gorm.DB, custodian staking.Custodian, now func() time.Time) *walletLedger {
	return &walletLedger{tx: tx, custodian: custodian, now: now}
}

// Transfer debits t.From and credits t.To. Spending from a custody address
// requires a matching authorization from the custodian.
func (l *walletLedger) Transfer(ctx context.Context, t staking.Transfer) error {
	if t.Amount == 0 {
		return ErrInvalidAmount
	}
	custodial := staking.IsCustodyAddress(t.From)
	if custodial {
		if err := l.custodian.Verify(t.Auth, t.From, t.Amount); err != nil {
			return err
		}
	}

	tx := l.tx.WithContext(ctx)
	from, err := lockWallet(tx, t.From, false)
	if errors.Is(err, ErrWalletNotFound) && !custodial {
		return fmt.Errorf("%w: %s has never been funded", ErrInsufficientFunds, t.From)
	}
	if err != nil {
		return err
	}
	if from.Balance < t.Amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, t.From, from.Balance, t.Amount)
	}
	to, err := lockWallet(tx, t.To, true)
	if err != nil {
		return err
	}
	credited, carry := bits.Add64(to.Balance, t.Amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, t.To)
	}

	if err := setBalance(tx, from.Address, from.Balance-t.Amount); err != nil {
		return err
	}
	if err := setBalance(tx, to.Address, credited); err != nil {
		return err
	}

	kind := models.TransferDeposit
	if custodial {
		kind = models.TransferWithdraw
	}
	return journal(tx, t.From, t.To, t.Amount, kind, custodial, l.now())
}

// credit mints amount into addr. Used to fund wallets from outside the ledger.
func (l *walletLedger) credit(ctx context.Context, addr string, amount uint64) (*models.Wallet, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	tx := l.tx.WithContext(ctx)
	w, err := lockWallet(tx, addr, true)
	if err != nil {
		return nil, err
	}
	sum, carry := bits.Add64(w.Balance, amount, 0)
	if carry != 0 {
		return nil, fmt.Errorf("%w: %s", ErrBalanceOverflow, addr)
	}
	if err := setBalance(tx, addr, sum); err != nil {
		return nil, err
	}
	if err := journal(tx, "", addr, amount, models.TransferCredit, false, l.now()); err != nil {
		return nil, err
	}
	w.Balance = sum
	return w, nil
}

func lockWallet(tx *gorm.DB, addr string, create bool) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "address = ?", addr).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load wallet %s: %w", addr, err)
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, addr)
	}
	w = models.Wallet{Address: addr, Custodial: staking.IsCustodyAddress(addr)}
	if err := tx.Create(&w).Error; err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", addr, err)
	}
	return &w, nil
}

func setBalance(tx *gorm.DB, addr string, balance uint64) error {
	res := tx.Model(&models.Wallet{}).Where("address = ?", addr).Update("balance", models.EncodeU64(balance))
	if res.Error != nil {
		return fmt.Errorf("update wallet %s: %w", addr, res.Error)
	}
	return nil
}

func journal(tx *gorm.DB, from, to string, amount uint64, kind models.TransferKind, custodial bool, at time.Time) error {
	entry := models.Transfer{
		ID:        uuid.NewString(),
		FromAddr:  from,
		ToAddr:    to,
		Amount:    amount,
		Kind:      kind,
		Custodial: custodial,
		CreatedAt: at,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("journal transfer: %w", err)
	}
	return nil
}
