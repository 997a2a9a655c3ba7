package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/staking"
)

// WalletService exposes wallet balances and external funding.
type WalletService struct {
	db        *gorm.DB
	custodian staking.Custodian
	now       func() time.Time
}

// NewWalletService creates a WalletService.
func NewWalletService(db *gorm.DB, custodian staking.Custodian) *WalletService {
	return &WalletService{db: db, custodian: custodian, now: time.Now}
}

// Get returns the wallet at addr; a never-funded address reads as empty.
func (s *WalletService) Get(ctx context.Context, addr string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).First(&w, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Wallet{Address: addr, Custodial: staking.IsCustodyAddress(addr)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &w, nil
}

// Credit funds addr with amount. Custody addresses cannot be credited directly.
func (s *WalletService) Credit(ctx context.Context, addr string, amount uint64) (*models.Wallet, error) {
	if addr == "" || staking.IsCustodyAddress(addr) {
		return nil, fmt.Errorf("%w: %q", ErrWalletNotFound, addr)
	}
	var out *models.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := newWalletLedger(tx, s.custodian, s.now).credit(ctx, addr, amount)
		out = w
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History lists the most recent journal entries touching addr.
func (s *WalletService) History(ctx context.Context, addr string, limit int) ([]models.Transfer, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var items []models.Transfer
	err := s.db.WithContext(ctx).
		Where("from_addr = ? OR to_addr = ?", addr, addr).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return items, nil
}
