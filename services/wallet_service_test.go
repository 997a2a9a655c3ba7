package services

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/staking"
)

func TestWalletCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})

	w, err := f.wallets.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
	assert.False(t, w.Custodial)

	w, err = f.wallets.Credit(ctx, "alice", 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), w.Balance)
	_, err = f.wallets.Credit(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.balance(t, "alice"))

	_, err = f.wallets.Credit(ctx, "alice", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.wallets.Credit(ctx, "alice", math.MaxUint64)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, uint64(42), f.balance(t, "alice"))

	custody, _, err := f.cust.Derive("alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, custody, 1)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestWalletHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})

	for i := 0; i < 3; i++ {
		_, err := f.wallets.Credit(ctx, "alice", 1)
		require.NoError(t, err)
	}
	_, err := f.wallets.Credit(ctx, "bob", 1)
	require.NoError(t, err)

	items, err := f.wallets.History(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, "alice", it.ToAddr)
		assert.Equal(t, models.TransferCredit, it.Kind)
	}

	items, err = f.wallets.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestCustodySpendNeedsAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})

	custody, _, err := f.cust.Derive("alice")
	require.NoError(t, err)
	ledger := newWalletLedger(f.db, f.cust, f.clock.Now)
	err = ledger.Transfer(ctx, staking.Transfer{From: custody, To: "mallory", Amount: 1})
	assert.ErrorIs(t, err, staking.ErrUnauthorized)
}
