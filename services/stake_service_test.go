package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/staking"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memCache struct {
	items   map[string][]byte
	deletes int
}

func (m *memCache) Get(key string) ([]byte, bool) {
	b, ok := m.items[key]
	return b, ok
}

func (m *memCache) Set(key string, b []byte, _ time.Duration) {
	m.items[key] = b
}

func (m *memCache) Delete(key string) {
	delete(m.items, key)
	m.deletes++
}

type countingLocker struct {
	mu    sync.Mutex
	keys  []string
	fails bool
}

func (l *countingLocker) Lock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fails {
		return nil, errors.New("lock busy")
	}
	l.keys = append(l.keys, key)
	return func() {}, nil
}

type fixture struct {
	db      *gorm.DB
	clock   *fakeClock
	svc     *StakeService
	wallets *WalletService
	cust    *staking.DerivedCustodian
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, rules staking.Rules, opts ...Option) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cust := staking.NewDerivedCustodian("test-program")
	reg := prometheus.NewRegistry()
	opts = append([]Option{WithClock(clock.Now), WithRegisterer(reg)}, opts...)
	return &fixture{
		db:      db,
		clock:   clock,
		svc:     NewStakeService(db, cust, rules, opts...),
		wallets: NewWalletService(db, cust),
		cust:    cust,
		reg:     reg,
	}
}

func (f *fixture) balance(t *testing.T, addr string) uint64 {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), addr)
	require.NoError(t, err)
	return w.Balance
}

func TestInitializeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})

	row, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", row.Owner)
	assert.Equal(t, f.clock.Now().Unix(), row.LastStakeTime)

	_, err = f.svc.Initialize(ctx, "alice")
	assert.ErrorIs(t, err, ErrRecordExists)

	_, err = f.svc.Initialize(ctx, "")
	assert.ErrorIs(t, err, staking.ErrUnauthorized)
}

func TestDepositWithdrawMovesFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 2000)
	require.NoError(t, err)

	row, err := f.svc.Deposit(ctx, "alice", "alice", 1500)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), row.StakedAmount)

	custody := f.cust.Address("alice", row.Bump)
	assert.Equal(t, uint64(500), f.balance(t, "alice"))
	assert.Equal(t, uint64(1500), f.balance(t, custody))

	f.clock.Advance(24 * time.Hour)
	row, err = f.svc.Withdraw(ctx, "alice", "alice", 1500)
	require.NoError(t, err)
	assert.Zero(t, row.StakedAmount)
	assert.Equal(t, uint64(1500), row.TotalPoints)
	assert.Equal(t, uint64(2000), f.balance(t, "alice"))
	assert.Zero(t, f.balance(t, custody))

	history, err := f.wallets.History(ctx, custody, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	kinds := []models.TransferKind{history[0].Kind, history[1].Kind}
	assert.ElementsMatch(t, []models.TransferKind{models.TransferDeposit, models.TransferWithdraw}, kinds)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.operations.WithLabelValues("deposit", "ok")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(f.svc.metrics.stakedTotal))
}

func TestDepositRollsBackWhenWalletShort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	before, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 101)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	after, err := f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Record, after.Record)
	assert.Equal(t, uint64(100), f.balance(t, "alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.operations.WithLabelValues("deposit", "insufficient funds")))
}

func TestUnauthorizedCallerLeavesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 100)
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "bob", 100)
	require.NoError(t, err)
	before, err := f.svc.Deposit(ctx, "alice", "alice", 50)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Deposit(ctx, "bob", "alice", 10)
	assert.ErrorIs(t, err, staking.ErrUnauthorized)
	_, err = f.svc.Withdraw(ctx, "bob", "alice", 10)
	assert.ErrorIs(t, err, staking.ErrUnauthorized)
	_, err = f.svc.Claim(ctx, "bob", "alice", "")
	assert.ErrorIs(t, err, staking.ErrUnauthorized)

	after, err := f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Record, after.Record)
	assert.Equal(t, uint64(100), f.balance(t, "bob"))
}

func TestWithdrawBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{StrictWithdrawBound: true})
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 100)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 100)
	require.NoError(t, err)

	_, err = f.svc.Withdraw(ctx, "alice", "alice", 100)
	assert.ErrorIs(t, err, staking.ErrInsufficientAmount)
	row, err := f.svc.Withdraw(ctx, "alice", "alice", 99)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), row.StakedAmount)
}

func TestClaimScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 1_000_000)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 1_000_000)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	view, err := f.svc.Preview(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.PendingPoints)
	assert.Zero(t, view.Record.TotalPoints)

	res, err := f.svc.Claim(ctx, "alice", "alice", "first")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ClaimablePoints)
	assert.Zero(t, res.Record.TotalPoints)

	var claims []models.PointClaim
	require.NoError(t, f.db.Find(&claims).Error)
	require.Len(t, claims, 1)
	assert.Equal(t, uint64(1), claims[0].Points)
	assert.Equal(t, uint64(1_000_000), claims[0].RawPoints)
	assert.Equal(t, "first", claims[0].Memo)

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Records)
	assert.Equal(t, int64(1), st.ActiveStakes)
	assert.Equal(t, uint64(1_000_000), st.TotalStaked)
	assert.Equal(t, int64(1), st.Claims)
	assert.Equal(t, uint64(1), st.ClaimedPoints)
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context, *gorm.DB, *models.PointClaim) error {
	return errors.New("mint unavailable")
}

func TestClaimRollsBackWhenIssuerFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{}, WithRewardIssuer(failingIssuer{}))
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 86400)
	require.NoError(t, err)
	before, err := f.svc.Deposit(ctx, "alice", "alice", 86400)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Claim(ctx, "alice", "alice", "")
	require.Error(t, err)

	after, err := f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, before.Record, after.Record)
}

func TestMissingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	_, err := f.svc.Deposit(ctx, "alice", "alice", 1)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = f.svc.Preview(ctx, "alice")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	for owner, amount := range map[string]uint64{"alice": 3_000_000, "bob": 1_000_000, "carol": 2_000_000} {
		_, err := f.svc.Initialize(ctx, owner)
		require.NoError(t, err)
		_, err = f.wallets.Credit(ctx, owner, amount)
		require.NoError(t, err)
		_, err = f.svc.Deposit(ctx, owner, owner, amount)
		require.NoError(t, err)
	}
	_, err := f.svc.Initialize(ctx, "dave")
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	top, err := f.svc.Leaderboard(ctx, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, LeaderboardEntry{Owner: "alice", Points: 3, Staked: 3_000_000}, top[0])
	assert.Equal(t, "carol", top[1].Owner)
	assert.Equal(t, "bob", top[2].Owner)
}

func TestCacheAndLocker(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{items: map[string][]byte{}}
	locker := &countingLocker{}
	f := newFixture(t, staking.Rules{}, WithCache(cache), WithLocker(locker, time.Second))

	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, cache.items, "cache:stake:alice")

	_, err = f.wallets.Credit(ctx, "alice", 10)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", 10)
	require.NoError(t, err)
	assert.NotContains(t, cache.items, "cache:stake:alice")
	assert.Equal(t, []string{"lock:stake:alice", "lock:stake:alice"}, locker.keys)

	locker.fails = true
	_, err = f.svc.Deposit(ctx, "alice", "alice", 1)
	assert.EqualError(t, err, "lock busy")
}

func TestAmountsAboveSignedRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	const stake = uint64(1) << 62
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", stake)
	require.NoError(t, err)
	_, err = f.svc.Deposit(ctx, "alice", "alice", stake)
	require.NoError(t, err)

	// three days at 2^62 pushes the raw counter past MaxInt64
	f.clock.Advance(72 * time.Hour)
	row, err := f.svc.Withdraw(ctx, "alice", "alice", stake)
	require.NoError(t, err)
	assert.Zero(t, row.StakedAmount)
	assert.Equal(t, 3*stake, row.TotalPoints)

	stored, err := f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3*stake, stored.TotalPoints)
	assert.Equal(t, stake, f.balance(t, "alice"))

	res, err := f.svc.Claim(ctx, "alice", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, staking.WholePoints(3*stake), res.ClaimablePoints)

	var claim models.PointClaim
	require.NoError(t, f.db.First(&claim).Error)
	assert.Equal(t, 3*stake, claim.RawPoints)

	big := uint64(1)<<63 + 5
	w, err := f.wallets.Credit(ctx, "bob", big)
	require.NoError(t, err)
	assert.Equal(t, big, w.Balance)
	assert.Equal(t, big, f.balance(t, "bob"))

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.ActiveStakes)
	assert.Equal(t, staking.WholePoints(3*stake), st.ClaimedPoints)
}

func TestStatsOverflowIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, staking.Rules{})
	for _, owner := range []string{"alice", "bob"} {
		row := models.StakeRecord{Record: staking.Record{Owner: owner, StakedAmount: 1 << 63}}
		require.NoError(t, f.db.Create(&row).Error)
	}
	_, err := f.svc.Stats(ctx)
	assert.ErrorIs(t, err, staking.ErrOverflow)
}

func TestGetSkipsCacheFillAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{items: map[string][]byte{}}
	f := newFixture(t, staking.Rules{}, WithCache(cache))
	_, err := f.svc.Initialize(ctx, "alice")
	require.NoError(t, err)
	_, err = f.wallets.Credit(ctx, "alice", 10)
	require.NoError(t, err)

	// commit a deposit between Get's read and its cache fill
	var fired bool
	require.NoError(t, f.db.Callback().Query().After("gorm:query").Register("test:deposit_after_read", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "stake_records" {
			return
		}
		fired = true
		_, err := f.svc.Deposit(ctx, "alice", "alice", 10)
		assert.NoError(t, err)
	}))

	row, err := f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, fired)
	assert.Zero(t, row.StakedAmount)
	assert.NotContains(t, cache.items, "cache:stake:alice")

	row, err = f.svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), row.StakedAmount)
	assert.Contains(t, cache.items, "cache:stake:alice")
}
