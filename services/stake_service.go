package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/staking"
)

// Locker serialises operations on one owner across service instances.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Cache stores serialized record views.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, b []byte, ttl time.Duration)
	Delete(key string)
}

// RewardIssuer receives claimed points inside the claim transaction.
// Returning an error rolls the claim back.
type RewardIssuer interface {
	Issue(ctx context.Context, tx *gorm.DB, claim *models.PointClaim) error
}

// ClaimJournal is the default RewardIssuer: it only records the claim.
type ClaimJournal struct{}

// Issue persists claim.
func (ClaimJournal) Issue(ctx context.Context, tx *gorm.DB, claim *models.PointClaim) error {
	return tx.WithContext(ctx).Create(claim).Error
}

// StakeView is a record together with points accrued up to At.
type StakeView struct {
	Record        models.StakeRecord `json:"record"`
	CustodyAddr   string             `json:"custody_address"`
	PendingRaw    uint64             `json:"pending_raw_points"`
	PendingPoints uint64             `json:"pending_points"`
	At            int64              `json:"at"`
}

// ClaimResult is returned by Claim.
type ClaimResult struct {
	Record          models.StakeRecord `json:"record"`
	ClaimablePoints uint64             `json:"claimable_points"`
}

// LeaderboardEntry ranks an owner by pending whole points.
type LeaderboardEntry struct {
	Owner  string `json:"owner"`
	Points uint64 `json:"points"`
	Staked uint64 `json:"staked_amount"`
}

// LedgerStats aggregates the ledger.
type LedgerStats struct {
	Records       int64  `json:"records"`
	ActiveStakes  int64  `json:"active_stakes"`
	TotalStaked   uint64 `json:"total_staked"`
	Claims        int64  `json:"claims"`
	ClaimedPoints uint64 `json:"claimed_points"`
}

// StakeService hosts the staking engine on a SQL database. Each mutating
// call runs the engine and the value transfer inside one transaction with the
// record row locked, so either both the transfer and the record update commit
// or neither does.
type StakeService struct {
	db        *gorm.DB
	engine    *staking.Engine
	custodian staking.Custodian
	issuer    RewardIssuer
	locker    Locker
	cache     Cache
	lockTTL   time.Duration
	now       func() time.Time
	metrics   stakeMetrics
	log       *zap.Logger
	gens      cacheGens
}

// Option configures a StakeService.
type Option func(*StakeService)

// WithLocker enables per-owner distributed locking.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *StakeService) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithCache enables cached record reads.
func WithCache(c Cache) Option {
	return func(s *StakeService) { s.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *StakeService) { s.now = now }
}

// WithRewardIssuer replaces the default claim journal.
func WithRewardIssuer(r RewardIssuer) Option {
	return func(s *StakeService) { s.issuer = r }
}

// WithRegisterer exports operation metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *StakeService) { s.metrics.init(reg) }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *StakeService) { s.log = l }
}

// NewStakeService creates a StakeService.
func NewStakeService(db *gorm.DB, custodian staking.Custodian, rules staking.Rules, opts ...Option) *StakeService {
	s := &StakeService{
		db:        db,
		custodian: custodian,
		issuer:    ClaimJournal{},
		lockTTL:   10 * time.Second,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics.operations == nil {
		s.metrics.init(nil)
	}
	s.engine = staking.NewEngine(custodian, nil, rules, s.log)
	return s
}

// Rules reports the engine rule set in effect.
func (s *StakeService) Rules() staking.Rules {
	return s.engine.Rules()
}

// Initialize creates the caller's stake record.
func (s *StakeService) Initialize(ctx context.Context, caller string) (*models.StakeRecord, error) {
	start := time.Now()
	row, err := s.initialize(ctx, caller)
	s.metrics.observe("initialize", err, start)
	return row, err
}

func (s *StakeService) initialize(ctx context.Context, caller string) (*models.StakeRecord, error) {
	unlock, err := s.lock(ctx, caller)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.engine.Initialize(caller, s.now().Unix())
	if err != nil {
		return nil, err
	}
	row := models.StakeRecord{Record: rec}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.StakeRecord{}).Where("owner = ?", caller).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrRecordExists
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(caller)
	return &row, nil
}

// Deposit stakes amount from caller into owner's record.
func (s *StakeService) Deposit(ctx context.Context, caller, owner string, amount uint64) (*models.StakeRecord, error) {
	start := time.Now()
	row, err := s.mutate(ctx, caller, owner, func(tx *gorm.DB, eng *staking.Engine, rec staking.Record, now int64) (staking.Record, error) {
		return eng.CreateStake(ctx, caller, rec, amount, now)
	})
	s.metrics.observe("deposit", err, start)
	if err == nil {
		s.metrics.stakedTotal.Add(float64(amount))
	}
	return row, err
}

// Withdraw returns amount from owner's record to caller.
func (s *StakeService) Withdraw(ctx context.Context, caller, owner string, amount uint64) (*models.StakeRecord, error) {
	start := time.Now()
	row, err := s.mutate(ctx, caller, owner, func(tx *gorm.DB, eng *staking.Engine, rec staking.Record, now int64) (staking.Record, error) {
		return eng.UnStake(ctx, caller, rec, amount, now)
	})
	s.metrics.observe("withdraw", err, start)
	if err == nil {
		s.metrics.unstakedTotal.Add(float64(amount))
	}
	return row, err
}

// Claim zeroes owner's points and hands the whole-point value to the issuer.
func (s *StakeService) Claim(ctx context.Context, caller, owner, memo string) (*ClaimResult, error) {
	start := time.Now()
	var claimable uint64
	row, err := s.mutate(ctx, caller, owner, func(tx *gorm.DB, eng *staking.Engine, rec staking.Record, now int64) (staking.Record, error) {
		next, released, err := eng.ClaimPoints(caller, rec, now)
		if err != nil {
			return rec, err
		}
		claim := &models.PointClaim{
			Owner:     rec.Owner,
			Points:    released.Points,
			RawPoints: released.RawPoints,
			Memo:      memo,
			ClaimedAt: now,
		}
		if err := s.issuer.Issue(ctx, tx, claim); err != nil {
			return rec, fmt.Errorf("issue reward: %w", err)
		}
		claimable = released.Points
		return next, nil
	})
	s.metrics.observe("claim", err, start)
	if err != nil {
		return nil, err
	}
	s.metrics.claimedPoints.Add(float64(claimable))
	return &ClaimResult{Record: *row, ClaimablePoints: claimable}, nil
}

type applyFunc func(tx *gorm.DB, eng *staking.Engine, rec staking.Record, now int64) (staking.Record, error)

func (s *StakeService) mutate(ctx context.Context, caller, owner string, apply applyFunc) (*models.StakeRecord, error) {
	unlock, err := s.lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out models.StakeRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRecord(tx, owner)
		if err != nil {
			return err
		}
		eng := s.engine.WithTransferrer(newWalletLedger(tx, s.custodian, s.now))
		next, err := apply(tx, eng, row.Record, s.now().Unix())
		if err != nil {
			return err
		}
		row.Record = next
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save stake record: %w", err)
		}
		out = *row
		return nil
	})
	if err != nil {
		s.log.Debug("stake operation failed", zap.String("caller", caller), zap.String("owner", owner), zap.Error(err))
		return nil, err
	}
	s.invalidate(owner)
	return &out, nil
}

// Get loads owner's record, consulting the cache first.
func (s *StakeService) Get(ctx context.Context, owner string) (*models.StakeRecord, error) {
	key := cacheKey(owner)
	if s.cache != nil {
		if b, ok := s.cache.Get(key); ok {
			var row models.StakeRecord
			if err := json.Unmarshal(b, &row); err == nil {
				return &row, nil
			}
		}
	}
	gen := s.gens.current(owner)
	var row models.StakeRecord
	err := s.db.WithContext(ctx).Where("owner = ?", owner).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stake record: %w", err)
	}
	if s.cache != nil {
		if b, err := json.Marshal(row); err == nil {
			// a write that committed after the read above has bumped gen
			s.gens.setIf(owner, gen, func() { s.cache.Set(key, b, 30*time.Second) })
		}
	}
	return &row, nil
}

// Preview reports owner's record with points accrued up to now, without
// modifying it.
func (s *StakeService) Preview(ctx context.Context, owner string) (*StakeView, error) {
	row, err := s.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	raw, err := staking.PendingPoints(row.Record, now)
	if err != nil {
		return nil, err
	}
	return &StakeView{
		Record:        *row,
		CustodyAddr:   s.custodian.Address(row.Owner, row.Bump),
		PendingRaw:    raw,
		PendingPoints: staking.WholePoints(raw),
		At:            now,
	}, nil
}

// Leaderboard ranks all records by pending whole points at now.
func (s *StakeService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	now := s.now().Unix()
	var entries []LeaderboardEntry
	var batch []models.StakeRecord
	res := s.db.WithContext(ctx).Model(&models.StakeRecord{}).FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
		for _, row := range batch {
			raw, err := staking.PendingPoints(row.Record, now)
			if err != nil {
				s.log.Warn("skipping record in leaderboard", zap.String("owner", row.Owner), zap.Error(err))
				continue
			}
			entries = append(entries, LeaderboardEntry{
				Owner:  row.Owner,
				Points: staking.WholePoints(raw),
				Staked: row.StakedAmount,
			})
		}
		return nil
	})
	if res.Error != nil {
		return nil, fmt.Errorf("scan stake records: %w", res.Error)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].Owner < entries[j].Owner
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Stats aggregates record and claim totals. Sums are taken in Go since the
// amount columns are stored as text.
func (s *StakeService) Stats(ctx context.Context) (*LedgerStats, error) {
	var st LedgerStats
	q := s.db.WithContext(ctx)

	var rows []models.StakeRecord
	res := q.Model(&models.StakeRecord{}).Select("id", "staked_amount").FindInBatches(&rows, 500, func(tx *gorm.DB, _ int) error {
		for _, row := range rows {
			st.Records++
			if row.StakedAmount == 0 {
				continue
			}
			st.ActiveStakes++
			sum, carry := bits.Add64(st.TotalStaked, row.StakedAmount, 0)
			if carry != 0 {
				return &staking.Error{Kind: staking.KindOverflow, Op: "sum(staked_amount)"}
			}
			st.TotalStaked = sum
		}
		return nil
	})
	if res.Error != nil {
		return nil, fmt.Errorf("sum stake records: %w", res.Error)
	}

	var claims []models.PointClaim
	res = q.Model(&models.PointClaim{}).Select("id", "points").FindInBatches(&claims, 500, func(tx *gorm.DB, _ int) error {
		for _, c := range claims {
			st.Claims++
			sum, carry := bits.Add64(st.ClaimedPoints, c.Points, 0)
			if carry != 0 {
				return &staking.Error{Kind: staking.KindOverflow, Op: "sum(points)"}
			}
			st.ClaimedPoints = sum
		}
		return nil
	})
	if res.Error != nil {
		return nil, fmt.Errorf("sum point claims: %w", res.Error)
	}
	return &st, nil
}

func lockRecord(tx *gorm.DB, owner string) (*models.StakeRecord, error) {
	var row models.StakeRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("owner = ?", owner).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock stake record: %w", err)
	}
	return &row, nil
}

func (s *StakeService) lock(ctx context.Context, owner string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Lock(ctx, "lock:stake:"+owner, s.lockTTL)
}

func (s *StakeService) invalidate(owner string) {
	if s.cache != nil {
		s.gens.bump(owner)
		s.cache.Delete(cacheKey(owner))
	}
}

// cacheGens counts invalidations per owner. A cache fill is only written
// when no invalidation happened between the read and the write.
type cacheGens struct {
	mu sync.Mutex
	m  map[string]uint64
}

func (g *cacheGens) current(owner string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[owner]
}

func (g *cacheGens) bump(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m == nil {
		g.m = make(map[string]uint64)
	}
	g.m[owner]++
}

func (g *cacheGens) setIf(owner string, gen uint64, set func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.m[owner] == gen {
		set()
	}
}

func cacheKey(owner string) string {
	return "cache:stake:" + owner
}
