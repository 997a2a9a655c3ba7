// Package workers runs periodic background jobs next to the HTTP server.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/stakeledger/services"
)

const (
	rankKey    = "leaderboard:points"
	entriesKey = "leaderboard:entries"
	refreshKey = "leaderboard:refreshed_at"
)

// Ranker produces the current ranking.
type Ranker interface {
	Leaderboard(ctx context.Context, limit int) ([]services.LeaderboardEntry, error)
}

// Leaderboard periodically snapshots the ranking into Redis, or into memory
// when no Redis client is configured, so reads do not scan every record.
type Leaderboard struct {
	ranker Ranker
	rdb    *redis.Client
	size   int
	log    *zap.Logger

	mu       sync.RWMutex
	snapshot []services.LeaderboardEntry
	at       time.Time

	sched gocron.Scheduler
}

// NewLeaderboard creates a Leaderboard keeping the top size entries. rdb may be nil.
func NewLeaderboard(ranker Ranker, rdb *redis.Client, size int, log *zap.Logger) *Leaderboard {
	if size <= 0 {
		size = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Leaderboard{ranker: ranker, rdb: rdb, size: size, log: log}
}

// Start refreshes once, then every interval until Stop.
func (l *Leaderboard) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("leaderboard interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := l.Refresh(ctx); err != nil {
				l.log.Warn("leaderboard refresh failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule leaderboard job: %w", err)
	}
	sched.Start()
	l.sched = sched
	return nil
}

// Stop waits for a running refresh and stops the schedule.
func (l *Leaderboard) Stop() error {
	if l.sched == nil {
		return nil
	}
	err := l.sched.Shutdown()
	l.sched = nil
	return err
}

// Refresh recomputes the ranking and stores it.
func (l *Leaderboard) Refresh(ctx context.Context) error {
	entries, err := l.ranker.Leaderboard(ctx, l.size)
	if err != nil {
		return err
	}
	now := time.Now()
	if l.rdb != nil {
		if err := l.store(ctx, entries, now); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.snapshot = entries
	l.at = now
	l.mu.Unlock()
	l.log.Debug("leaderboard refreshed", zap.Int("entries", len(entries)))
	return nil
}

func (l *Leaderboard) store(ctx context.Context, entries []services.LeaderboardEntry, now time.Time) error {
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rankKey, entriesKey)
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			// scores are float64 and only order members; exact values live in entriesKey
			pipe.ZAdd(ctx, rankKey, redis.Z{Score: float64(e.Points), Member: e.Owner})
			pipe.HSet(ctx, entriesKey, e.Owner, b)
		}
		pipe.Set(ctx, refreshKey, now.Unix(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store leaderboard: %w", err)
	}
	return nil
}

// Top returns up to limit entries from the last snapshot. ok is false when no
// snapshot exists yet.
func (l *Leaderboard) Top(ctx context.Context, limit int) ([]services.LeaderboardEntry, bool) {
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	if l.rdb != nil {
		entries, err := l.load(ctx, limit)
		if err == nil {
			return entries, true
		}
		if !errors.Is(err, redis.Nil) {
			l.log.Warn("read leaderboard from redis", zap.Error(err))
		}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.at.IsZero() {
		return nil, false
	}
	if len(l.snapshot) < limit {
		limit = len(l.snapshot)
	}
	out := make([]services.LeaderboardEntry, limit)
	copy(out, l.snapshot[:limit])
	return out, true
}

func (l *Leaderboard) load(ctx context.Context, limit int) ([]services.LeaderboardEntry, error) {
	if err := l.rdb.Get(ctx, refreshKey).Err(); err != nil {
		return nil, err
	}
	owners, err := l.rdb.ZRevRange(ctx, rankKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(owners) == 0 {
		return []services.LeaderboardEntry{}, nil
	}
	raw, err := l.rdb.HMGet(ctx, entriesKey, owners...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]services.LeaderboardEntry, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e services.LeaderboardEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	// ZREVRANGE breaks score ties in reverse member order
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].Owner < out[j].Owner
	})
	return out, nil
}
