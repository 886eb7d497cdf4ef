package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/vault"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Units of work run against the primary and invalidate the cache on
// commit; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (go to primary, invalidate cache) ---

func (s *CachedStore) Begin(ctx context.Context, user string) (vault.Work, error) {
	w, err := s.primary.Begin(ctx, user)
	if err != nil {
		return nil, err
	}
	return &cachedWork{Work: w, s: s, user: user}, nil
}

func (s *CachedStore) ApplySeed(ctx context.Context, seed model.Seed) error {
	if err := s.primary.ApplySeed(ctx, seed); err != nil {
		return err
	}
	keys := make([]string, 0, len(seed.Pools)+len(seed.Accounts))
	for _, p := range seed.Pools {
		keys = append(keys, poolKey(p.ID))
	}
	for _, a := range seed.Accounts {
		keys = append(keys, accountKey(a.UserID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey(id), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) GetActionRecords(ctx context.Context, userID string) ([]model.ActionRecord, error) {
	return s.primary.GetActionRecords(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }
func poolKey(id string) string     { return fmt.Sprintf("pool:%s", id) }

// cachedWork drops the cached account and any claimed-against pools once
// the primary commits.
type cachedWork struct {
	vault.Work
	s       *CachedStore
	user    string
	claimed []string
}

func (w *cachedWork) Backstop() vault.Backstop { return w }

func (w *cachedWork) Claim(ctx context.Context, user, pool string) (decimal.Decimal, error) {
	payout, err := w.Work.Backstop().Claim(ctx, user, pool)
	if err == nil {
		w.claimed = append(w.claimed, pool)
	}
	return payout, err
}

func (w *cachedWork) Commit(ctx context.Context) error {
	if err := w.Work.Commit(ctx); err != nil {
		return err
	}
	keys := []string{accountKey(w.user)}
	for _, id := range w.claimed {
		keys = append(keys, poolKey(id))
	}
	w.s.invalidate(ctx, keys...)
	return nil
}
