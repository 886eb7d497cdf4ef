package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/vault"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A unit of work holds the write lock from Begin until Commit or Abort, so
// readers never see a half-applied batch. Mutations are applied in place and
// journaled; Abort replays the journal backwards.
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[string]*model.Pool
	accounts map[string]*model.Account
	custody  map[string]decimal.Decimal // pool → funds received from users
	records  []model.ActionRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]*model.Pool),
		accounts: make(map[string]*model.Account),
		custody:  make(map[string]decimal.Decimal),
	}
}

// PutPool creates or replaces a pool.
func (s *MemoryStore) PutPool(p model.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.ID] = copyPool(&p)
}

// PutAccount creates or replaces an account.
func (s *MemoryStore) PutAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.UserID] = copyAccount(&a)
}

// Custody returns the funds a pool has received from users.
func (s *MemoryStore) Custody(poolID string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.custody[poolID]
}

func (s *MemoryStore) ApplySeed(_ context.Context, seed model.Seed) error {
	pools := make([]model.Pool, 0, len(seed.Pools))
	for _, sp := range seed.Pools {
		p, err := sp.ToPool()
		if err != nil {
			return fmt.Errorf("seed pool %s: %w", sp.ID, err)
		}
		pools = append(pools, p)
	}
	accounts := make([]model.Account, 0, len(seed.Accounts))
	for _, sa := range seed.Accounts {
		a, err := sa.ToAccount()
		if err != nil {
			return fmt.Errorf("seed account %s: %w", sa.UserID, err)
		}
		accounts = append(accounts, a)
	}

	for _, p := range pools {
		s.PutPool(p)
	}
	for _, a := range accounts {
		s.PutAccount(a)
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return emptyAccount(userID), nil
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", vault.ErrPoolNotFound, id)
	}
	return copyPool(p), nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pools := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *copyPool(p))
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (s *MemoryStore) GetActionRecords(_ context.Context, userID string) ([]model.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ActionRecord
	for _, r := range s.records {
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	return result, nil
}

// Begin opens a unit of work for user. It blocks until no other unit of
// work is open.
func (s *MemoryStore) Begin(_ context.Context, user string) (vault.Work, error) {
	s.mu.Lock()
	return &memoryTx{s: s, user: user}, nil
}

// memoryTx is an open unit of work over a MemoryStore. It implements every
// collaborator interface itself. The store's write lock is held throughout.
type memoryTx struct {
	s    *MemoryStore
	user string
	undo []func()
	done bool
}

func (t *memoryTx) Pool() vault.LendingPool { return t }
func (t *memoryTx) Ledger() vault.TokenLedger { return t }
func (t *memoryTx) Backstop() vault.Backstop { return t }

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *memoryTx) Abort(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *memoryTx) Record(_ context.Context, rec model.ActionRecord) error {
	if t.done {
		return ErrTxDone
	}
	n := len(t.s.records)
	t.s.records = append(t.s.records, rec)
	t.undo = append(t.undo, func() { t.s.records = t.s.records[:n] })
	return nil
}

// --- LendingPool ---

func (t *memoryTx) PoolExists(_ context.Context, pool string) (bool, error) {
	if t.done {
		return false, ErrTxDone
	}
	_, ok := t.s.pools[pool]
	return ok, nil
}

func (t *memoryTx) PoolAsset(_ context.Context, pool string) (string, error) {
	if t.done {
		return "", ErrTxDone
	}
	p, ok := t.s.pools[pool]
	if !ok {
		return "", fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	return p.Asset, nil
}

// PoolForAsset prefers a pool where the user actually owes asset, then the
// lowest pool ID.
func (t *memoryTx) PoolForAsset(_ context.Context, asset string) (string, bool, error) {
	if t.done {
		return "", false, ErrTxDone
	}
	var candidates []string
	for id, p := range t.s.pools {
		if p.Asset == asset {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Strings(candidates)
	if a, ok := t.s.accounts[t.user]; ok {
		for _, id := range candidates {
			if a.Debt[id].IsPositive() {
				return id, true, nil
			}
		}
	}
	return candidates[0], true, nil
}

func (t *memoryTx) Supply(_ context.Context, user, pool string, amount decimal.Decimal) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.s.pools[pool]; !ok {
		return fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	a := t.account(user)
	t.set(a.Collateral, pool, a.Collateral[pool].Add(amount))
	return nil
}

func (t *memoryTx) Repay(_ context.Context, user, pool, _ string, amount decimal.Decimal) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.s.pools[pool]; !ok {
		return fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	a := t.account(user)
	debt := a.Debt[pool]
	if amount.GreaterThan(debt) {
		return fmt.Errorf("%w: owe %s in %s, repaying %s", ErrRepayExceedsDebt, debt, pool, amount)
	}
	t.set(a.Debt, pool, debt.Sub(amount))
	return nil
}

// --- TokenLedger ---

func (t *memoryTx) Balance(_ context.Context, user, asset string) (decimal.Decimal, error) {
	if t.done {
		return decimal.Zero, ErrTxDone
	}
	if a, ok := t.s.accounts[user]; ok {
		return a.Balances[asset], nil
	}
	return decimal.Zero, nil
}

func (t *memoryTx) Transfer(_ context.Context, user, target, asset string, amount decimal.Decimal) error {
	if t.done {
		return ErrTxDone
	}
	a := t.account(user)
	balance := a.Balances[asset]
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s %s, need %s", vault.ErrInsufficientBalance, balance, asset, amount)
	}
	t.set(a.Balances, asset, balance.Sub(amount))
	t.set(t.s.custody, target, t.s.custody[target].Add(amount))
	return nil
}

// --- Backstop ---

func (t *memoryTx) Claim(_ context.Context, user, pool string) (decimal.Decimal, error) {
	if t.done {
		return decimal.Zero, ErrTxDone
	}
	p, ok := t.s.pools[pool]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", vault.ErrPoolNotFound, pool)
	}
	if p.Backstop == nil {
		return decimal.Zero, fmt.Errorf("%w: pool %s has no backstop", vault.ErrPoolNotFound, pool)
	}

	a := t.account(user)
	debt := a.Debt[pool]
	if !debt.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no debt in %s to cover", vault.ErrInsuranceClaimFailed, pool)
	}
	if !p.Backstop.Reserve.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: backstop reserve for %s is exhausted", vault.ErrInsuranceClaimFailed, pool)
	}

	payout := claimPayout(p.Backstop, debt)
	b := p.Backstop
	prevReserve := b.Reserve
	b.Reserve = b.Reserve.Sub(payout)
	t.undo = append(t.undo, func() { b.Reserve = prevReserve })
	t.set(a.Balances, p.Asset, a.Balances[p.Asset].Add(payout))
	return payout, nil
}

// account returns the user's live account, creating it (journaled) if needed.
func (t *memoryTx) account(user string) *model.Account {
	if a, ok := t.s.accounts[user]; ok {
		return a
	}
	a := emptyAccount(user)
	t.s.accounts[user] = a
	t.undo = append(t.undo, func() { delete(t.s.accounts, user) })
	return a
}

// set writes m[key] = v and journals the previous value.
func (t *memoryTx) set(m map[string]decimal.Decimal, key string, v decimal.Decimal) {
	prev, had := m[key]
	t.undo = append(t.undo, func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
	m[key] = v
}

func copyPool(p *model.Pool) *model.Pool {
	cp := *p
	if p.Backstop != nil {
		b := *p.Backstop
		cp.Backstop = &b
	}
	return &cp
}

func copyAccount(a *model.Account) *model.Account {
	cp := *a
	cp.Balances = copyAmounts(a.Balances)
	cp.Collateral = copyAmounts(a.Collateral)
	cp.Debt = copyAmounts(a.Debt)
	return &cp
}

func copyAmounts(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
