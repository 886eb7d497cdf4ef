package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Seed is the initial collaborator state loaded at start-up: pools with their
// backstops and user accounts.
type Seed struct {
	Pools    []SeedPool    `yaml:"pools"`
	Accounts []SeedAccount `yaml:"accounts"`
}

// SeedPool describes one pool. Backstop fields are optional.
type SeedPool struct {
	ID               string `yaml:"id"`
	Asset            string `yaml:"asset"`
	BackstopReserve  string `yaml:"backstop_reserve"`
	BackstopCoverage string `yaml:"backstop_coverage"`
}

// SeedAccount describes one user's holdings. Amounts are decimal strings.
type SeedAccount struct {
	UserID     string            `yaml:"user_id"`
	PositionID string            `yaml:"position_id"`
	Balances   map[string]string `yaml:"balances"`
	Collateral map[string]string `yaml:"collateral"`
	Debt       map[string]string `yaml:"debt"`
}

// ToPool converts a seed pool into a Pool.
func (p SeedPool) ToPool() (Pool, error) {
	pool := Pool{ID: p.ID, Asset: p.Asset}
	if p.BackstopReserve == "" && p.BackstopCoverage == "" {
		return pool, nil
	}
	reserve, err := parseAmount(p.BackstopReserve)
	if err != nil {
		return Pool{}, err
	}
	coverage, err := parseAmount(p.BackstopCoverage)
	if err != nil {
		return Pool{}, err
	}
	pool.Backstop = &Backstop{Reserve: reserve, Coverage: coverage}
	return pool, nil
}

// ToAccount converts a seed account into an Account.
func (a SeedAccount) ToAccount() (Account, error) {
	acct := Account{UserID: a.UserID, PositionID: a.PositionID}
	if acct.PositionID == "" {
		acct.PositionID = a.UserID
	}
	var err error
	if acct.Balances, err = parseAmounts(a.Balances); err != nil {
		return Account{}, err
	}
	if acct.Collateral, err = parseAmounts(a.Collateral); err != nil {
		return Account{}, err
	}
	if acct.Debt, err = parseAmounts(a.Debt); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func parseAmounts(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		amt, err := parseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("amount for %s: %w", k, err)
		}
		out[k] = amt
	}
	return out, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
