package model

import "math/big"

// Sale lifecycle statuses

type SaleStatus string

const (
	SaleStatusNotStarted SaleStatus = "not_started"
	SaleStatusOngoing    SaleStatus = "ongoing"
	SaleStatusEnded      SaleStatus = "ended"
	SaleStatusFilled     SaleStatus = "filled"
	SaleStatusFailed     SaleStatus = "failed"
)

// Asset is an amount of a concrete currency or token denomination.
type Asset struct {
	Denom  string
	Amount uint64
}

// Transfer is an outbound payment instruction. The accounting core only
// decides and records what must be transferred; the dispatching layer
// executes it after the state change is committed.
type Transfer struct {
	Recipient string
	Asset     Asset
}

// Global sale-creation settings, admin-managed

type Config struct {
	MinSoftCap      uint64
	MinHardCap      uint64
	MinTokenSaleAmt uint64
	TokenCodeID     uint64
	FeePercent      uint64
}

// SaleParams carries the owner-supplied terms for a new sale.
type SaleParams struct {
	Referrer        string
	Start           int64
	End             int64
	TokenSaleAmt    uint64
	Currency        string
	SoftCap         uint64
	HardCap         uint64
	AccountCap      uint64 // 0 = no per-account cap
	OwnerAllocation uint64
	WhitelistEnd    int64 // 0 = no whitelist window
	TokenName       string
	TokenSymbol     string
	Project         string
	Description     string
	Marketing       string
	Logo            string
}

// Sale is the immutable record of one presale. TokenAddr stays empty
// until the token factory reports the instantiated contract address.
type Sale struct {
	ID              uint64
	CreatedAt       int64
	Owner           string
	Referrer        string
	Start           int64
	End             int64
	TokenAddr       string
	TokenSaleAmt    uint64
	Currency        string
	SoftCap         uint64
	HardCap         uint64
	AccountCap      uint64
	OwnerAllocation uint64
	WhitelistEnd    int64
	TokenName       string
	TokenSymbol     string
	Project         string
	Description     string
	Marketing       string
	Logo            string
}

// PurchasableCap is the currency capacity actually on sale: the hard
// cap minus the headroom reserved for the owner allocation.
func (s Sale) PurchasableCap() uint64 {
	return s.HardCap - s.OwnerAllocation
}

func (s Sale) TokenAsset(amount uint64) Asset {
	return Asset{Denom: s.TokenAddr, Amount: amount}
}

func (s Sale) CurrencyAsset(amount uint64) Asset {
	return Asset{Denom: s.Currency, Amount: amount}
}

// Status derives the lifecycle phase from the sale terms, the progress
// counters and the current time. Pure function, first matching rule
// wins; every other operation consults it and nothing caches it.
func (s Sale) Status(p SaleProgress, now int64) SaleStatus {
	if s.Start > now {
		return SaleStatusNotStarted
	}
	if p.TokenSold == s.TokenSaleAmt && p.CurRaised == s.HardCap {
		return SaleStatusFilled
	}
	if now > s.End && p.CurRaised < s.SoftCap {
		return SaleStatusFailed
	}
	if now >= s.Start && s.End >= now {
		return SaleStatusOngoing
	}
	return SaleStatusEnded
}

// SaleProgress is the mutable aggregate for one sale, shared by every
// participant. Counters only grow until settlement.
type SaleProgress struct {
	TokenSold    uint64
	CurRaised    uint64
	TokenClaimed uint64
	ExcessSent   bool
	CurExcess    uint64
	TokenExcess  uint64
}

// Participation is the per-(account, sale) ledger entry. Claimed and
// Refunded are terminal and mutually exclusive.
type Participation struct {
	TokenGot uint64
	CurSpent uint64
	Claimed  bool
	Refunded bool
}

// SaleView is a sale with its progress and the status at query time.
type SaleView struct {
	Sale     Sale
	Progress SaleProgress
	Status   SaleStatus
}

// MultiplyRatio computes amount * num / denom with floor division,
// widening through big.Int so the intermediate product cannot overflow.
func MultiplyRatio(amount, num, denom uint64) uint64 {
	r := new(big.Int).SetUint64(amount)
	r.Mul(r, new(big.Int).SetUint64(num))
	r.Quo(r, new(big.Int).SetUint64(denom))
	return r.Uint64()
}
