package pool

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Policy is one purchased coverage instance. Everything except Active and
// Claimed is fixed at purchase; those two flip together, once, on payout.
type Policy struct {
	User           common.Address `json:"user"`
	Premium        uint64         `json:"premium"`
	CoverageAmount uint64         `json:"coverage_amount"`
	PurchaseTime   time.Time      `json:"purchase_time"`
	ExpiryTime     time.Time      `json:"expiry_time"`
	Active         bool           `json:"active"`
	Claimed        bool           `json:"claimed"`
}

// ExpiredAt reports whether the policy is past its window at t. The window
// end itself is still inside coverage.
func (p Policy) ExpiredAt(t time.Time) bool { return t.After(p.ExpiryTime) }

// LiveAt is the query-time view used by HasActivePolicy: stored active flag
// and an expiry strictly in the future.
func (p Policy) LiveAt(t time.Time) bool { return p.Active && p.ExpiryTime.After(t) }

// Params are the policy economics applied to new purchases.
type Params struct {
	PremiumAmount    uint64        `json:"premium_amount"`
	CoverageAmount   uint64        `json:"coverage_amount"`
	CoverageDuration time.Duration `json:"coverage_duration"`
}

// DefaultParams: 10 units premium, 100 units coverage, 24h.
func DefaultParams() Params {
	return Params{
		PremiumAmount:    10_000_000,
		CoverageAmount:   100_000_000,
		CoverageDuration: 24 * time.Hour,
	}
}

// Asset is the settlement-asset capability the pool consumes. The pool never
// mints or burns. Transfers run while the pool's write lock is held and
// receive the marked call context; anything they call back into the pool
// must carry that same context.
type Asset interface {
	Address() common.Address
	BalanceOf(ctx context.Context, owner common.Address) uint64
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount uint64) error
}

// Publisher receives committed records in commit order. Publish must not
// block and must not call back into the pool.
type Publisher interface {
	Publish(Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Record)

func (f PublisherFunc) Publish(r Record) { f(r) }
