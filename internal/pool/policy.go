package pool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BuyInsurance pulls the current premium from buyer and appends a policy
// snapshotting the current coverage and duration. The buyer must have
// approved the pool for at least the premium.
func (p *Pool) BuyInsurance(ctx context.Context, buyer common.Address) (uint64, Policy, error) {
	ctx, unlock, err := p.enter(ctx)
	if err != nil {
		return 0, Policy{}, err
	}
	defer unlock()

	params := p.params
	if err := p.asset.TransferFrom(ctx, p.address, buyer, p.address, params.PremiumAmount); err != nil {
		return 0, Policy{}, fmt.Errorf("premium transfer: %w", err)
	}

	now := p.now()
	pol := Policy{
		User:           buyer,
		Premium:        params.PremiumAmount,
		CoverageAmount: params.CoverageAmount,
		PurchaseTime:   now,
		ExpiryTime:     now.Add(params.CoverageDuration),
		Active:         true,
	}
	id := uint64(len(p.policies[buyer]))
	p.policies[buyer] = append(p.policies[buyer], pol)

	p.emit(PolicyPurchased{
		User:       buyer,
		PolicyID:   id,
		Premium:    pol.Premium,
		Coverage:   pol.CoverageAmount,
		ExpiryTime: pol.ExpiryTime,
	})
	return id, pol, nil
}

// ExecutePayout pays a policy's coverage from the pool to its holder.
// Oracle only. Preconditions are checked in a fixed order, each with its own
// error: index, active flag, expiry (inclusive), pool balance.
func (p *Pool) ExecutePayout(ctx context.Context, caller, user common.Address, policyID uint64, evidence string) error {
	ctx, unlock, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if caller != p.oracle {
		return ErrNotOracle
	}
	list := p.policies[user]
	if policyID >= uint64(len(list)) {
		return ErrInvalidPolicyID
	}
	pol := &list[policyID]
	if !pol.Active {
		return ErrPolicyNotActive
	}
	if pol.ExpiredAt(p.now()) {
		return ErrPolicyExpired
	}
	if p.asset.BalanceOf(ctx, p.address) < pol.CoverageAmount {
		return ErrInsufficientPoolBalance
	}

	pol.Active, pol.Claimed = false, true
	if err := p.asset.Transfer(ctx, p.address, user, pol.CoverageAmount); err != nil {
		pol.Active, pol.Claimed = true, false
		return fmt.Errorf("coverage transfer: %w", err)
	}

	p.emit(PayoutExecuted{
		User:     user,
		PolicyID: policyID,
		Amount:   pol.CoverageAmount,
		Evidence: evidence,
	})
	return nil
}

// FundPool pulls amount from funder into the pool. Anyone may fund.
func (p *Pool) FundPool(ctx context.Context, funder common.Address, amount uint64) error {
	ctx, unlock, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.asset.TransferFrom(ctx, p.address, funder, p.address, amount); err != nil {
		return fmt.Errorf("funding transfer: %w", err)
	}
	p.emit(PoolFunded{Funder: funder, Amount: amount})
	return nil
}

func (p *Pool) UserPoliciesCount(ctx context.Context, user common.Address) uint64 {
	defer p.readLock(ctx)()
	return uint64(len(p.policies[user]))
}

func (p *Pool) Policy(ctx context.Context, user common.Address, policyID uint64) (Policy, error) {
	defer p.readLock(ctx)()
	list := p.policies[user]
	if policyID >= uint64(len(list)) {
		return Policy{}, ErrInvalidPolicyID
	}
	return list[policyID], nil
}

// UserPolicies returns a copy of the user's policies in purchase order.
func (p *Pool) UserPolicies(ctx context.Context, user common.Address) []Policy {
	defer p.readLock(ctx)()
	list := p.policies[user]
	out := make([]Policy, len(list))
	copy(out, list)
	return out
}

// HasActivePolicy is recomputed against the clock on every call; stored
// flags of expired policies are left untouched.
func (p *Pool) HasActivePolicy(ctx context.Context, user common.Address) bool {
	defer p.readLock(ctx)()
	now := p.now()
	for _, pol := range p.policies[user] {
		if pol.LiveAt(now) {
			return true
		}
	}
	return false
}

// PolicyHolders lists every address with at least one policy.
func (p *Pool) PolicyHolders(ctx context.Context) []common.Address {
	defer p.readLock(ctx)()
	out := make([]common.Address, 0, len(p.policies))
	for addr := range p.policies {
		out = append(out, addr)
	}
	return out
}
