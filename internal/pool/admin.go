package pool

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// onlyOwner must be called with the write lock held. A renounced pool has
// the zero owner and rejects everyone.
func (p *Pool) onlyOwner(caller common.Address) error {
	if p.owner == (common.Address{}) || caller != p.owner {
		return ErrNotOwner
	}
	return nil
}

// SetOracle replaces the oracle unconditionally.
func (p *Pool) SetOracle(ctx context.Context, caller, oracle common.Address) error {
	_, unlock, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	p.oracle = oracle
	p.emit(OracleUpdated{NewOracle: oracle})
	return nil
}

// SetPolicyParams overwrites all three parameters. No bounds are enforced and
// existing policies keep their snapshot.
func (p *Pool) SetPolicyParams(ctx context.Context, caller common.Address, params Params) error {
	_, unlock, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	p.params = params
	p.emit(PolicyParamsUpdated{Params: params})
	return nil
}

func (p *Pool) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	_, unlock, err := p.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.onlyOwner(caller); err != nil {
		return err
	}
	prev := p.owner
	p.owner = newOwner
	p.emit(OwnershipTransferred{PreviousOwner: prev, NewOwner: newOwner})
	return nil
}

// RenounceOwnership leaves the pool without an owner. Owner-only calls fail
// from then on; the oracle keeps working.
func (p *Pool) RenounceOwnership(ctx context.Context, caller common.Address) error {
	return p.TransferOwnership(ctx, caller, common.Address{})
}
