package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// StateLayoutVersion is the storage layout of State. Fields are only ever
// appended; existing JSON names never change.
const StateLayoutVersion = 1

// State is the persisted ledger. It is what survives an upgrade.
type State struct {
	LayoutVersion  int                         `json:"layout_version"`
	Implementation string                      `json:"implementation"`
	Address        common.Address              `json:"address"`
	Asset          common.Address              `json:"asset"`
	Owner          common.Address              `json:"owner"`
	Oracle         common.Address              `json:"oracle"`
	Params         Params                      `json:"params"`
	Policies       map[common.Address][]Policy `json:"policies"`
	Seq            uint64                      `json:"seq"`
}

// Snapshot copies the full ledger state under the read lock.
func (p *Pool) Snapshot() State {
	return p.SnapshotWith(nil)
}

// SnapshotWith runs capture while the read lock is held, so no ledger call
// can move asset balances between the ledger copy and whatever capture
// reads.
func (p *Pool) SnapshotWith(capture func()) State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if capture != nil {
		capture()
	}
	st := State{
		LayoutVersion:  StateLayoutVersion,
		Implementation: p.impl,
		Address:        p.address,
		Asset:          p.asset.Address(),
		Owner:          p.owner,
		Oracle:         p.oracle,
		Params:         p.params,
		Policies:       make(map[common.Address][]Policy, len(p.policies)),
		Seq:            p.seq,
	}
	for addr, list := range p.policies {
		cp := make([]Policy, len(list))
		copy(cp, list)
		st.Policies[addr] = cp
	}
	return st
}

// Restore rebuilds a pool over asset from persisted state. The asset must be
// the one the state was written against.
func Restore(st State, asset Asset, opts ...Option) (*Pool, error) {
	if st.LayoutVersion == 0 || st.LayoutVersion > StateLayoutVersion {
		return nil, fmt.Errorf("pool: unsupported state layout %d", st.LayoutVersion)
	}
	if asset.Address() != st.Asset {
		return nil, fmt.Errorf("pool: state bound to asset %s, got %s", st.Asset.Hex(), asset.Address().Hex())
	}
	p := New(st.Address, asset, st.Owner, opts...)
	p.oracle = st.Oracle
	p.params = st.Params
	p.seq = st.Seq
	if st.Implementation != "" {
		p.impl = st.Implementation
	}
	for addr, list := range st.Policies {
		for i, pol := range list {
			if pol.Claimed && pol.Active {
				return nil, fmt.Errorf("pool: policy %s/%d is both claimed and active", addr.Hex(), i)
			}
		}
		cp := make([]Policy, len(list))
		copy(cp, list)
		p.policies[addr] = cp
	}
	return p, nil
}

// Upgrade stamps a new implementation version onto stored state. Policies
// and roles pass through untouched.
func Upgrade(st State, implementation string) (State, error) {
	if st.LayoutVersion == 0 || st.LayoutVersion > StateLayoutVersion {
		return State{}, fmt.Errorf("pool: unsupported state layout %d", st.LayoutVersion)
	}
	if implementation == "" {
		return State{}, fmt.Errorf("pool: empty implementation version")
	}
	st.Implementation = implementation
	return st, nil
}
