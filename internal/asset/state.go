package asset

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
)

// StateLayoutVersion identifies the on-disk shape of State. Bump only with a
// migration in Restore.
const StateLayoutVersion = 1

// State is the persisted form of a Token. Field names are part of the storage
// layout and must not change between releases.
type State struct {
	LayoutVersion int                                          `json:"layout_version"`
	Address       common.Address                               `json:"address"`
	Name          string                                       `json:"name"`
	Symbol        string                                       `json:"symbol"`
	TotalSupply   uint64                                       `json:"total_supply"`
	Balances      map[common.Address]uint64                    `json:"balances"`
	Allowances    map[common.Address]map[common.Address]uint64 `json:"allowances"`
}

// Snapshot returns a deep copy of the token state.
func (t *Token) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := State{
		LayoutVersion: StateLayoutVersion,
		Address:       t.address,
		Name:          t.name,
		Symbol:        t.symbol,
		TotalSupply:   t.supply,
		Balances:      make(map[common.Address]uint64, len(t.balances)),
		Allowances:    make(map[common.Address]map[common.Address]uint64, len(t.allowances)),
	}
	for k, v := range t.balances {
		if v != 0 {
			st.Balances[k] = v
		}
	}
	for owner, m := range t.allowances {
		cp := make(map[common.Address]uint64, len(m))
		for spender, v := range m {
			if v != 0 {
				cp[spender] = v
			}
		}
		if len(cp) > 0 {
			st.Allowances[owner] = cp
		}
	}
	return st
}

// Restore builds a token from a persisted state.
func Restore(st State, opts ...Option) (*Token, error) {
	if st.LayoutVersion == 0 || st.LayoutVersion > StateLayoutVersion {
		return nil, fmt.Errorf("asset: unsupported state layout %d", st.LayoutVersion)
	}
	t := NewToken(st.Address, append([]Option{WithName(st.Name, st.Symbol)}, opts...)...)
	var sum uint64
	for k, v := range st.Balances {
		if v > math.MaxUint64-sum {
			return nil, ErrOverflow
		}
		sum += v
		t.balances[k] = v
	}
	if sum != st.TotalSupply {
		return nil, fmt.Errorf("asset: balances sum %d != total supply %d", sum, st.TotalSupply)
	}
	t.supply = st.TotalSupply
	for owner, m := range st.Allowances {
		cp := make(map[common.Address]uint64, len(m))
		for spender, v := range m {
			cp[spender] = v
		}
		t.allowances[owner] = cp
	}
	return t, nil
}
