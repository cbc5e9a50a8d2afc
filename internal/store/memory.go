package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type policyKey struct {
	user  common.Address
	index uint64
}

type balanceKey struct {
	token common.Address
	user  common.Address
}

type candleKey struct {
	ts     int64
	symbol string
}

// Memory is an in-process Store used when no DSN is configured and in tests.
type Memory struct {
	mu sync.RWMutex

	candleSeq int64
	candles   map[int64]Candle
	candleIdx map[candleKey]int64

	spikeSeq     int64
	spikes       map[int64]Spike
	spikeByPrice map[int64]int64

	policies map[policyKey]PolicyRow
	payouts  []Payout
	balances map[balanceKey]Balance
	state    map[string][]byte

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		candles:      make(map[int64]Candle),
		candleIdx:    make(map[candleKey]int64),
		spikes:       make(map[int64]Spike),
		spikeByPrice: make(map[int64]int64),
		policies:     make(map[policyKey]PolicyRow),
		balances:     make(map[balanceKey]Balance),
		state:        make(map[string][]byte),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) UpsertCandle(ctx context.Context, c *Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := candleKey{ts: c.Timestamp.UnixNano(), symbol: c.Symbol}
	id, ok := m.candleIdx[k]
	if !ok {
		m.candleSeq++
		id = m.candleSeq
		m.candleIdx[k] = id
	}
	c.ID = id
	m.candles[id] = *c
	return nil
}

func (m *Memory) LatestCandle(ctx context.Context, symbol string) (Candle, error) {
	list, _ := m.Candles(ctx, symbol, 1)
	if len(list) == 0 {
		return Candle{}, ErrNotFound
	}
	return list[0], nil
}

func (m *Memory) Candles(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	m.mu.RLock()
	var out []Candle
	for _, c := range m.candles {
		if c.Symbol == symbol {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit <= 0 {
		return out, nil
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ResetMarketData(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spikes = make(map[int64]Spike)
	m.spikeByPrice = make(map[int64]int64)
	m.candles = make(map[int64]Candle)
	m.candleIdx = make(map[candleKey]int64)
	return nil
}

func (m *Memory) InsertSpike(ctx context.Context, s *Spike) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.spikeByPrice[s.PriceID]; ok {
		s.ID = id
		return nil
	}
	m.spikeSeq++
	s.ID = m.spikeSeq
	if s.DetectedAt.IsZero() {
		s.DetectedAt = m.now()
	}
	m.spikes[s.ID] = *s
	m.spikeByPrice[s.PriceID] = s.ID
	return nil
}

func (m *Memory) RecentSpikes(ctx context.Context, limit int) ([]Spike, error) {
	m.mu.RLock()
	out := make([]Spike, 0, len(m.spikes))
	for _, s := range m.spikes {
		if c, ok := m.candles[s.PriceID]; ok {
			s.Open, s.High, s.Low, s.Close = c.Open, c.High, c.Low, c.Close
		}
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertPolicy(ctx context.Context, p PolicyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = m.now()
	m.policies[policyKey{p.UserAddress, p.PolicyIndex}] = p
	return nil
}

func (m *Memory) SetPolicyStatus(ctx context.Context, user common.Address, index uint64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := policyKey{user, index}
	p, ok := m.policies[k]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = m.now()
	m.policies[k] = p
	return nil
}

func (m *Memory) PoliciesForUser(ctx context.Context, user common.Address) ([]PolicyRow, error) {
	m.mu.RLock()
	var out []PolicyRow
	for k, p := range m.policies {
		if k.user == user {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyIndex > out[j].PolicyIndex })
	return out, nil
}

func (m *Memory) ActivePolicies(ctx context.Context, now time.Time) ([]PolicyRow, error) {
	m.mu.RLock()
	var out []PolicyRow
	for _, p := range m.policies {
		if p.Status == StatusActive && !p.ExpiryTime.Before(now) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchaseTime.Equal(out[j].PurchaseTime) {
			return out[i].PolicyIndex < out[j].PolicyIndex
		}
		return out[i].PurchaseTime.Before(out[j].PurchaseTime)
	})
	return out, nil
}

func (m *Memory) PolicyUsers(ctx context.Context) ([]common.Address, error) {
	m.mu.RLock()
	seen := make(map[common.Address]struct{})
	for k := range m.policies {
		seen[k.user] = struct{}{}
	}
	m.mu.RUnlock()
	out := make([]common.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

func (m *Memory) InsertPayout(ctx context.Context, p Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ExecutedAt.IsZero() {
		p.ExecutedAt = m.now()
	}
	m.payouts = append(m.payouts, p)
	return nil
}

func (m *Memory) RecentPayouts(ctx context.Context, limit int, user *common.Address) ([]Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payout
	for i := len(m.payouts) - 1; i >= 0; i-- {
		p := m.payouts[i]
		if user != nil && p.UserAddress != *user {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpsertBalance(ctx context.Context, b Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.LastUpdated = m.now()
	m.balances[balanceKey{b.TokenAddress, b.UserAddress}] = b
	return nil
}

func (m *Memory) Balance(ctx context.Context, token, user common.Address) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[balanceKey{token, user}]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) Balances(ctx context.Context) ([]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Balance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, now time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		TotalSpikes:   len(m.spikes),
		TotalPayouts:  len(m.payouts),
		TotalPolicies: len(m.policies),
		TotalPrices:   len(m.candles),
	}
	for _, p := range m.policies {
		if p.Status == StatusActive && !p.ExpiryTime.Before(now) {
			st.ActivePolicies++
		}
	}
	return st, nil
}

func (m *Memory) SaveStates(ctx context.Context, docs map[string][]byte, guard *StateGuard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if guard != nil && guard.Check != nil {
		if err := guard.Check(m.state[guard.Key]); err != nil {
			return err
		}
	}
	for key, value := range docs {
		cp := make([]byte, len(value))
		copy(cp, value)
		m.state[key] = cp
	}
	return nil
}

func (m *Memory) LoadState(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}
