package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	userA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	userB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	token = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func candleAt(min int, close float64) *Candle {
	return &Candle{
		Timestamp: time.Date(2021, 5, 19, 0, min, 0, 0, time.UTC),
		Symbol:    "BTCUSDT",
		Open:      close, High: close + 10, Low: close - 10, Close: close,
	}
}

func TestCandleUpsertAndOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i, c := range []float64{100, 200, 300} {
		if err := m.UpsertCandle(ctx, candleAt(i, c)); err != nil {
			t.Fatal(err)
		}
	}
	dup := candleAt(1, 250)
	_ = m.UpsertCandle(ctx, dup)
	if dup.ID != 2 {
		t.Fatalf("upsert assigned new id %d", dup.ID)
	}

	all, _ := m.Candles(ctx, "BTCUSDT", 0)
	if len(all) != 3 || all[0].Close != 100 || all[1].Close != 250 {
		t.Fatalf("ascending list: %+v", all)
	}
	latest, _ := m.Candles(ctx, "BTCUSDT", 2)
	if len(latest) != 2 || latest[0].Close != 300 {
		t.Fatalf("latest list: %+v", latest)
	}
	if c, err := m.LatestCandle(ctx, "BTCUSDT"); err != nil || c.Close != 300 {
		t.Fatalf("latest = %+v, %v", c, err)
	}
	if _, err := m.LatestCandle(ctx, "ETHUSDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpikeOncePerCandle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c := candleAt(0, 100)
	_ = m.UpsertCandle(ctx, c)

	s1 := &Spike{PriceID: c.ID, Symbol: "BTCUSDT", Timestamp: c.Timestamp}
	s2 := &Spike{PriceID: c.ID, Symbol: "BTCUSDT", Timestamp: c.Timestamp}
	_ = m.InsertSpike(ctx, s1)
	_ = m.InsertSpike(ctx, s2)
	if s1.ID != s2.ID {
		t.Fatalf("duplicate spike ids %d %d", s1.ID, s2.ID)
	}
	spikes, _ := m.RecentSpikes(ctx, 10)
	if len(spikes) != 1 || spikes[0].High != 110 {
		t.Fatalf("spikes: %+v", spikes)
	}

	_ = m.ResetMarketData(ctx)
	st, _ := m.Stats(ctx, time.Now())
	if st.TotalPrices != 0 || st.TotalSpikes != 0 {
		t.Fatalf("reset left data: %+v", st)
	}
}

func TestPolicyMirror(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = m.UpsertPolicy(ctx, PolicyRow{UserAddress: userA, PolicyIndex: 0, Status: StatusActive, PurchaseTime: now, ExpiryTime: now.Add(time.Hour)})
	_ = m.UpsertPolicy(ctx, PolicyRow{UserAddress: userA, PolicyIndex: 1, Status: StatusActive, PurchaseTime: now, ExpiryTime: now.Add(-time.Minute)})
	_ = m.UpsertPolicy(ctx, PolicyRow{UserAddress: userB, PolicyIndex: 0, Status: StatusActive, PurchaseTime: now.Add(time.Second), ExpiryTime: now.Add(time.Hour)})

	active, _ := m.ActivePolicies(ctx, now)
	if len(active) != 2 || active[0].UserAddress != userA {
		t.Fatalf("active: %+v", active)
	}
	if err := m.SetPolicyStatus(ctx, userA, 0, StatusClaimed); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPolicyStatus(ctx, userA, 9, StatusClaimed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rows, _ := m.PoliciesForUser(ctx, userA)
	if len(rows) != 2 || rows[0].PolicyIndex != 1 || rows[1].Status != StatusClaimed {
		t.Fatalf("rows: %+v", rows)
	}
	users, _ := m.PolicyUsers(ctx)
	if len(users) != 2 {
		t.Fatalf("users: %v", users)
	}
	st, _ := m.Stats(ctx, now)
	if st.TotalPolicies != 3 || st.ActivePolicies != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPayoutsFilterAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		u := userA
		if i%2 == 1 {
			u = userB
		}
		_ = m.InsertPayout(ctx, Payout{ID: string(rune('a' + i)), UserAddress: u, PolicyIndex: uint64(i)})
	}
	all, _ := m.RecentPayouts(ctx, 2, nil)
	if len(all) != 2 || all[0].ID != "e" {
		t.Fatalf("recent: %+v", all)
	}
	onlyB, _ := m.RecentPayouts(ctx, 50, &userB)
	if len(onlyB) != 2 || onlyB[0].ID != "d" {
		t.Fatalf("filtered: %+v", onlyB)
	}
}

func TestBalanceAndState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.Balance(ctx, token, userA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = m.UpsertBalance(ctx, Balance{TokenAddress: token, UserAddress: userA, Balance: 42})
	b, err := m.Balance(ctx, token, userA)
	if err != nil || b.Balance != 42 || b.LastUpdated.IsZero() {
		t.Fatalf("balance = %+v, %v", b, err)
	}

	buf := []byte(`{"k":1}`)
	_ = m.SaveStates(ctx, map[string][]byte{"pool/v1": buf}, nil)
	buf[0] = 'x'
	got, err := m.LoadState(ctx, "pool/v1")
	if err != nil || string(got) != `{"k":1}` {
		t.Fatalf("state = %s, %v", got, err)
	}
	if _, err := m.LoadState(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveStatesGuardRejectsWholeBatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SaveStates(ctx, map[string][]byte{"meta": []byte(`1`), "pool/v1": []byte(`old`)}, nil)

	errStale := errors.New("stale")
	guard := &StateGuard{Key: "meta", Check: func(current []byte) error {
		if string(current) != "1" {
			t.Errorf("guard saw %q", current)
		}
		return errStale
	}}
	err := m.SaveStates(ctx, map[string][]byte{"meta": []byte(`2`), "pool/v1": []byte(`new`)}, guard)
	if !errors.Is(err, errStale) {
		t.Fatalf("expected guard error, got %v", err)
	}
	got, _ := m.LoadState(ctx, "pool/v1")
	if string(got) != "old" {
		t.Fatalf("batch partially applied: %s", got)
	}
}

func TestConcurrentCandleWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.UpsertCandle(ctx, candleAt(i, float64(i)))
		}(i)
	}
	wg.Wait()
	all, _ := m.Candles(ctx, "BTCUSDT", 0)
	if len(all) != 50 {
		t.Fatalf("got %d candles", len(all))
	}
}

func TestStatusFor(t *testing.T) {
	if StatusFor(true, false) != StatusActive || StatusFor(false, true) != StatusClaimed || StatusFor(false, false) != StatusInactive {
		t.Fatal("status mapping")
	}
}
