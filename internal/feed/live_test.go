package feed

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/store"
)

var feedAddr = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")

// chainCaller answers aggregator calls with ABI-encoded values.
type chainCaller struct {
	decimals uint8
	round    int64
	answer   *big.Int
	updated  int64
}

func (c *chainCaller) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *chainCaller) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	parsed, err := parsedAggregatorABI()
	if err != nil {
		return nil, err
	}
	if call.To == nil || *call.To != feedAddr {
		return nil, errors.New("wrong contract")
	}
	switch {
	case bytes.HasPrefix(call.Data, parsed.Methods["decimals"].ID):
		return parsed.Methods["decimals"].Outputs.Pack(c.decimals)
	case bytes.HasPrefix(call.Data, parsed.Methods["latestRoundData"].ID):
		return parsed.Methods["latestRoundData"].Outputs.Pack(
			big.NewInt(c.round), c.answer, big.NewInt(c.updated-5), big.NewInt(c.updated), big.NewInt(c.round))
	}
	return nil, errors.New("unknown method")
}

func TestAggregatorDecodesRound(t *testing.T) {
	caller := &chainCaller{decimals: 8, round: 42, answer: big.NewInt(3_945_028_000_000), updated: 1621429200}
	agg, err := NewAggregator(feedAddr, caller)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	d, err := agg.Decimals(ctx)
	if err != nil || d != 8 {
		t.Fatalf("Decimals = %d, %v", d, err)
	}
	r, err := agg.LatestRound(ctx)
	if err != nil {
		t.Fatalf("LatestRound: %v", err)
	}
	if r.ID.Int64() != 42 || r.Answer.Cmp(caller.answer) != 0 {
		t.Fatalf("round = %+v", r)
	}
	if !r.UpdatedAt.Equal(time.Date(2021, 5, 19, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("updated = %s", r.UpdatedAt)
	}
}

// scriptedRounds returns rounds in order and repeats the last one.
type scriptedRounds struct {
	decimals uint8
	rounds   []Round
	next     int
	err      error
}

func (s *scriptedRounds) Decimals(ctx context.Context) (uint8, error) { return s.decimals, nil }

func (s *scriptedRounds) LatestRound(ctx context.Context) (Round, error) {
	if s.err != nil {
		return Round{}, s.err
	}
	r := s.rounds[s.next]
	if s.next < len(s.rounds)-1 {
		s.next++
	}
	return r, nil
}

func round(id int64, answer int64, at time.Time) Round {
	return Round{ID: big.NewInt(id), Answer: big.NewInt(answer), UpdatedAt: at}
}

func TestLiveFoldsRoundsIntoBars(t *testing.T) {
	base := time.Date(2021, 5, 19, 13, 0, 0, 0, time.UTC)
	src := &scriptedRounds{decimals: 2, rounds: []Round{
		round(1, 4_000_000, base.Add(5*time.Second)),
		round(2, 3_500_000, base.Add(20*time.Second)),
		round(3, 3_900_000, base.Add(50*time.Second)),
		round(4, 3_950_000, base.Add(70*time.Second)),
	}}
	mem := store.NewMemory()
	live := NewLive(src, "BTCUSDT", time.Minute, mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, fresh, err := live.Poll(ctx); err != nil || !fresh {
			t.Fatalf("poll %d: fresh=%v err=%v", i, fresh, err)
		}
	}
	bar, err := mem.LatestCandle(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !bar.Timestamp.Equal(base) || bar.Open != 40000 || bar.High != 40000 || bar.Low != 35000 || bar.Close != 39000 {
		t.Fatalf("bar = %+v", bar)
	}

	c, fresh, err := live.Poll(ctx)
	if err != nil || !fresh || !c.Timestamp.Equal(base.Add(time.Minute)) || c.Open != 39500 {
		t.Fatalf("next bar = %+v, %v, %v", c, fresh, err)
	}
	if _, fresh, _ := live.Poll(ctx); fresh {
		t.Fatal("repeated round stored twice")
	}
	all, _ := mem.Candles(ctx, "BTCUSDT", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(all))
	}
}

func TestLiveRejectsBadAnswers(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	src := &scriptedRounds{decimals: 8, rounds: []Round{round(1, 0, time.Now())}}
	if _, _, err := NewLive(src, "BTCUSDT", time.Minute, mem).Poll(ctx); err == nil {
		t.Fatal("expected error for zero answer")
	}

	down := &scriptedRounds{decimals: 8, err: errors.New("rpc down")}
	if _, _, err := NewLive(down, "BTCUSDT", time.Minute, mem).Poll(ctx); err == nil {
		t.Fatal("expected rpc error")
	}
	if _, err := mem.LatestCandle(ctx, "BTCUSDT"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("nothing should be stored, got %v", err)
	}
}
