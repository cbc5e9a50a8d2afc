package feed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/store"
)

// aggregatorABI is the read-only part of a Chainlink AggregatorV3Interface.
const aggregatorABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = sync.OnceValues(func() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(aggregatorABI))
})

// Round is one aggregator answer.
type Round struct {
	ID        *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// RoundSource reads the latest answer of a price feed.
type RoundSource interface {
	Decimals(ctx context.Context) (uint8, error)
	LatestRound(ctx context.Context) (Round, error)
}

// Aggregator reads a Chainlink price feed contract.
type Aggregator struct {
	contract *bind.BoundContract
	close    func()
}

// NewAggregator binds the feed at addr through caller.
func NewAggregator(addr common.Address, caller bind.ContractCaller) (*Aggregator, error) {
	parsed, err := parsedAggregatorABI()
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	return &Aggregator{contract: bind.NewBoundContract(addr, parsed, caller, nil, nil)}, nil
}

// DialAggregator connects to rpcURL and binds the feed at addr.
func DialAggregator(ctx context.Context, rpcURL string, addr common.Address) (*Aggregator, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	a, err := NewAggregator(addr, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.close = client.Close
	return a, nil
}

func (a *Aggregator) Close() {
	if a.close != nil {
		a.close()
	}
}

func (a *Aggregator) Decimals(ctx context.Context) (uint8, error) {
	var out []any
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals: unexpected %d outputs", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", out[0])
	}
	return d, nil
}

func (a *Aggregator) LatestRound(ctx context.Context) (Round, error) {
	var out []any
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Round{}, fmt.Errorf("latestRoundData: %w", err)
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("latestRoundData: unexpected %d outputs", len(out))
	}
	id, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updated, ok3 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return Round{}, fmt.Errorf("latestRoundData: unexpected output types %T %T %T", out[0], out[1], out[3])
	}
	return Round{ID: id, Answer: answer, UpdatedAt: time.Unix(updated.Int64(), 0).UTC()}, nil
}

// Live polls a price feed and folds each new answer into a bar of width
// bar, upserting the bar so the detector sees a growing OHLC range.
type Live struct {
	src    RoundSource
	symbol string
	bar    time.Duration
	sink   Sink
	log    zerolog.Logger

	decimals  int32
	haveDec   bool
	lastRound *big.Int
	current   store.Candle
}

func NewLive(src RoundSource, symbol string, bar time.Duration, sink Sink) *Live {
	if bar <= 0 {
		bar = time.Minute
	}
	return &Live{src: src, symbol: symbol, bar: bar, sink: sink, log: obs.Component("feed")}
}

// Poll reads the latest round and stores it. It reports false when the
// round was already seen. Not safe for concurrent use.
func (l *Live) Poll(ctx context.Context) (store.Candle, bool, error) {
	if !l.haveDec {
		d, err := l.src.Decimals(ctx)
		if err != nil {
			return store.Candle{}, false, err
		}
		l.decimals, l.haveDec = int32(d), true
	}
	r, err := l.src.LatestRound(ctx)
	if err != nil {
		return store.Candle{}, false, err
	}
	if l.lastRound != nil && r.ID.Cmp(l.lastRound) == 0 {
		return store.Candle{}, false, nil
	}
	if r.Answer.Sign() <= 0 {
		return store.Candle{}, false, fmt.Errorf("round %s: non-positive answer %s", r.ID, r.Answer)
	}
	price, _ := decimal.NewFromBigInt(r.Answer, -l.decimals).Float64()

	start := r.UpdatedAt.Truncate(l.bar)
	if l.current.Timestamp.Equal(start) && l.current.Symbol != "" {
		l.current.High = max(l.current.High, price)
		l.current.Low = min(l.current.Low, price)
		l.current.Close = price
	} else {
		l.current = store.Candle{
			Timestamp: start,
			Symbol:    l.symbol,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
	}
	c := l.current
	if err := l.sink.UpsertCandle(ctx, &c); err != nil {
		return store.Candle{}, false, fmt.Errorf("store price: %w", err)
	}
	l.current.ID = c.ID
	l.lastRound = r.ID
	return c, true, nil
}

// Run polls every interval until ctx ends. Errors are logged.
func (l *Live) Run(ctx context.Context, interval time.Duration) {
	l.log.Info().Str("symbol", l.symbol).Dur("interval", interval).Dur("bar", l.bar).Msg("live feed started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		l.pollOnce(ctx)
		select {
		case <-ctx.Done():
			l.log.Info().Msg("live feed stopped")
			return
		case <-ticker.C:
		}
	}
}

func (l *Live) pollOnce(ctx context.Context) {
	c, fresh, err := l.Poll(ctx)
	switch {
	case err != nil:
		l.log.Error().Err(err).Msg("fetch price failed")
	case fresh:
		l.log.Debug().Float64("close", c.Close).Time("bar", c.Timestamp).Msg("price stored")
	}
}
