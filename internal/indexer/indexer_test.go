package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
	"spikeshield.io/internal/stream"
)

var (
	deployer  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolAddr  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

const unit = 1_000_000

type env struct {
	ctx   context.Context
	token *asset.Token
	pool  *pool.Pool
	mem   *store.Memory
	ix    *Indexer
	st    *stream.Stream
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{ctx: context.Background(), mem: store.NewMemory(), st: stream.New()}
	e.token = asset.NewToken(tokenAddr, asset.WithTransferHook(func(ctx context.Context, from, to common.Address, amount uint64) {
		if e.ix != nil {
			e.ix.TrackTransfer(ctx, from, to, amount)
		}
	}))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	e.pool = pool.New(poolAddr, e.token, deployer, pool.WithClock(func() time.Time { return now }), pool.WithPublisher(e.st))
	e.ix = New(e.pool, e.token, e.mem)
	return e
}

func (e *env) buy(t *testing.T, user common.Address) {
	t.Helper()
	_ = e.token.Mint(e.ctx, user, 10*unit)
	_ = e.token.Approve(e.ctx, user, poolAddr, 10*unit)
	if _, _, err := e.pool.BuyInsurance(e.ctx, user); err != nil {
		t.Fatalf("BuyInsurance: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHandleMirrorsPurchaseAndPayout(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	go e.ix.Run(ctx, e.st.Subscribe(ctx), 0)
	waitFor(t, func() bool { return e.st.Subscribers() == 1 })

	_ = e.token.Mint(e.ctx, deployer, 500*unit)
	_ = e.token.Approve(e.ctx, deployer, poolAddr, 500*unit)
	if err := e.pool.FundPool(e.ctx, deployer, 500*unit); err != nil {
		t.Fatal(err)
	}
	e.buy(t, alice)

	waitFor(t, func() bool {
		rows, _ := e.mem.PoliciesForUser(e.ctx, alice)
		return len(rows) == 1 && rows[0].Status == store.StatusActive
	})
	rows, _ := e.mem.PoliciesForUser(e.ctx, alice)
	if rows[0].CoverageAmount != 100*unit || rows[0].Premium != 10*unit {
		t.Fatalf("row = %+v", rows[0])
	}

	if err := e.pool.ExecutePayout(e.ctx, deployer, alice, 0, "manual"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		rows, _ := e.mem.PoliciesForUser(e.ctx, alice)
		b, err := e.mem.Balance(e.ctx, tokenAddr, alice)
		return rows[0].Status == store.StatusClaimed && err == nil && b.Balance == 100*unit
	})
}

func TestSyncUserBackfills(t *testing.T) {
	e := newEnv(t)
	e.buy(t, alice)
	e.buy(t, alice)
	_ = e.token.Mint(e.ctx, deployer, 500*unit)
	_ = e.token.Approve(e.ctx, deployer, poolAddr, 500*unit)
	_ = e.pool.FundPool(e.ctx, deployer, 500*unit)
	_ = e.pool.ExecutePayout(e.ctx, deployer, alice, 1, "manual")

	if err := e.ix.SyncUser(e.ctx, alice); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.mem.PoliciesForUser(e.ctx, alice)
	if len(rows) != 2 || rows[0].Status != store.StatusClaimed || rows[1].Status != store.StatusActive {
		t.Fatalf("rows = %+v", rows)
	}
	b, err := e.mem.Balance(e.ctx, tokenAddr, alice)
	if err != nil || b.Balance != 100*unit {
		t.Fatalf("balance = %+v, %v", b, err)
	}
}

func TestFullSyncRepairsDroppedRecords(t *testing.T) {
	e := newEnv(t)
	e.buy(t, alice)
	stranger := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	_ = e.mem.UpsertBalance(e.ctx, store.Balance{TokenAddress: tokenAddr, UserAddress: stranger, Balance: 999})

	if err := e.ix.FullSync(e.ctx); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.mem.PoliciesForUser(e.ctx, alice)
	if len(rows) != 1 {
		t.Fatalf("policy not repaired: %+v", rows)
	}
	b, _ := e.mem.Balance(e.ctx, tokenAddr, stranger)
	if b.Balance != 0 {
		t.Fatalf("stale balance kept: %d", b.Balance)
	}
}

func TestTrackTransferNeverBlocks(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < dirtyBuffer*2; i++ {
		e.ix.TrackTransfer(e.ctx, alice, deployer, 1)
	}
	if len(e.ix.dirty) != dirtyBuffer {
		t.Fatalf("queued %d", len(e.ix.dirty))
	}
}
