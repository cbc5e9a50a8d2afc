package pool

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ImplementationVersion is stamped into persisted state on deploy and upgrade.
const ImplementationVersion = "1.0.0"

// Pool is the insurance ledger: per-user policy collections, role state and
// policy economics over a settlement asset. Every mutating call holds mu for
// its whole duration, so calls commit one at a time and in order.
type Pool struct {
	mu sync.RWMutex

	address common.Address
	asset   Asset
	owner   common.Address
	oracle  common.Address
	params  Params
	impl    string

	policies map[common.Address][]Policy
	seq      uint64

	now func() time.Time
	pub Publisher
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithPublisher installs the record sink.
func WithPublisher(pub Publisher) Option {
	return func(p *Pool) { p.pub = pub }
}

// WithParams overrides the deployment defaults.
func WithParams(params Params) Option {
	return func(p *Pool) { p.params = params }
}

// New deploys a pool at addr. The deployer becomes both owner and oracle.
func New(addr common.Address, asset Asset, deployer common.Address, opts ...Option) *Pool {
	p := &Pool{
		address:  addr,
		asset:    asset,
		owner:    deployer,
		oracle:   deployer,
		params:   DefaultParams(),
		impl:     ImplementationVersion,
		policies: make(map[common.Address][]Policy),
		now:      systemNow,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func systemNow() time.Time { return time.Now().UTC().Truncate(time.Second) }

type inFlightKey struct{}

// enter takes the write lock and returns a context marked as inside this
// pool. A call already carrying the mark is a reentrant call from an asset
// hook and is rejected without touching the lock.
func (p *Pool) enter(ctx context.Context) (context.Context, func(), error) {
	if p.entered(ctx) {
		return nil, nil, ErrReentrantCall
	}
	p.mu.Lock()
	return context.WithValue(ctx, inFlightKey{}, p), p.mu.Unlock, nil
}

func (p *Pool) entered(ctx context.Context) bool {
	owner, _ := ctx.Value(inFlightKey{}).(*Pool)
	return owner == p
}

// readLock is a no-op for queries issued from inside a mutating call on the
// same pool; the caller already holds the write lock.
func (p *Pool) readLock(ctx context.Context) func() {
	if p.entered(ctx) {
		return func() {}
	}
	p.mu.RLock()
	return p.mu.RUnlock
}

// emit must be called with the write lock held.
func (p *Pool) emit(ev Event) {
	p.seq++
	if p.pub == nil {
		return
	}
	p.pub.Publish(Record{Seq: p.seq, At: p.now(), Event: ev})
}

func (p *Pool) Address() common.Address      { return p.address }
func (p *Pool) AssetAddress() common.Address { return p.asset.Address() }

// Seq is the sequence number of the last committed record.
func (p *Pool) Seq(ctx context.Context) uint64 {
	defer p.readLock(ctx)()
	return p.seq
}

// Owner returns the zero address once ownership is renounced.
func (p *Pool) Owner(ctx context.Context) common.Address {
	defer p.readLock(ctx)()
	return p.owner
}

func (p *Pool) Oracle(ctx context.Context) common.Address {
	defer p.readLock(ctx)()
	return p.oracle
}

func (p *Pool) Params(ctx context.Context) Params {
	defer p.readLock(ctx)()
	return p.params
}

func (p *Pool) Implementation(ctx context.Context) string {
	defer p.readLock(ctx)()
	return p.impl
}

// PoolBalance is the asset balance held at the pool address.
func (p *Pool) PoolBalance(ctx context.Context) uint64 {
	return p.asset.BalanceOf(ctx, p.address)
}

// Now exposes the pool's clock so collaborators judge expiry the same way.
func (p *Pool) Now() time.Time { return p.now() }
