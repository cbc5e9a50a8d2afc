package asset

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Decimals is fixed for the settlement asset: 1 unit = 1_000_000 minor units.
const Decimals = 6

var (
	ErrInsufficientBalance   = errors.New("transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrOverflow              = errors.New("amount overflow")
)

// TransferHook runs after a committed transfer, outside the token lock, with
// the caller's context. The transfer may be part of a ledger call that still
// holds its own lock: a hook that calls back into the ledger must pass the
// ctx it receives, which the ledger uses to reject or serve the re-entry.
// Re-entering with an unrelated context blocks forever. Hooks that do slow
// work should hand it off instead of running it inline.
type TransferHook func(ctx context.Context, from, to common.Address, amount uint64)

// Token is an in-process fungible token with the usual balance/allowance
// semantics. All amounts are minor units. No floats.
type Token struct {
	mu         sync.RWMutex
	address    common.Address
	name       string
	symbol     string
	supply     uint64
	balances   map[common.Address]uint64
	allowances map[common.Address]map[common.Address]uint64
	hook       TransferHook
}

// Option configures a Token.
type Option func(*Token)

// WithTransferHook installs a hook invoked after each successful transfer.
func WithTransferHook(h TransferHook) Option {
	return func(t *Token) { t.hook = h }
}

// WithName overrides the default name and symbol.
func WithName(name, symbol string) Option {
	return func(t *Token) {
		if name != "" {
			t.name = name
		}
		if symbol != "" {
			t.symbol = symbol
		}
	}
}

// NewToken creates an empty token living at addr.
func NewToken(addr common.Address, opts ...Option) *Token {
	t := &Token{
		address:    addr,
		name:       "Mock USDT",
		symbol:     "USDT",
		balances:   make(map[common.Address]uint64),
		allowances: make(map[common.Address]map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return Decimals }

func (t *Token) TotalSupply(ctx context.Context) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[owner]
}

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowances[owner][spender]
}

// Approve sets (not increments) the spender's allowance over owner's funds.
func (t *Token) Approve(ctx context.Context, owner, spender common.Address, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]uint64)
		t.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

// Mint credits new supply to the recipient.
func (t *Token) Mint(ctx context.Context, to common.Address, amount uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount > math.MaxUint64-t.supply {
		return ErrOverflow
	}
	t.supply += amount
	t.balances[to] += amount
	return nil
}

// Transfer moves amount from the caller's own balance.
func (t *Token) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	t.mu.Lock()
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.afterTransfer(ctx, from, to, amount)
	return nil
}

// TransferFrom moves amount on behalf of from, consuming spender's allowance.
// Allowance is checked before balance.
func (t *Token) TransferFrom(ctx context.Context, spender, from, to common.Address, amount uint64) error {
	t.mu.Lock()
	allowed := t.allowances[from][spender]
	if allowed < amount {
		t.mu.Unlock()
		return ErrInsufficientAllowance
	}
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return err
	}
	if allowed != math.MaxUint64 {
		t.allowances[from][spender] = allowed - amount
	}
	t.mu.Unlock()
	t.afterTransfer(ctx, from, to, amount)
	return nil
}

// move must be called with t.mu held.
func (t *Token) move(from, to common.Address, amount uint64) error {
	if t.balances[from] < amount {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	if t.balances[to] > math.MaxUint64-amount {
		return ErrOverflow
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

func (t *Token) afterTransfer(ctx context.Context, from, to common.Address, amount uint64) {
	if t.hook != nil {
		t.hook(ctx, from, to, amount)
	}
}
