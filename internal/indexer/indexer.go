// Package indexer mirrors ledger and token state into the store so the API
// can serve reads without touching the ledger.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
)

// Ledger is the read side of *pool.Pool.
type Ledger interface {
	UserPolicies(ctx context.Context, user common.Address) []pool.Policy
	PolicyHolders(ctx context.Context) []common.Address
	PoolBalance(ctx context.Context) uint64
}

// Token is the read side of the settlement asset.
type Token interface {
	Address() common.Address
	BalanceOf(ctx context.Context, owner common.Address) uint64
}

// Store is the part of store.Store the indexer writes to.
type Store interface {
	UpsertPolicy(ctx context.Context, p store.PolicyRow) error
	SetPolicyStatus(ctx context.Context, user common.Address, index uint64, status string) error
	UpsertBalance(ctx context.Context, b store.Balance) error
	Balances(ctx context.Context) ([]store.Balance, error)
	PolicyUsers(ctx context.Context) ([]common.Address, error)
}

const dirtyBuffer = 256

type Indexer struct {
	ledger Ledger
	token  Token
	store  Store
	log    zerolog.Logger
	dirty  chan common.Address
}

func New(ledger Ledger, token Token, st Store) *Indexer {
	return &Indexer{
		ledger: ledger,
		token:  token,
		store:  st,
		log:    obs.Component("indexer"),
		dirty:  make(chan common.Address, dirtyBuffer),
	}
}

// TrackTransfer queues both sides of a token transfer for a balance refresh.
// It never blocks; anything dropped is repaired by the next resync. Its
// signature matches asset.TransferHook.
func (ix *Indexer) TrackTransfer(_ context.Context, from, to common.Address, _ uint64) {
	for _, a := range [...]common.Address{from, to} {
		if a == (common.Address{}) {
			continue
		}
		select {
		case ix.dirty <- a:
		default:
		}
	}
}

// Run applies records and queued balance refreshes until ctx ends or records
// is closed. Resync runs every interval when interval is positive.
func (ix *Indexer) Run(ctx context.Context, records <-chan pool.Record, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	ix.log.Info().Dur("resync_interval", interval).Msg("indexer started")
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := ix.Handle(ctx, rec); err != nil {
				ix.log.Error().Err(err).Uint64("seq", rec.Seq).Str("event", rec.Event.EventName()).Msg("index record failed")
			}
		case addr := <-ix.dirty:
			if err := ix.RefreshBalance(ctx, addr); err != nil {
				ix.log.Error().Err(err).Str("address", addr.Hex()).Msg("refresh balance failed")
			}
		case <-tick:
			if err := ix.FullSync(ctx); err != nil {
				ix.log.Error().Err(err).Msg("resync failed")
			}
		}
	}
}

// Handle mirrors one committed ledger record.
func (ix *Indexer) Handle(ctx context.Context, rec pool.Record) error {
	switch ev := rec.Event.(type) {
	case pool.PolicyPurchased:
		err := ix.store.UpsertPolicy(ctx, store.PolicyRow{
			UserAddress:    ev.User,
			PolicyIndex:    ev.PolicyID,
			Premium:        ev.Premium,
			CoverageAmount: ev.Coverage,
			PurchaseTime:   rec.At,
			ExpiryTime:     ev.ExpiryTime,
			Status:         store.StatusActive,
		})
		if err != nil {
			return fmt.Errorf("upsert policy: %w", err)
		}
		obs.PoliciesPurchased.Inc()
		ix.log.Info().Str("user", ev.User.Hex()).Uint64("policy_id", ev.PolicyID).Msg("policy indexed")
		return ix.refreshPool(ctx, ev.User)
	case pool.PayoutExecuted:
		err := ix.store.SetPolicyStatus(ctx, ev.User, ev.PolicyID, store.StatusClaimed)
		if errors.Is(err, store.ErrNotFound) {
			return ix.SyncUser(ctx, ev.User)
		}
		if err != nil {
			return fmt.Errorf("mark claimed: %w", err)
		}
		return ix.refreshPool(ctx, ev.User)
	case pool.PoolFunded:
		return ix.refreshPool(ctx, ev.Funder)
	}
	return nil
}

func (ix *Indexer) refreshPool(ctx context.Context, user common.Address) error {
	obs.PoolBalance.Set(float64(ix.ledger.PoolBalance(ctx)))
	return ix.RefreshBalance(ctx, user)
}

// RefreshBalance reads the token balance of addr and caches it.
func (ix *Indexer) RefreshBalance(ctx context.Context, addr common.Address) error {
	bal := ix.token.BalanceOf(ctx, addr)
	if err := ix.store.UpsertBalance(ctx, store.Balance{
		TokenAddress: ix.token.Address(),
		UserAddress:  addr,
		Balance:      bal,
	}); err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// SyncUser mirrors the token balance and every ledger policy of addr.
func (ix *Indexer) SyncUser(ctx context.Context, addr common.Address) error {
	if err := ix.RefreshBalance(ctx, addr); err != nil {
		return err
	}
	for i, p := range ix.ledger.UserPolicies(ctx, addr) {
		if err := ix.store.UpsertPolicy(ctx, store.PolicyRow{
			UserAddress:    addr,
			PolicyIndex:    uint64(i),
			Premium:        p.Premium,
			CoverageAmount: p.CoverageAmount,
			PurchaseTime:   p.PurchaseTime,
			ExpiryTime:     p.ExpiryTime,
			Status:         store.StatusFor(p.Active, p.Claimed),
		}); err != nil {
			return fmt.Errorf("upsert policy %d: %w", i, err)
		}
	}
	ix.log.Debug().Str("address", addr.Hex()).Msg("user synced")
	return nil
}

// FullSync refreshes every cached balance and every known policy holder.
func (ix *Indexer) FullSync(ctx context.Context) error {
	seen := make(map[common.Address]struct{})
	users := ix.ledger.PolicyHolders(ctx)
	known, err := ix.store.PolicyUsers(ctx)
	if err != nil {
		return fmt.Errorf("list policy users: %w", err)
	}
	users = append(users, known...)
	var errs []error
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if err := ix.SyncUser(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}

	bals, err := ix.store.Balances(ctx)
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	for _, b := range bals {
		if _, ok := seen[b.UserAddress]; ok || b.TokenAddress != ix.token.Address() {
			continue
		}
		seen[b.UserAddress] = struct{}{}
		if err := ix.RefreshBalance(ctx, b.UserAddress); err != nil {
			errs = append(errs, err)
		}
	}
	obs.PoolBalance.Set(float64(ix.ledger.PoolBalance(ctx)))
	ix.log.Info().Int("addresses", len(seen)).Int("errors", len(errs)).Msg("resync complete")
	return errors.Join(errs...)
}
