// Package persistence stores ledger and asset state as layout-stable JSON
// documents so both survive restarts and implementation upgrades.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
)

// Keys under which documents are stored.
const (
	KeyPool  = "pool/v1"
	KeyAsset = "asset/v1"
	KeyMeta  = "meta"
)

var (
	// ErrNoState is returned by Load when nothing has been deployed yet.
	ErrNoState = errors.New("no persisted state")
	// ErrStale is returned when the stored state moved past the snapshot
	// being written.
	ErrStale = errors.New("stored state is newer than snapshot")
	// ErrImplementationChanged is returned when the stored state was
	// upgraded underneath a running process. Restart to adopt it.
	ErrImplementationChanged = errors.New("stored implementation changed")
)

// StateStore is the key/value part of store.Store.
type StateStore interface {
	SaveStates(ctx context.Context, docs map[string][]byte, guard *store.StateGuard) error
	LoadState(ctx context.Context, key string) ([]byte, error)
}

// Meta describes the last saved snapshot.
type Meta struct {
	SnapshotID     string         `json:"snapshot_id"`
	Implementation string         `json:"implementation"`
	Pool           common.Address `json:"pool"`
	Asset          common.Address `json:"asset"`
	Seq            uint64         `json:"seq"`
	SavedAt        time.Time      `json:"saved_at"`
}

// Snapshot is a consistent pair of ledger and asset state.
type Snapshot struct {
	Pool  pool.State
	Asset asset.State
	Meta  Meta
}

// Capture takes a snapshot of p and t with no ledger call in between.
func Capture(p *pool.Pool, t *asset.Token) Snapshot {
	var at asset.State
	ps := p.SnapshotWith(func() { at = t.Snapshot() })
	return Snapshot{Pool: ps, Asset: at}
}

// Save captures and stores the current state.
func Save(ctx context.Context, kv StateStore, p *pool.Pool, t *asset.Token) (Meta, error) {
	return Write(ctx, kv, Capture(p, t))
}

// Write stores asset, pool and meta as one batch. It refuses to overwrite
// state with a higher sequence or a different implementation. Meta is filled
// in from the pool state and returned.
func Write(ctx context.Context, kv StateStore, snap Snapshot) (Meta, error) {
	return write(ctx, kv, snap, func(stored Meta) error {
		if stored.Seq > snap.Pool.Seq {
			return fmt.Errorf("%w: stored seq %d, snapshot seq %d", ErrStale, stored.Seq, snap.Pool.Seq)
		}
		if stored.Implementation != "" && stored.Implementation != snap.Pool.Implementation {
			return fmt.Errorf("%w: stored %s, running %s", ErrImplementationChanged, stored.Implementation, snap.Pool.Implementation)
		}
		return nil
	})
}

// Upgrade stamps the stored pool with impl. The write only lands if nothing
// saved since it loaded. It returns the previous implementation.
func Upgrade(ctx context.Context, kv StateStore, impl string) (string, Meta, error) {
	snap, err := Load(ctx, kv)
	if err != nil {
		return "", Meta{}, err
	}
	prev := snap.Pool.Implementation
	loaded := snap.Meta
	if snap.Pool, err = pool.Upgrade(snap.Pool, impl); err != nil {
		return "", Meta{}, err
	}
	meta, err := write(ctx, kv, snap, func(stored Meta) error {
		if stored.SnapshotID != loaded.SnapshotID {
			return fmt.Errorf("%w: snapshot %s replaced by %s during upgrade", ErrStale, loaded.SnapshotID, stored.SnapshotID)
		}
		return nil
	})
	return prev, meta, err
}

func write(ctx context.Context, kv StateStore, snap Snapshot, check func(stored Meta) error) (Meta, error) {
	meta := Meta{
		SnapshotID:     uuid.NewString(),
		Implementation: snap.Pool.Implementation,
		Pool:           snap.Pool.Address,
		Asset:          snap.Asset.Address,
		Seq:            snap.Pool.Seq,
		SavedAt:        time.Now().UTC(),
	}
	docs := make(map[string][]byte, 3)
	for key, v := range map[string]any{KeyAsset: snap.Asset, KeyPool: snap.Pool, KeyMeta: meta} {
		b, err := json.Marshal(v)
		if err != nil {
			return Meta{}, fmt.Errorf("marshal %s: %w", key, err)
		}
		docs[key] = b
	}
	guard := &store.StateGuard{Key: KeyMeta, Check: func(current []byte) error {
		var stored Meta
		if current != nil {
			if err := json.Unmarshal(current, &stored); err != nil {
				return fmt.Errorf("decode %s: %w", KeyMeta, err)
			}
		}
		return check(stored)
	}}
	if err := kv.SaveStates(ctx, docs, guard); err != nil {
		return Meta{}, fmt.Errorf("save snapshot: %w", err)
	}
	return meta, nil
}

// Load reads the stored documents. Meta is optional.
func Load(ctx context.Context, kv StateStore) (Snapshot, error) {
	var snap Snapshot
	if err := loadDoc(ctx, kv, KeyPool, &snap.Pool); err != nil {
		return Snapshot{}, err
	}
	if err := loadDoc(ctx, kv, KeyAsset, &snap.Asset); err != nil {
		return Snapshot{}, err
	}
	if err := loadDoc(ctx, kv, KeyMeta, &snap.Meta); err != nil && !errors.Is(err, ErrNoState) {
		return Snapshot{}, err
	}
	return snap, nil
}

func loadDoc(ctx context.Context, kv StateStore, key string, v any) error {
	b, err := kv.LoadState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNoState)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Restore rebuilds the token and ledger from snap. Token options (such as a
// transfer hook) and pool options are applied on top of the stored state.
func Restore(snap Snapshot, tokenOpts []asset.Option, poolOpts ...pool.Option) (*asset.Token, *pool.Pool, error) {
	tok, err := asset.Restore(snap.Asset, tokenOpts...)
	if err != nil {
		return nil, nil, err
	}
	p, err := pool.Restore(snap.Pool, tok, poolOpts...)
	if err != nil {
		return nil, nil, err
	}
	return tok, p, nil
}
