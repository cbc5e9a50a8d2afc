// Package store defines the backend's read model: candles, detected spikes,
// mirrored policies, payouts, cached balances and persisted contract state.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another process holds a named lock.
	ErrLocked = errors.New("locked by another process")
)

// Policy statuses as mirrored from the ledger flags.
const (
	StatusActive   = "active"
	StatusClaimed  = "claimed"
	StatusInactive = "inactive"
)

// Candle is one OHLCV bar. Prices are display data, never ledger amounts.
type Candle struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Spike is a candle classified as a wick. OHLC are joined from the candle.
type Spike struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Symbol            string    `json:"symbol"`
	PriceID           int64     `json:"price_id"`
	Open              float64   `json:"open"`
	High              float64   `json:"high"`
	Low               float64   `json:"low"`
	Close             float64   `json:"close"`
	BodyRatio         float64   `json:"body_ratio"`
	RangeClosePercent float64   `json:"range_close_percent"`
	DetectedAt        time.Time `json:"detected_at"`
}

// PolicyRow mirrors one ledger policy, keyed by (user, index).
type PolicyRow struct {
	UserAddress    common.Address `json:"user_address"`
	PolicyIndex    uint64         `json:"policy_id"`
	Premium        uint64         `json:"premium"`
	CoverageAmount uint64         `json:"coverage_amount"`
	PurchaseTime   time.Time      `json:"purchase_time"`
	ExpiryTime     time.Time      `json:"expiry_time"`
	Status         string         `json:"status"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Payout records an executed payout. SpikeID is zero for manual payouts.
type Payout struct {
	ID          string         `json:"id"`
	UserAddress common.Address `json:"user_address"`
	PolicyIndex uint64         `json:"policy_id"`
	Amount      uint64         `json:"amount"`
	SpikeID     int64          `json:"spike_id,omitempty"`
	Evidence    string         `json:"evidence"`
	ExecutedAt  time.Time      `json:"executed_at"`
}

// Balance caches a token balance in minor units.
type Balance struct {
	TokenAddress common.Address `json:"token_address"`
	UserAddress  common.Address `json:"user_address"`
	Balance      uint64         `json:"balance"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// Stats keeps the key names the dashboard reads.
type Stats struct {
	TotalSpikes    int `json:"total_spikes"`
	TotalPayouts   int `json:"total_payouts"`
	TotalPolicies  int `json:"total_policies"`
	ActivePolicies int `json:"active_policies"`
	TotalPrices    int `json:"total_prices"`
}

// Store is implemented by the Postgres store and the in-memory store.
type Store interface {
	Ping(ctx context.Context) error

	// UpsertCandle inserts or replaces the bar at (timestamp, symbol) and
	// sets c.ID.
	UpsertCandle(ctx context.Context, c *Candle) error
	LatestCandle(ctx context.Context, symbol string) (Candle, error)
	// Candles returns all bars ascending when limit <= 0, otherwise the
	// latest limit bars newest first.
	Candles(ctx context.Context, symbol string, limit int) ([]Candle, error)
	// ResetMarketData deletes all spikes and candles.
	ResetMarketData(ctx context.Context) error

	// InsertSpike records a spike once per candle and sets s.ID.
	InsertSpike(ctx context.Context, s *Spike) error
	RecentSpikes(ctx context.Context, limit int) ([]Spike, error)

	UpsertPolicy(ctx context.Context, p PolicyRow) error
	SetPolicyStatus(ctx context.Context, user common.Address, index uint64, status string) error
	PoliciesForUser(ctx context.Context, user common.Address) ([]PolicyRow, error)
	// ActivePolicies lists rows with status active whose expiry is not before
	// now. Expiry is inclusive, matching the ledger's payout check.
	ActivePolicies(ctx context.Context, now time.Time) ([]PolicyRow, error)
	PolicyUsers(ctx context.Context) ([]common.Address, error)

	InsertPayout(ctx context.Context, p Payout) error
	RecentPayouts(ctx context.Context, limit int, user *common.Address) ([]Payout, error)

	UpsertBalance(ctx context.Context, b Balance) error
	Balance(ctx context.Context, token, user common.Address) (Balance, error)
	Balances(ctx context.Context) ([]Balance, error)

	Stats(ctx context.Context, now time.Time) (Stats, error)

	// SaveStates writes every document or none. A non-nil guard runs first,
	// inside the same transaction, and aborts the batch with its error.
	SaveStates(ctx context.Context, docs map[string][]byte, guard *StateGuard) error
	LoadState(ctx context.Context, key string) ([]byte, error)
}

// StateGuard makes a SaveStates batch conditional on the document currently
// stored under Key. Check receives nil when nothing is stored there.
type StateGuard struct {
	Key   string
	Check func(current []byte) error
}

// SortedKeys returns the batch keys in a stable write order.
func SortedKeys(docs map[string][]byte) []string {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StatusFor maps ledger flags to a mirror status.
func StatusFor(active, claimed bool) string {
	switch {
	case claimed:
		return StatusClaimed
	case active:
		return StatusActive
	default:
		return StatusInactive
	}
}
