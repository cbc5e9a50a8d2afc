package apiclient

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Health struct {
	Status string
	Time   time.Time
}

// PoolInfo carries amounts in asset minor units.
type PoolInfo struct {
	Address        common.Address
	Asset          common.Address
	Owner          common.Address
	Oracle         common.Address
	Implementation string
	Premium        uint64
	Coverage       uint64
	Duration       time.Duration
	Balance        uint64
}

type TokenBalance struct {
	Address         common.Address
	Balance         uint64
	PoolAllowance   uint64
	HasActivePolicy bool
	PolicyCount     uint64
}

// Policy merges the pool view and the indexed row; whichever fields the
// server sent are filled.
type Policy struct {
	ID           uint64
	User         common.Address
	Premium      uint64
	Coverage     uint64
	PurchaseTime time.Time
	ExpiryTime   time.Time
	Active       bool
	Claimed      bool
	Expired      bool
	Status       string
}

type Spike struct {
	ID                int64
	Symbol            string
	Timestamp         time.Time
	Open              float64
	High              float64
	Low               float64
	Close             float64
	BodyRatio         float64
	RangeClosePercent float64
	DetectedAt        time.Time
}

type Candle struct {
	ID        int64
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

type Payout struct {
	ID          string
	UserAddress common.Address
	PolicyID    uint64
	Amount      uint64
	TxHash      string
	Evidence    string
	ExecutedAt  time.Time
}

type Stats struct {
	TotalSpikes    int
	TotalPayouts   int
	TotalPolicies  int
	ActivePolicies int
	TotalPrices    int
	Status         string
	LatestPrice    *Candle
}
