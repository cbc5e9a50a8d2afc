// Package payout executes coverage payouts for active policies when a spike
// is detected.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/ids"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
)

// ErrOracleMismatch is returned by New when the configured oracle is not the
// ledger's oracle.
var ErrOracleMismatch = errors.New("configured oracle does not match pool oracle")

// Ledger is the part of *pool.Pool the service drives.
type Ledger interface {
	Oracle(ctx context.Context) common.Address
	Policy(ctx context.Context, user common.Address, policyID uint64) (pool.Policy, error)
	PoolBalance(ctx context.Context) uint64
	ExecutePayout(ctx context.Context, caller, user common.Address, policyID uint64, evidence string) error
	Now() time.Time
}

// Store is the part of store.Store the service writes to.
type Store interface {
	ActivePolicies(ctx context.Context, now time.Time) ([]store.PolicyRow, error)
	InsertPayout(ctx context.Context, p store.Payout) error
	SetPolicyStatus(ctx context.Context, user common.Address, index uint64, status string) error
}

// Result counts per-policy outcomes of one HandleSpike call.
type Result struct {
	Paid         int `json:"paid"`
	Skipped      int `json:"skipped"`
	Insufficient int `json:"insufficient"`
	Failed       int `json:"failed"`
}

type Service struct {
	ledger Ledger
	store  Store
	oracle common.Address
	log    zerolog.Logger
}

// New checks that oracle is the ledger's current oracle.
func New(ctx context.Context, ledger Ledger, st Store, oracle common.Address) (*Service, error) {
	if current := ledger.Oracle(ctx); current != oracle {
		return nil, fmt.Errorf("%w: pool=%s configured=%s", ErrOracleMismatch, current.Hex(), oracle.Hex())
	}
	log := obs.Component("payout").With().Str("oracle", oracle.Hex()).Logger()
	log.Info().Msg("payout service ready")
	return &Service{ledger: ledger, store: st, oracle: oracle, log: log}, nil
}

func (s *Service) Oracle() common.Address { return s.oracle }

// Evidence is the reference string recorded with automated payouts.
func Evidence(sp store.Spike) string {
	return fmt.Sprintf("spike:%d@%s", sp.ID, sp.Timestamp.UTC().Format(time.RFC3339))
}

// HandleSpike pays out every mirrored active policy that the ledger still
// considers eligible. Per-policy failures are logged and counted; only a
// failure to list policies is returned.
func (s *Service) HandleSpike(ctx context.Context, sp store.Spike) (Result, error) {
	var res Result
	now := s.ledger.Now()
	rows, err := s.store.ActivePolicies(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list active policies: %w", err)
	}
	log := s.log.With().Int64("spike_id", sp.ID).Logger()
	if len(rows) == 0 {
		log.Info().Msg("no active policies, skipping payout")
		return res, nil
	}
	log.Info().Int("policies", len(rows)).Msg("executing payouts")

	evidence := Evidence(sp)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome := s.payOne(ctx, log, row, sp.ID, evidence)
		obs.Payouts.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomePaid:
			res.Paid++
		case outcomeSkipped:
			res.Skipped++
		case outcomeInsufficient:
			res.Insufficient++
		default:
			res.Failed++
		}
	}
	log.Info().
		Int("paid", res.Paid).Int("skipped", res.Skipped).
		Int("insufficient", res.Insufficient).Int("failed", res.Failed).
		Msg("payout batch finished")
	return res, nil
}

const (
	outcomePaid         = "paid"
	outcomeSkipped      = "skipped"
	outcomeInsufficient = "insufficient"
	outcomeFailed       = "failed"
)

func (s *Service) payOne(ctx context.Context, log zerolog.Logger, row store.PolicyRow, spikeID int64, evidence string) string {
	l := log.With().Str("user", row.UserAddress.Hex()).Uint64("policy_id", row.PolicyIndex).Logger()

	p, err := s.ledger.Policy(ctx, row.UserAddress, row.PolicyIndex)
	if err != nil {
		l.Error().Err(err).Msg("read policy failed")
		return outcomeFailed
	}
	now := s.ledger.Now()
	if !p.Active || p.ExpiredAt(now) {
		s.syncStatus(ctx, l, row, store.StatusFor(p.Active && !p.ExpiredAt(now), p.Claimed))
		l.Info().Bool("claimed", p.Claimed).Time("expiry", p.ExpiryTime).Msg("policy no longer eligible")
		return outcomeSkipped
	}
	if bal := s.ledger.PoolBalance(ctx); bal < p.CoverageAmount {
		l.Error().
			Str("pool_balance", asset.FormatUnits(bal)).
			Str("coverage", asset.FormatUnits(p.CoverageAmount)).
			Msg("insufficient pool balance")
		return outcomeInsufficient
	}

	err = s.ledger.ExecutePayout(ctx, s.oracle, row.UserAddress, row.PolicyIndex, evidence)
	switch {
	case errors.Is(err, pool.ErrPolicyNotActive), errors.Is(err, pool.ErrPolicyExpired):
		l.Info().Err(err).Msg("policy not payable")
		return outcomeSkipped
	case errors.Is(err, pool.ErrInsufficientPoolBalance):
		l.Error().Err(err).Msg("insufficient pool balance")
		return outcomeInsufficient
	case err != nil:
		l.Error().Err(err).Msg("execute payout failed")
		return outcomeFailed
	}

	if err := s.Record(ctx, row.UserAddress, row.PolicyIndex, p.CoverageAmount, spikeID, evidence); err != nil {
		l.Error().Err(err).Msg("record payout failed")
	}
	l.Info().Str("amount", asset.FormatUnits(p.CoverageAmount)).Msg("payout executed")
	return outcomePaid
}

// Record writes the payout row and marks the mirrored policy claimed. It is
// also used for payouts executed manually through the API.
func (s *Service) Record(ctx context.Context, user common.Address, policyID, amount uint64, spikeID int64, evidence string) error {
	now := s.ledger.Now()
	if err := s.store.InsertPayout(ctx, store.Payout{
		ID:          ids.NewAt(now),
		UserAddress: user,
		PolicyIndex: policyID,
		Amount:      amount,
		SpikeID:     spikeID,
		Evidence:    evidence,
		ExecutedAt:  now,
	}); err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	if err := s.store.SetPolicyStatus(ctx, user, policyID, store.StatusClaimed); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("update policy status: %w", err)
	}
	return nil
}

func (s *Service) syncStatus(ctx context.Context, log zerolog.Logger, row store.PolicyRow, status string) {
	if status == row.Status {
		return
	}
	if err := s.store.SetPolicyStatus(ctx, row.UserAddress, row.PolicyIndex, status); err != nil {
		log.Warn().Err(err).Str("status", status).Msg("update policy status failed")
	}
}
