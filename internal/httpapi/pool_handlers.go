package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/audit"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
)

type paramsView struct {
	PremiumAmount    uint64 `json:"premium_amount"`
	CoverageAmount   uint64 `json:"coverage_amount"`
	CoverageDuration int64  `json:"coverage_duration_seconds"`
	Premium          string `json:"premium"`
	Coverage         string `json:"coverage"`
}

func viewParams(p pool.Params) paramsView {
	return paramsView{
		PremiumAmount:    p.PremiumAmount,
		CoverageAmount:   p.CoverageAmount,
		CoverageDuration: int64(p.CoverageDuration / time.Second),
		Premium:          asset.FormatUnits(p.PremiumAmount),
		Coverage:         asset.FormatUnits(p.CoverageAmount),
	}
}

type poolResponse struct {
	Address        common.Address `json:"address"`
	Asset          common.Address `json:"asset"`
	Owner          common.Address `json:"owner"`
	Oracle         common.Address `json:"oracle"`
	Implementation string         `json:"implementation"`
	Params         paramsView     `json:"params"`
	PoolBalance    uint64         `json:"pool_balance"`
	PoolBalanceFmt string         `json:"pool_balance_formatted"`
}

type policyView struct {
	ID uint64 `json:"id"`
	pool.Policy
	Expired bool `json:"expired"`
}

func viewPolicy(id uint64, p pool.Policy, now time.Time) policyView {
	return policyView{ID: id, Policy: p, Expired: p.ExpiredAt(now)}
}

type fundRequest struct {
	Amount string `json:"amount"`
}

type payoutRequest struct {
	User     string `json:"user"`
	PolicyID uint64 `json:"policy_id"`
	Evidence string `json:"evidence"`
}

type oracleRequest struct {
	Oracle string `json:"oracle"`
}

type paramsRequest struct {
	Premium  string `json:"premium"`
	Coverage string `json:"coverage"`
	Duration string `json:"duration"`
}

type ownershipRequest struct {
	NewOwner string `json:"new_owner"`
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.writePool(w, r)
}

func (a *API) writePool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bal := a.pool.PoolBalance(ctx)
	writeJSON(w, http.StatusOK, poolResponse{
		Address:        a.pool.Address(),
		Asset:          a.pool.AssetAddress(),
		Owner:          a.pool.Owner(ctx),
		Oracle:         a.pool.Oracle(ctx),
		Implementation: a.pool.Implementation(ctx),
		Params:         viewParams(a.pool.Params(ctx)),
		PoolBalance:    bal,
		PoolBalanceFmt: asset.FormatUnits(bal),
	})
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, pol, err := a.pool.BuyInsurance(r.Context(), caller)
	if err != nil {
		handlePoolError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "pool.policy.purchase", map[string]any{
		"policy_id": id,
		"premium":   asset.FormatUnits(pol.Premium),
		"expiry":    pol.ExpiryTime.Format(time.RFC3339),
	})
	w.Header().Set("Location", "/v1/policies/"+caller.Hex()+"/"+strconv.FormatUint(id, 10))
	writeJSON(w, http.StatusCreated, viewPolicy(id, pol, a.pool.Now()))
}

func (a *API) handleFund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req fundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := asset.ParseUnits(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.pool.FundPool(r.Context(), caller, amount); err != nil {
		handlePoolError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "pool.fund", map[string]any{"amount": asset.FormatUnits(amount)})
	bal := a.pool.PoolBalance(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_balance":           bal,
		"pool_balance_formatted": asset.FormatUnits(bal),
	})
}

// handlePayout lets the oracle pay a policy by hand. The row is recorded in
// the read model the same way automated payouts are.
func (a *API) handlePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req payoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if err := a.pool.ExecutePayout(ctx, caller, user, req.PolicyID, req.Evidence); err != nil {
		handlePoolError(w, r, err)
		return
	}
	pol, err := a.pool.Policy(ctx, user, req.PolicyID)
	if err != nil {
		handlePoolError(w, r, err)
		return
	}
	if a.payouts != nil {
		if err := a.payouts.Record(ctx, user, req.PolicyID, pol.CoverageAmount, 0, req.Evidence); err != nil {
			obs.Component("httpapi").Warn().Err(err).Str("user", user.Hex()).Uint64("policy_id", req.PolicyID).Msg("record manual payout failed")
		}
	}
	_ = audit.LogEvent(ctx, "pool.payout.execute", map[string]any{
		"user":      user.Hex(),
		"policy_id": req.PolicyID,
		"amount":    asset.FormatUnits(pol.CoverageAmount),
		"evidence":  req.Evidence,
	})
	writeJSON(w, http.StatusOK, viewPolicy(req.PolicyID, pol, a.pool.Now()))
}

// handlePolicyResource serves /v1/policies/{address}, /{address}/{id} and
// /{address}/active.
func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	user, err := parseAddress("address", parts[0])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	now := a.pool.Now()

	if len(parts) == 1 {
		list := a.pool.UserPolicies(ctx, user)
		items := make([]policyView, len(list))
		for i, p := range list {
			items[i] = viewPolicy(uint64(i), p, now)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"address":  user,
			"count":    len(items),
			"policies": items,
		})
		return
	}

	if parts[1] == "active" {
		writeJSON(w, http.StatusOK, map[string]any{
			"address": user,
			"active":  a.pool.HasActivePolicy(ctx, user),
		})
		return
	}

	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "policy id must be a non-negative integer")
		return
	}
	pol, err := a.pool.Policy(ctx, user, id)
	if err != nil {
		handlePoolError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPolicy(id, pol, now))
}

func (a *API) handleSetOracle(w http.ResponseWriter, r *http.Request) {
	a.adminCall(w, r, func(ctx context.Context, caller common.Address) (string, map[string]any, error) {
		var req oracleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", nil, badRequest{err}
		}
		oracle, err := parseAddress("oracle", req.Oracle)
		if err != nil {
			return "", nil, badRequest{err}
		}
		if err := a.pool.SetOracle(ctx, caller, oracle); err != nil {
			return "", nil, err
		}
		return "pool.admin.oracle", map[string]any{"oracle": oracle.Hex()}, nil
	})
}

func (a *API) handleSetParams(w http.ResponseWriter, r *http.Request) {
	a.adminCall(w, r, func(ctx context.Context, caller common.Address) (string, map[string]any, error) {
		var req paramsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", nil, badRequest{err}
		}
		premium, err := asset.ParseUnits(req.Premium)
		if err != nil {
			return "", nil, badRequest{err}
		}
		coverage, err := asset.ParseUnits(req.Coverage)
		if err != nil {
			return "", nil, badRequest{err}
		}
		duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
		if err != nil {
			return "", nil, badRequest{err}
		}
		if duration < 0 {
			return "", nil, badRequest{errNegativeDuration}
		}
		params := pool.Params{PremiumAmount: premium, CoverageAmount: coverage, CoverageDuration: duration}
		if err := a.pool.SetPolicyParams(ctx, caller, params); err != nil {
			return "", nil, err
		}
		return "pool.admin.params", map[string]any{
			"premium":  asset.FormatUnits(premium),
			"coverage": asset.FormatUnits(coverage),
			"duration": duration.String(),
		}, nil
	})
}

// handleOwnership transfers ownership, or renounces it when new_owner is
// empty.
func (a *API) handleOwnership(w http.ResponseWriter, r *http.Request) {
	a.adminCall(w, r, func(ctx context.Context, caller common.Address) (string, map[string]any, error) {
		var req ownershipRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return "", nil, badRequest{err}
		}
		if strings.TrimSpace(req.NewOwner) == "" {
			if err := a.pool.RenounceOwnership(ctx, caller); err != nil {
				return "", nil, err
			}
			return "pool.admin.renounce", nil, nil
		}
		owner, err := parseAddress("new_owner", req.NewOwner)
		if err != nil {
			return "", nil, badRequest{err}
		}
		if err := a.pool.TransferOwnership(ctx, caller, owner); err != nil {
			return "", nil, err
		}
		return "pool.admin.ownership", map[string]any{"new_owner": owner.Hex()}, nil
	})
}

// adminCall runs an owner-only mutation and answers with the new pool view.
func (a *API) adminCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller common.Address) (string, map[string]any, error)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	event, fields, err := fn(r.Context(), caller)
	if err != nil {
		var br badRequest
		if errors.As(err, &br) {
			writeError(w, r, http.StatusBadRequest, br.Error())
			return
		}
		handlePoolError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, fields)
	a.writePool(w, r)
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }

var errNegativeDuration = errors.New("duration must not be negative")
