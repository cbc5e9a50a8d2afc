package httpapi

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/audit"
)

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type faucetRequest struct {
	Amount string `json:"amount"`
}

type tokenBalanceResponse struct {
	Address     common.Address `json:"address"`
	Token       common.Address `json:"token"`
	Symbol      string         `json:"symbol"`
	Decimals    uint8          `json:"decimals"`
	Balance     uint64         `json:"balance"`
	BalanceFmt  string         `json:"balance_formatted"`
	PoolAllowed uint64         `json:"pool_allowance"`
	HasActive   bool           `json:"has_active_policy"`
	PolicyCount uint64         `json:"policy_count"`
}

func (a *API) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/token/balance/"), "/")
	addr, err := parseAddress("address", raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	bal := a.token.BalanceOf(ctx, addr)
	writeJSON(w, http.StatusOK, tokenBalanceResponse{
		Address:     addr,
		Token:       a.token.Address(),
		Symbol:      a.token.Symbol(),
		Decimals:    a.token.Decimals(),
		Balance:     bal,
		BalanceFmt:  asset.FormatUnits(bal),
		PoolAllowed: a.token.Allowance(ctx, addr, a.pool.Address()),
		HasActive:   a.pool.HasActivePolicy(ctx, addr),
		PolicyCount: a.pool.UserPoliciesCount(ctx, addr),
	})
}

// handleApprove sets the caller's allowance. The spender defaults to the
// pool.
func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	spender := a.pool.Address()
	if strings.TrimSpace(req.Spender) != "" {
		s, err := parseAddress("spender", req.Spender)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		spender = s
	}
	amount, err := asset.ParseUnits(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.token.Approve(r.Context(), caller, spender, amount); err != nil {
		handlePoolError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.approve", map[string]any{
		"spender": spender.Hex(),
		"amount":  asset.FormatUnits(amount),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     caller,
		"spender":   spender,
		"allowance": a.token.Allowance(r.Context(), caller, spender),
	})
}

// handleFaucet mints test funds to the caller. Development only.
func (a *API) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.opts.Faucet {
		writeError(w, r, http.StatusForbidden, "faucet disabled")
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req faucetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := asset.ParseUnits(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.opts.FaucetMax > 0 && amount > a.opts.FaucetMax {
		writeError(w, r, http.StatusBadRequest, "amount exceeds faucet limit of "+asset.FormatUnits(a.opts.FaucetMax))
		return
	}
	if err := a.token.Mint(r.Context(), caller, amount); err != nil {
		handlePoolError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.faucet", map[string]any{"amount": asset.FormatUnits(amount)})
	bal := a.token.BalanceOf(r.Context(), caller)
	writeJSON(w, http.StatusOK, map[string]any{
		"address":           caller,
		"balance":           bal,
		"balance_formatted": asset.FormatUnits(bal),
	})
}
