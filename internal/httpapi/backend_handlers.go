package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/audit"
	"spikeshield.io/internal/feed"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
)

const defaultSymbol = "BTCUSDT"

type walletRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSpikes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	spikes, err := a.store.RecentSpikes(r.Context(), limit)
	if err != nil {
		a.storeError(w, r, "fetch spikes", err)
		return
	}
	if spikes == nil {
		spikes = []store.Spike{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(spikes),
		"spikes": spikes,
	})
}

func (a *API) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		symbol = a.symbol()
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 10000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	prices, err := a.store.Candles(r.Context(), symbol, limit)
	if err != nil {
		a.storeError(w, r, "fetch prices", err)
		return
	}
	if prices == nil {
		prices = []store.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"count":  len(prices),
		"prices": prices,
	})
}

func (a *API) handlePayouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var user *common.Address
	if raw := r.URL.Query().Get("user"); raw != "" {
		addr, err := parseAddress("user", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user = &addr
	}
	payouts, err := a.store.RecentPayouts(r.Context(), limit, user)
	if err != nil {
		a.storeError(w, r, "fetch payouts", err)
		return
	}
	if payouts == nil {
		payouts = []store.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(payouts),
		"payouts": payouts,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ctx := r.Context()
	stats, err := a.store.Stats(ctx, a.now())
	if err != nil {
		a.storeError(w, r, "fetch stats", err)
		return
	}
	var latest *store.Candle
	if c, err := a.store.LatestCandle(ctx, a.symbol()); err == nil {
		latest = &c
	} else if !errors.Is(err, store.ErrNotFound) {
		a.storeError(w, r, "fetch latest price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"latest_price": latest,
		"status":       "monitoring",
	})
}

func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := r.URL.Query().Get("address")
	if strings.TrimSpace(raw) == "" {
		writeError(w, r, http.StatusBadRequest, "address query parameter required")
		return
	}
	addr, err := parseAddress("address", raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.store.PoliciesForUser(r.Context(), addr)
	if err != nil {
		a.storeError(w, r, "fetch policies", err)
		return
	}
	if rows == nil {
		rows = []store.PolicyRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(rows),
		"policies": rows,
	})
}

// handleBalance answers from the indexed cache only; found is false until
// the address has been indexed.
func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("address")) == "" {
		writeError(w, r, http.StatusBadRequest, "address query parameter required")
		return
	}
	addr, token, err := a.addressAndToken(q.Get("address"), q.Get("token"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := a.store.Balance(r.Context(), token, addr)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"address": addr,
			"token":   token,
			"found":   false,
		})
		return
	}
	if err != nil {
		a.storeError(w, r, "fetch balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      bal.UserAddress,
		"token":        bal.TokenAddress,
		"balance":      asset.FormatUnits(bal.Balance),
		"last_updated": bal.LastUpdated,
		"found":        true,
	})
}

// handleBalanceRefresh reads the asset balance now and caches it. The
// address comes from the query string or a JSON body.
func (a *API) handleBalanceRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	req, ok := a.walletRequest(w, r)
	if !ok {
		return
	}
	addr, token, err := a.addressAndToken(req.Address, req.Token)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if token != a.token.Address() {
		writeError(w, r, http.StatusBadRequest, "unknown token")
		return
	}
	if err := a.indexer.RefreshBalance(r.Context(), addr); err != nil {
		a.storeError(w, r, "refresh balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr,
		"token":   token,
		"balance": asset.FormatUnits(a.token.BalanceOf(r.Context(), addr)),
	})
}

// handleWalletLink schedules a full sync of one wallet and returns at once.
// Only the settlement asset is indexed, so any other token is rejected.
func (a *API) handleWalletLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	req, ok := a.walletRequest(w, r)
	if !ok {
		return
	}
	addr, token, err := a.addressAndToken(req.Address, req.Token)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if token != a.token.Address() {
		writeError(w, r, http.StatusBadRequest, "unknown token")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.bg, 30*time.Second)
		defer cancel()
		if err := a.indexer.SyncUser(ctx, addr); err != nil {
			obs.Component("httpapi").Warn().Err(err).Str("address", addr.Hex()).Str("token", token.Hex()).Msg("wallet sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "address": addr, "token": token})
}

// handleInsertFakeKline restarts the market data from the wick demo file,
// one candle per pace interval. Owner only.
func (a *API) handleInsertFakeKline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if caller != a.pool.Owner(r.Context()) {
		handlePoolError(w, r, pool.ErrNotOwner)
		return
	}
	if a.replay == nil {
		writeError(w, r, http.StatusServiceUnavailable, "replay not configured")
		return
	}
	if a.replay.Running() {
		writeError(w, r, http.StatusConflict, feed.ErrBusy.Error())
		return
	}
	go func() {
		log := obs.Component("httpapi")
		n, err := a.replay.Pace(a.bg, a.opts.Pace)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Int("rows", n).Msg("fake kline insertion failed")
			return
		}
		log.Info().Int("rows", n).Msg("fake kline insertion finished")
	}()
	_ = audit.LogEvent(r.Context(), "feed.replay.start", map[string]any{
		"path": a.replay.Path(),
		"pace": a.opts.Pace.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "started",
		"message": "Fake kline insertion started in background",
	})
}

// walletRequest reads {address, token} from the query string, falling back
// to a JSON body.
func (a *API) walletRequest(w http.ResponseWriter, r *http.Request) (walletRequest, bool) {
	q := r.URL.Query()
	req := walletRequest{Address: q.Get("address"), Token: q.Get("token")}
	if req.Address == "" && r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return walletRequest{}, false
		}
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, r, http.StatusBadRequest, "address required")
		return walletRequest{}, false
	}
	return req, true
}

// addressAndToken parses a user address and an optional token address that
// defaults to the settlement asset.
func (a *API) addressAndToken(rawAddr, rawToken string) (common.Address, common.Address, error) {
	addr, err := parseAddress("address", rawAddr)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token := a.token.Address()
	if strings.TrimSpace(rawToken) != "" {
		token, err = parseAddress("token", rawToken)
		if err != nil {
			return common.Address{}, common.Address{}, err
		}
	}
	return addr, token, nil
}

func (a *API) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	obs.Component("httpapi").Error().Err(err).Str("op", op).Str("request_id", RequestIDFromContext(r.Context())).Msg("store call failed")
	writeError(w, r, http.StatusInternalServerError, "failed to "+op)
}

func (a *API) symbol() string {
	if a.detector != nil && a.detector.Config().Symbol != "" {
		return a.detector.Config().Symbol
	}
	return defaultSymbol
}

func (a *API) now() time.Time {
	if a.pool != nil {
		return a.pool.Now()
	}
	return time.Now().UTC()
}
