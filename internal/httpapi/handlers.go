package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/auth"
	"spikeshield.io/internal/detector"
	"spikeshield.io/internal/feed"
	"spikeshield.io/internal/indexer"
	"spikeshield.io/internal/obs"
	"spikeshield.io/internal/payout"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
	"spikeshield.io/internal/stream"
)

const serviceName = "spikeshield-api"

// ReadyProbe reports readiness from the backing store.
type ReadyProbe struct {
	Store interface {
		Ping(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options are the tunables of the HTTP layer.
type Options struct {
	Version    string
	TokenTTL   time.Duration
	DevTokens  bool
	Faucet     bool
	FaucetMax  uint64
	Pace       time.Duration
	RatePerSec float64
	RateBurst  int
	CORSOrigin string
}

// Deps are the components the API serves. Payouts and Replay are optional.
type Deps struct {
	Pool       *pool.Pool
	Token      *asset.Token
	Store      store.Store
	Stream     *stream.Stream
	Detector   *detector.Detector
	Replay     *feed.Replay
	Payouts    *payout.Service
	Indexer    *indexer.Indexer
	Challenges *auth.Challenges
	// Background is the parent of work started by a request that outlives
	// it. Defaults to context.Background.
	Background context.Context
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	opts       Options

	pool       *pool.Pool
	token      *asset.Token
	store      store.Store
	stream     *stream.Stream
	detector   *detector.Detector
	replay     *feed.Replay
	payouts    *payout.Service
	indexer    *indexer.Indexer
	challenges *auth.Challenges
	bg         context.Context

	ratePerSec float64
	rateBurst  int
}

func New(deps Deps, opts Options) *API {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	if opts.Pace <= 0 {
		opts.Pace = time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if deps.Challenges == nil {
		deps.Challenges = auth.NewChallenges(5 * time.Minute)
	}
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{Store: deps.Store},
		opts:       opts,
		pool:       deps.Pool,
		token:      deps.Token,
		store:      deps.Store,
		stream:     deps.Stream,
		detector:   deps.Detector,
		replay:     deps.Replay,
		payouts:    deps.Payouts,
		indexer:    deps.Indexer,
		challenges: deps.Challenges,
		bg:         deps.Background,
		ratePerSec: opts.RatePerSec,
		rateBurst:  opts.RateBurst,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	// backend read model
	a.mux.HandleFunc("/api/health", a.handleHealth)
	a.mux.HandleFunc("/api/spikes", a.handleSpikes)
	a.mux.HandleFunc("/api/prices", a.handlePrices)
	a.mux.HandleFunc("/api/payouts", a.handlePayouts)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/api/policies", a.handlePolicies)
	a.mux.HandleFunc("/api/balance", a.handleBalance)
	a.mux.HandleFunc("/api/balance/refresh", a.handleBalanceRefresh)
	a.mux.HandleFunc("/api/wallet/link", a.handleWalletLink)
	a.mux.HandleFunc("/api/insert_fake_kline", a.handleInsertFakeKline)

	// ledger
	a.mux.HandleFunc("/v1/auth/challenge", a.handleAuthChallenge)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/pool", a.handlePool)
	a.mux.HandleFunc("/v1/pool/purchase", a.handlePurchase)
	a.mux.HandleFunc("/v1/pool/fund", a.handleFund)
	a.mux.HandleFunc("/v1/pool/payout", a.handlePayout)
	a.mux.HandleFunc("/v1/policies/", a.handlePolicyResource)
	a.mux.HandleFunc("/v1/admin/oracle", a.handleSetOracle)
	a.mux.HandleFunc("/v1/admin/params", a.handleSetParams)
	a.mux.HandleFunc("/v1/admin/ownership", a.handleOwnership)
	a.mux.HandleFunc("/v1/token/balance/", a.handleTokenBalance)
	a.mux.HandleFunc("/v1/token/approve", a.handleApprove)
	a.mux.HandleFunc("/v1/token/faucet", a.handleFaucet)
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.opts.CORSOrigin)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
		"uptime":  obs.Uptime().Round(time.Second).String(),
	}
	if a.pool != nil {
		info["pool"] = a.pool.Address().Hex()
		info["asset"] = a.pool.AssetAddress().Hex()
		info["implementation"] = a.pool.Implementation(r.Context())
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
