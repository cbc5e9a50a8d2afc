package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"spikeshield.io/internal/asset"
	"spikeshield.io/internal/auth"
	"spikeshield.io/internal/detector"
	"spikeshield.io/internal/feed"
	"spikeshield.io/internal/indexer"
	"spikeshield.io/internal/payout"
	"spikeshield.io/internal/pool"
	"spikeshield.io/internal/store"
	"spikeshield.io/internal/stream"
)

const unit = 1_000_000

var (
	deployer  = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tokenAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	poolAddr  = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

const wickCSV = `timestamp,open,high,low,close,volume
2021-05-19T13:00:00Z,40000,40100,39900,40050,10
2021-05-19T13:01:00Z,40050,40090,35000,39500,55
`

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *store.Memory
	pool    *pool.Pool
	token   *asset.Token
}

func newTestAPI(t *testing.T, mutate ...func(*Options)) *apiClient {
	t.Helper()

	t.Setenv("SPIKESHIELD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	ctx := context.Background()
	mem := store.NewMemory()
	st := stream.New()
	tok := asset.NewToken(tokenAddr)
	p := pool.New(poolAddr, tok, deployer, pool.WithPublisher(st))
	if err := tok.Mint(ctx, deployer, 1000*unit); err != nil {
		t.Fatal(err)
	}
	if err := tok.Approve(ctx, deployer, poolAddr, 1000*unit); err != nil {
		t.Fatal(err)
	}
	if err := p.FundPool(ctx, deployer, 1000*unit); err != nil {
		t.Fatal(err)
	}
	svc, err := payout.New(ctx, p, mem, deployer)
	if err != nil {
		t.Fatal(err)
	}
	csvPath := filepath.Join(t.TempDir(), "wick.csv")
	if err := os.WriteFile(csvPath, []byte(wickCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	bg, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := Options{
		Version:    "test",
		DevTokens:  true,
		Faucet:     true,
		FaucetMax:  1000 * unit,
		Pace:       time.Millisecond,
		RatePerSec: 1000,
		RateBurst:  1000,
	}
	for _, m := range mutate {
		m(&opts)
	}
	api := New(Deps{
		Pool:       p,
		Token:      tok,
		Store:      mem,
		Stream:     st,
		Detector:   detector.New(detector.DefaultConfig(), mem),
		Replay:     feed.NewReplay(csvPath, "BTCUSDT", mem),
		Payouts:    svc,
		Indexer:    indexer.New(p, tok, mem),
		Background: bg,
	}, opts)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   mem,
		pool:    p,
		token:   tok,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// bearer obtains a dev token for addr.
func (c *apiClient) bearer(addr common.Address) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"address": addr.Hex()}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func expectStatus(t *testing.T, resp *http.Response, want int) map[string]any {
	t.Helper()
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
	return body
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestPurchaseAndPayoutFlow(t *testing.T) {
	api := newTestAPI(t)
	aliceAuth := api.bearer(alice)
	oracleAuth := api.bearer(deployer)

	expectStatus(t, api.post("/v1/token/faucet", map[string]any{"amount": "50"}, aliceAuth), http.StatusOK)
	expectStatus(t, api.post("/v1/token/approve", map[string]any{"amount": "10"}, aliceAuth), http.StatusOK)

	resp := api.post("/v1/pool/purchase", nil, aliceAuth)
	pol := expectStatus(t, resp, http.StatusCreated)
	if pol["id"].(float64) != 0 || pol["active"] != true || pol["coverage_amount"].(float64) != 100*unit {
		t.Fatalf("unexpected policy: %v", pol)
	}
	if !strings.HasSuffix(resp.Header.Get("Location"), "/0") {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}

	list := expectStatus(t, api.get("/v1/policies/"+alice.Hex(), nil, nil), http.StatusOK)
	if list["count"].(float64) != 1 {
		t.Fatalf("unexpected policies: %v", list)
	}
	active := expectStatus(t, api.get("/v1/policies/"+alice.Hex()+"/active", nil, nil), http.StatusOK)
	if active["active"] != true {
		t.Fatalf("expected active policy: %v", active)
	}

	payoutReq := map[string]any{"user": alice.Hex(), "policy_id": 0, "evidence": "manual"}
	body := expectStatus(t, api.post("/v1/pool/payout", payoutReq, aliceAuth), http.StatusForbidden)
	if body["code"] != "not_oracle" || body["error"] != pool.ErrNotOracle.Error() {
		t.Fatalf("unexpected error body: %v", body)
	}

	paid := expectStatus(t, api.post("/v1/pool/payout", payoutReq, oracleAuth), http.StatusOK)
	if paid["claimed"] != true || paid["active"] != false {
		t.Fatalf("unexpected payout result: %v", paid)
	}
	body = expectStatus(t, api.post("/v1/pool/payout", payoutReq, oracleAuth), http.StatusConflict)
	if body["code"] != "policy_not_active" {
		t.Fatalf("unexpected error body: %v", body)
	}

	bal := expectStatus(t, api.get("/v1/token/balance/"+alice.Hex(), nil, nil), http.StatusOK)
	if bal["balance"].(float64) != 140*unit {
		t.Fatalf("unexpected balance: %v", bal)
	}

	payouts := expectStatus(t, api.get("/api/payouts", url.Values{"user": {alice.Hex()}}, nil), http.StatusOK)
	if payouts["count"].(float64) != 1 {
		t.Fatalf("manual payout not recorded: %v", payouts)
	}

	info := expectStatus(t, api.get("/v1/pool", nil, nil), http.StatusOK)
	if info["pool_balance"].(float64) != 910*unit {
		t.Fatalf("unexpected pool balance: %v", info)
	}
}

func TestPurchaseWithoutApproval(t *testing.T) {
	api := newTestAPI(t)
	aliceAuth := api.bearer(alice)
	expectStatus(t, api.post("/v1/token/faucet", map[string]any{"amount": "50"}, aliceAuth), http.StatusOK)

	body := expectStatus(t, api.post("/v1/pool/purchase", nil, aliceAuth), http.StatusPaymentRequired)
	if body["code"] != "insufficient_allowance" {
		t.Fatalf("unexpected error body: %v", body)
	}
	if api.pool.UserPoliciesCount(context.Background(), alice) != 0 {
		t.Fatal("policy recorded despite failed payment")
	}
}

func TestPolicyNotFound(t *testing.T) {
	api := newTestAPI(t)
	body := expectStatus(t, api.get("/v1/policies/"+alice.Hex()+"/3", nil, nil), http.StatusNotFound)
	if body["error"] != "invalid policy id" {
		t.Fatalf("unexpected error body: %v", body)
	}
	expectStatus(t, api.get("/v1/policies/not-an-address", nil, nil), http.StatusBadRequest)
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/pool/purchase", nil, nil)
	body := expectStatus(t, resp, http.StatusUnauthorized)
	if body["error"] == "" || body["request_id"] == nil {
		t.Fatalf("expected error message and request id: %v", body)
	}
}

func TestAdminOwnerOnly(t *testing.T) {
	api := newTestAPI(t)
	aliceAuth := api.bearer(alice)
	ownerAuth := api.bearer(deployer)

	body := expectStatus(t, api.post("/v1/admin/oracle", map[string]any{"oracle": alice.Hex()}, aliceAuth), http.StatusForbidden)
	if body["code"] != "not_owner" {
		t.Fatalf("unexpected error body: %v", body)
	}

	params := map[string]any{"premium": "5", "coverage": "50", "duration": "1h"}
	view := expectStatus(t, api.post("/v1/admin/params", params, ownerAuth), http.StatusOK)
	p := view["params"].(map[string]any)
	if p["premium_amount"].(float64) != 5*unit || p["coverage_duration_seconds"].(float64) != 3600 {
		t.Fatalf("unexpected params: %v", p)
	}

	expectStatus(t, api.post("/v1/admin/params", map[string]any{"premium": "x", "coverage": "1", "duration": "1h"}, ownerAuth), http.StatusBadRequest)

	view = expectStatus(t, api.post("/v1/admin/ownership", map[string]any{"new_owner": ""}, ownerAuth), http.StatusOK)
	if view["owner"] != (common.Address{}).Hex() {
		t.Fatalf("expected renounced owner, got %v", view["owner"])
	}
	expectStatus(t, api.post("/v1/admin/oracle", map[string]any{"oracle": alice.Hex()}, ownerAuth), http.StatusForbidden)
}

func TestAuthTokenSignature(t *testing.T) {
	api := newTestAPI(t, func(o *Options) { o.DevTokens = false })

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	expectStatus(t, api.post("/v1/auth/token", map[string]any{"address": addr.Hex()}, nil), http.StatusBadRequest)

	ch := decode[challengeResponse](t, api.post("/v1/auth/challenge", map[string]any{"address": addr.Hex()}, nil))
	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Message)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	req := map[string]any{"address": addr.Hex(), "message": ch.Message, "signature": hexutil.Encode(sig)}

	tok := decode[tokenResponse](t, api.post("/v1/auth/token", req, nil))
	if tok.Token == "" || tok.Address != addr.Hex() {
		t.Fatalf("unexpected token response: %+v", tok)
	}
	expectStatus(t, api.post("/v1/auth/token", req, nil), http.StatusUnauthorized)
}

func TestBackendReadModel(t *testing.T) {
	api := newTestAPI(t)

	health := expectStatus(t, api.get("/api/health", nil, nil), http.StatusOK)
	if health["status"] != "healthy" {
		t.Fatalf("unexpected health: %v", health)
	}
	expectStatus(t, api.get("/api/policies", nil, nil), http.StatusBadRequest)

	bal := expectStatus(t, api.get("/api/balance", url.Values{"address": {deployer.Hex()}}, nil), http.StatusOK)
	if bal["found"] != false {
		t.Fatalf("expected unindexed balance: %v", bal)
	}

	refreshed := expectStatus(t, api.post("/api/balance/refresh?address="+deployer.Hex(), nil, nil), http.StatusOK)
	if refreshed["balance"] != "0.000000" {
		t.Fatalf("unexpected refreshed balance: %v", refreshed)
	}
	bal = expectStatus(t, api.get("/api/balance", url.Values{"address": {deployer.Hex()}}, nil), http.StatusOK)
	if bal["found"] != true || bal["balance"] != "0.000000" {
		t.Fatalf("expected indexed balance: %v", bal)
	}

	ctx := context.Background()
	_ = api.token.Mint(ctx, alice, 10*unit)
	_ = api.token.Approve(ctx, alice, poolAddr, 10*unit)
	if _, _, err := api.pool.BuyInsurance(ctx, alice); err != nil {
		t.Fatal(err)
	}
	other := "0x00000000000000000000000000000000000000ff"
	expectStatus(t, api.post("/api/wallet/link", map[string]any{"address": alice.Hex(), "token": other}, nil), http.StatusBadRequest)
	resp := api.post("/api/wallet/link", map[string]any{"address": alice.Hex(), "token": api.token.Address().Hex()}, nil)
	linked := expectStatus(t, resp, http.StatusAccepted)
	if linked["token"] != api.token.Address().Hex() {
		t.Fatalf("unexpected link response: %v", linked)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		body := expectStatus(t, api.get("/api/policies", url.Values{"address": {alice.Hex()}}, nil), http.StatusOK)
		if body["count"].(float64) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wallet link did not sync: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := expectStatus(t, api.get("/api/stats", nil, nil), http.StatusOK)
	s := stats["stats"].(map[string]any)
	if s["total_policies"].(float64) != 1 || s["active_policies"].(float64) != 1 || stats["status"] != "monitoring" {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if stats["latest_price"] != nil {
		t.Fatalf("expected no price yet: %v", stats["latest_price"])
	}
}

func TestInsertFakeKline(t *testing.T) {
	api := newTestAPI(t)

	expectStatus(t, api.post("/api/insert_fake_kline", nil, nil), http.StatusUnauthorized)
	expectStatus(t, api.post("/api/insert_fake_kline", nil, api.bearer(alice)), http.StatusForbidden)

	body := expectStatus(t, api.post("/api/insert_fake_kline", nil, api.bearer(deployer)), http.StatusOK)
	if body["status"] != "started" {
		t.Fatalf("unexpected body: %v", body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		prices := expectStatus(t, api.get("/api/prices", nil, nil), http.StatusOK)
		if prices["count"].(float64) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay did not insert candles: %v", prices)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventsReplayFromLastEventID(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_ = api.token.Mint(ctx, alice, 10*unit)
	_ = api.token.Approve(ctx, alice, poolAddr, 10*unit)
	if _, _, err := api.pool.BuyInsurance(ctx, alice); err != nil {
		t.Fatal(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, api.baseURL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var id, event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		}
		if event != "" {
			break
		}
	}
	if id != "2" || event != pool.EventPolicyPurchased {
		t.Fatalf("expected replay of record 2, got id=%q event=%q", id, event)
	}
}
