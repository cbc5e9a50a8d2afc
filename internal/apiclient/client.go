// Package apiclient talks to the SpikeShield HTTP API. Responses are decoded
// tolerantly so the client keeps working against older or hand-written
// backends that spell keys differently or omit fields.
package apiclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrOffline reports that the API could not be reached at all. Callers use
// it to disable live panels while wallet actions stay available.
var ErrOffline = errors.New("api offline")

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// Client is safe for concurrent use once configured.
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client with a 10s timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the API rooted at base, e.g. http://localhost:8080.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBearer returns a copy of c that authenticates with token.
func (c *Client) WithBearer(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, body any) (record, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrOffline, err)
	}
	var rec record
	if len(bytes.TrimSpace(data)) > 0 {
		rec, err = decodeRecord(data)
		if err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if rec == nil {
		rec = record{}
	}
	if resp.StatusCode >= 300 {
		msg := rec.str("error")
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{
			Status:    resp.StatusCode,
			Code:      rec.str("code"),
			Message:   msg,
			RequestID: rec.str("request_id"),
		}
	}
	return rec, nil
}

// Health pings /api/health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	rec, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	if err != nil {
		return Health{}, err
	}
	return Health{Status: rec.str("status"), Time: rec.time("time")}, nil
}

// Challenge asks for a login message to sign.
func (c *Client) Challenge(ctx context.Context, addr common.Address) (string, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/auth/challenge", map[string]string{"address": addr.Hex()})
	if err != nil {
		return "", err
	}
	return rec.str("message"), nil
}

// Signer signs a login message with the wallet key and returns 0x-hex.
type Signer func(message string) (string, error)

// Login runs the challenge/token exchange and returns a client bound to the
// issued token. A nil signer requests a development token.
func (c *Client) Login(ctx context.Context, addr common.Address, sign Signer) (*Client, error) {
	body := map[string]string{"address": addr.Hex()}
	if sign != nil {
		msg, err := c.Challenge(ctx, addr)
		if err != nil {
			return nil, err
		}
		sig, err := sign(msg)
		if err != nil {
			return nil, fmt.Errorf("sign login message: %w", err)
		}
		body["message"] = msg
		body["signature"] = sig
	}
	rec, err := c.do(ctx, http.MethodPost, "/v1/auth/token", body)
	if err != nil {
		return nil, err
	}
	token := rec.str("token")
	if token == "" {
		token = rec.str("access_token")
	}
	if token == "" {
		return nil, errors.New("login: empty token in response")
	}
	return c.WithBearer(token), nil
}

// Pool reads the pool view.
func (c *Client) Pool(ctx context.Context) (PoolInfo, error) {
	rec, err := c.do(ctx, http.MethodGet, "/v1/pool", nil)
	if err != nil {
		return PoolInfo{}, err
	}
	params := rec.object("params")
	return PoolInfo{
		Address:        common.HexToAddress(rec.str("address")),
		Asset:          common.HexToAddress(rec.str("asset")),
		Owner:          common.HexToAddress(rec.str("owner")),
		Oracle:         common.HexToAddress(rec.str("oracle")),
		Implementation: rec.str("implementation"),
		Premium:        params.units("premium_amount"),
		Coverage:       params.units("coverage_amount"),
		Duration:       time.Duration(params.int("coverage_duration_seconds")) * time.Second,
		Balance:        rec.units("pool_balance"),
	}, nil
}

// Faucet mints test funds to the caller.
func (c *Client) Faucet(ctx context.Context, amount string) (uint64, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/token/faucet", map[string]string{"amount": amount})
	if err != nil {
		return 0, err
	}
	return rec.units("balance"), nil
}

// Approve lets the pool pull amount from the caller.
func (c *Client) Approve(ctx context.Context, amount string) (uint64, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/token/approve", map[string]string{"amount": amount})
	if err != nil {
		return 0, err
	}
	return rec.units("allowance"), nil
}

// TokenBalance reads the settlement asset balance of addr.
func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (TokenBalance, error) {
	rec, err := c.do(ctx, http.MethodGet, "/v1/token/balance/"+addr.Hex(), nil)
	if err != nil {
		return TokenBalance{}, err
	}
	return TokenBalance{
		Address:         addr,
		Balance:         rec.units("balance"),
		PoolAllowance:   rec.units("pool_allowance"),
		HasActivePolicy: rec.bool("has_active_policy"),
		PolicyCount:     uint64(rec.int("policy_count")),
	}, nil
}

// Purchase buys one policy for the caller.
func (c *Client) Purchase(ctx context.Context) (Policy, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/pool/purchase", struct{}{})
	if err != nil {
		return Policy{}, err
	}
	return policyFrom(rec), nil
}

// Fund adds amount to the pool reserves from the caller.
func (c *Client) Fund(ctx context.Context, amount string) (uint64, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/pool/fund", map[string]string{"amount": amount})
	if err != nil {
		return 0, err
	}
	return rec.units("pool_balance"), nil
}

// Payout pays one policy by hand. Oracle only.
func (c *Client) Payout(ctx context.Context, user common.Address, policyID uint64, evidence string) (Policy, error) {
	rec, err := c.do(ctx, http.MethodPost, "/v1/pool/payout", map[string]any{
		"user":      user.Hex(),
		"policy_id": policyID,
		"evidence":  evidence,
	})
	if err != nil {
		return Policy{}, err
	}
	return policyFrom(rec), nil
}

// UserPolicies lists the pool's policies for addr.
func (c *Client) UserPolicies(ctx context.Context, addr common.Address) ([]Policy, error) {
	rec, err := c.do(ctx, http.MethodGet, "/v1/policies/"+addr.Hex(), nil)
	if err != nil {
		return nil, err
	}
	items := rec.list("policies")
	out := make([]Policy, 0, len(items))
	for _, item := range items {
		out = append(out, policyFrom(item))
	}
	return out, nil
}

// IndexedPolicies lists the read-model rows for addr.
func (c *Client) IndexedPolicies(ctx context.Context, addr common.Address) ([]Policy, error) {
	rec, err := c.do(ctx, http.MethodGet, "/api/policies?address="+url.QueryEscape(addr.Hex()), nil)
	if err != nil {
		return nil, err
	}
	items := rec.list("policies")
	out := make([]Policy, 0, len(items))
	for _, item := range items {
		out = append(out, policyFrom(item))
	}
	return out, nil
}

// Spikes returns the most recent detected spikes.
func (c *Client) Spikes(ctx context.Context, limit int) ([]Spike, error) {
	rec, err := c.do(ctx, http.MethodGet, "/api/spikes"+limitQuery(limit), nil)
	if err != nil {
		return nil, err
	}
	items := rec.list("spikes")
	out := make([]Spike, 0, len(items))
	for _, item := range items {
		out = append(out, Spike{
			ID:                item.int("id"),
			Symbol:            item.str("symbol"),
			Timestamp:         item.time("timestamp"),
			Open:              item.float("open"),
			High:              item.float("high"),
			Low:               item.float("low"),
			Close:             item.float("close"),
			BodyRatio:         item.float("body_ratio"),
			RangeClosePercent: item.float("range_close_percent"),
			DetectedAt:        item.time("detected_at"),
		})
	}
	return out, nil
}

// Prices returns recent candles for symbol; empty means the server default.
func (c *Client) Prices(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/prices"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	rec, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items := rec.list("prices")
	out := make([]Candle, 0, len(items))
	for _, item := range items {
		out = append(out, candleFrom(item))
	}
	return out, nil
}

// Payouts returns recent payouts, optionally for one user.
func (c *Client) Payouts(ctx context.Context, limit int, user *common.Address) ([]Payout, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if user != nil {
		q.Set("user", user.Hex())
	}
	path := "/api/payouts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	rec, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items := rec.list("payouts")
	out := make([]Payout, 0, len(items))
	for _, item := range items {
		out = append(out, Payout{
			ID:          item.str("id"),
			UserAddress: common.HexToAddress(item.str("user_address")),
			PolicyID:    uint64(item.int("policy_id")),
			Amount:      item.units("amount"),
			TxHash:      item.str("tx_hash"),
			Evidence:    item.str("evidence"),
			ExecutedAt:  item.time("executed_at"),
		})
	}
	return out, nil
}

// Stats returns the dashboard counters and the latest price.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	rec, err := c.do(ctx, http.MethodGet, "/api/stats", nil)
	if err != nil {
		return Stats{}, err
	}
	s := rec.object("stats")
	out := Stats{
		TotalSpikes:    int(s.int("total_spikes")),
		TotalPayouts:   int(s.int("total_payouts")),
		TotalPolicies:  int(s.int("total_policies")),
		ActivePolicies: int(s.int("active_policies")),
		TotalPrices:    int(s.int("total_prices")),
		Status:         rec.str("status"),
	}
	if latest := rec.object("latest_price"); len(latest) > 0 {
		lp := candleFrom(latest)
		out.LatestPrice = &lp
	}
	return out, nil
}

// RefreshBalance asks the backend to re-read and cache addr's balance.
func (c *Client) RefreshBalance(ctx context.Context, addr common.Address) (string, error) {
	rec, err := c.do(ctx, http.MethodPost, "/api/balance/refresh", map[string]string{"address": addr.Hex()})
	if err != nil {
		return "", err
	}
	return rec.str("balance"), nil
}

// LinkWallet schedules a background sync of addr.
func (c *Client) LinkWallet(ctx context.Context, addr common.Address) error {
	_, err := c.do(ctx, http.MethodPost, "/api/wallet/link", map[string]string{"address": addr.Hex()})
	return err
}

// InsertFakeKline starts the wick demo replay. Owner only.
func (c *Client) InsertFakeKline(ctx context.Context) (string, error) {
	rec, err := c.do(ctx, http.MethodPost, "/api/insert_fake_kline", struct{}{})
	if err != nil {
		return "", err
	}
	return rec.str("message"), nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

func policyFrom(rec record) Policy {
	user := rec.str("user")
	if user == "" {
		user = rec.str("user_address")
	}
	id := rec.int("id")
	if _, ok := rec.lookup("id"); !ok {
		id = rec.int("policy_id")
	}
	coverage := rec.units("coverage_amount")
	if coverage == 0 {
		coverage = rec.units("coverage")
	}
	p := Policy{
		ID:           uint64(id),
		User:         common.HexToAddress(user),
		Premium:      rec.units("premium"),
		Coverage:     coverage,
		PurchaseTime: rec.time("purchase_time"),
		ExpiryTime:   rec.time("expiry_time"),
		Active:       rec.bool("active"),
		Claimed:      rec.bool("claimed"),
		Expired:      rec.bool("expired"),
		Status:       rec.str("status"),
	}
	if p.Status != "" {
		p.Active = p.Active || p.Status == "active"
		p.Claimed = p.Claimed || p.Status == "claimed"
		p.Expired = p.Expired || p.Status == "expired"
	}
	return p
}

func candleFrom(rec record) Candle {
	return Candle{
		ID:        rec.int("id"),
		Symbol:    rec.str("symbol"),
		Timestamp: rec.time("timestamp"),
		Open:      rec.float("open"),
		High:      rec.float("high"),
		Low:       rec.float("low"),
		Close:     rec.float("close"),
		Volume:    rec.float("volume"),
	}
}

// KeySigner signs login messages with key as an EIP-191 personal message,
// the way a browser wallet does.
func KeySigner(key *ecdsa.PrivateKey) Signer {
	return func(message string) (string, error) {
		sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
		if err != nil {
			return "", err
		}
		sig[crypto.RecoveryIDOffset] += 27
		return hexutil.Encode(sig), nil
	}
}
