package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"spikeshield.io/internal/apiclient"
	"spikeshield.io/internal/asset"
)

type counters struct {
	purchases    atomic.Int64
	failures     atomic.Int64
	insufficient atomic.Int64
	conflicts    atomic.Int64
	rateLimited  atomic.Int64
	serverErrors atomic.Int64
	offline      atomic.Int64
}

// loadsim drives concurrent wallets that each log in, draw from the faucet
// and buy policies until the duration ends.
func main() {
	var (
		baseURL   = flag.String("base-url", "http://localhost:8080", "API base URL")
		workers   = flag.Int("workers", 4, "Concurrent wallet count")
		duration  = flag.Duration("duration", time.Minute, "Duration of the simulation")
		perWallet = flag.Int("policies", 5, "Policies each wallet is funded for")
		spike     = flag.Bool("spike", false, "Trigger the wick demo replay halfway through (needs -owner-key)")
		ownerKey  = flag.String("owner-key", os.Getenv("SPIKESHIELD_OWNER_KEY"), "Hex private key of the pool owner")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	api := apiclient.New(*baseURL)
	info, err := api.Pool(ctx)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	log.Printf("Launching load simulation: base=%s workers=%d duration=%s premium=%s", *baseURL, *workers, *duration, asset.FormatUnits(info.Premium))

	var c counters
	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			user, err := onboard(ctx, api, info.Premium*uint64(*perWallet))
			if err != nil {
				log.Printf("worker %d onboard: %v", id, err)
				c.failures.Add(1)
				return
			}
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id*9973)))
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if _, err := user.Purchase(ctx); err != nil {
					c.record(id, err)
					if apiclient.StatusOf(err) == http.StatusPaymentRequired {
						return
					}
					continue
				}
				c.purchases.Add(1)
				time.Sleep(time.Duration(50+rnd.Intn(120)) * time.Millisecond)
			}
		}(i)
	}

	if *spike {
		go triggerSpike(ctx, api, *ownerKey, *duration/2)
	}

	wg.Wait()

	log.Printf("Run complete: %d purchases / %d failed (insufficient=%d, conflicts=%d, rate_limited=%d, server_errors=%d, offline=%d)",
		c.purchases.Load(), c.failures.Load(), c.insufficient.Load(), c.conflicts.Load(), c.rateLimited.Load(), c.serverErrors.Load(), c.offline.Load())

	stats, err := api.Stats(context.Background())
	if err != nil {
		log.Printf("stats unavailable: %v", err)
		return
	}
	log.Printf("Backend: policies=%d active=%d spikes=%d payouts=%d", stats.TotalPolicies, stats.ActivePolicies, stats.TotalSpikes, stats.TotalPayouts)
}

// onboard creates a wallet, logs it in and funds it for budget.
func onboard(ctx context.Context, api *apiclient.Client, budget uint64) (*apiclient.Client, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	user, err := api.Login(ctx, crypto.PubkeyToAddress(key.PublicKey), apiclient.KeySigner(key))
	if err != nil {
		return nil, err
	}
	amount := asset.FormatUnits(budget)
	if _, err := user.Faucet(ctx, amount); err != nil {
		return nil, err
	}
	if _, err := user.Approve(ctx, amount); err != nil {
		return nil, err
	}
	return user, nil
}

func (c *counters) record(worker int, err error) {
	c.failures.Add(1)
	if errors.Is(err, apiclient.ErrOffline) {
		c.offline.Add(1)
		time.Sleep(time.Second)
		return
	}
	switch status := apiclient.StatusOf(err); {
	case status == http.StatusPaymentRequired:
		c.insufficient.Add(1)
	case status == http.StatusConflict:
		c.conflicts.Add(1)
	case status == http.StatusTooManyRequests:
		c.rateLimited.Add(1)
		time.Sleep(250 * time.Millisecond)
	default:
		c.serverErrors.Add(1)
		log.Printf("worker %d purchase failed: %v", worker, err)
		time.Sleep(200 * time.Millisecond)
	}
}

func triggerSpike(ctx context.Context, api *apiclient.Client, ownerKey string, after time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(after):
	}
	key, err := crypto.HexToECDSA(trimHex(ownerKey))
	if err != nil {
		log.Printf("spike: bad owner key: %v", err)
		return
	}
	owner, err := api.Login(ctx, crypto.PubkeyToAddress(key.PublicKey), apiclient.KeySigner(key))
	if err != nil {
		log.Printf("spike: owner login: %v", err)
		return
	}
	msg, err := owner.InsertFakeKline(ctx)
	if err != nil {
		log.Printf("spike: %v", err)
		return
	}
	log.Printf("spike: %s", msg)
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
