package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"spikeshield.io/internal/apiclient"
	"spikeshield.io/internal/asset"
)

// smoke buys one policy with a fresh wallet and checks that the premium
// moved from the wallet into the pool.
func main() {
	log.SetFlags(0)
	base := flag.String("base-url", envOr("SPIKESHIELD_API_URL", "http://localhost:8080"), "API base URL")
	timeout := flag.Duration("timeout", 20*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api := apiclient.New(*base)
	if _, err := api.Health(ctx); err != nil {
		if errors.Is(err, apiclient.ErrOffline) {
			log.Fatalf("api at %s is offline: %v", *base, err)
		}
		log.Fatalf("health: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("generate wallet: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	user, err := api.Login(ctx, wallet, apiclient.KeySigner(key))
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	before, err := api.Pool(ctx)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	premium := asset.FormatUnits(before.Premium)

	if _, err := user.Faucet(ctx, premium); err != nil {
		log.Fatalf("faucet: %v", err)
	}
	if _, err := user.Approve(ctx, premium); err != nil {
		log.Fatalf("approve: %v", err)
	}
	pol, err := user.Purchase(ctx)
	if err != nil {
		log.Fatalf("purchase: %v", err)
	}
	if !pol.Active || pol.Premium != before.Premium || pol.Coverage != before.Coverage {
		log.Fatalf("unexpected policy: %+v", pol)
	}

	bal, err := api.TokenBalance(ctx, wallet)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	after, err := api.Pool(ctx)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	if bal.Balance != 0 || !bal.HasActivePolicy || bal.PolicyCount != 1 {
		log.Fatalf("unexpected wallet state: %+v", bal)
	}
	if after.Balance < before.Balance+before.Premium {
		log.Fatalf("premium not received: pool %d -> %d", before.Balance, after.Balance)
	}

	if err := api.LinkWallet(ctx, wallet); err != nil {
		log.Fatalf("link wallet: %v", err)
	}
	if _, err := api.Stats(ctx); err != nil {
		log.Fatalf("stats: %v", err)
	}

	fmt.Printf("smoke test passed: wallet=%s policy=%d expires=%s\n", wallet.Hex(), pol.ID, pol.ExpiryTime.Format(time.RFC3339))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
