package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func withSecret(t *testing.T, s string) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv(secretEnvVariable, s)
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")
	addr := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	token, expiresAt, err := GenerateToken(addr, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Address() != addr {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != issuer || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims.RegisteredClaims)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	withSecret(t, "test-secret")
	token, _, err := GenerateToken(common.HexToAddress("0x01"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAndValidate(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for blank token, got %v", err)
	}

	SetSecret("other-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after secret change, got %v", err)
	}
}

func TestGenerateValidation(t *testing.T) {
	withSecret(t, "test-secret")
	if _, _, err := GenerateToken(common.Address{}, time.Minute); err == nil {
		t.Fatal("expected error for zero address")
	}
	if _, _, err := GenerateToken(common.HexToAddress("0x01"), 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")
	if _, _, err := GenerateToken(common.HexToAddress("0x01"), time.Minute); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected errMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := AddressFromContext(ctx); ok {
		t.Fatal("unexpected address in empty context")
	}
	addr := common.HexToAddress("0x07")
	ctx = ContextWithAddress(ctx, addr)
	ctx = ContextWithToken(ctx, "tok")
	got, ok := AddressFromContext(ctx)
	if !ok || got != addr {
		t.Fatalf("unexpected address: %s, ok=%v", got.Hex(), ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "tok" {
		t.Fatalf("unexpected token: %q", tok)
	}
}

func sign(t *testing.T, message string) (common.Address, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return crypto.PubkeyToAddress(key.PublicKey), hexutil.Encode(sig)
}

func TestVerifySignature(t *testing.T) {
	msg := LoginMessage(common.Address{}, "nonce", time.Unix(0, 0))
	addr, sig := sign(t, msg)

	if err := VerifySignature(addr, msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature(addr, msg+"!", sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for altered message, got %v", err)
	}
	if err := VerifySignature(common.HexToAddress("0x01"), msg, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong signer, got %v", err)
	}
	if err := VerifySignature(addr, msg, "0x1234"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}
}

func TestChallengesSingleUse(t *testing.T) {
	c := NewChallenges(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	addr := common.HexToAddress("0x09")

	msg, exp := c.Issue(addr)
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	if err := c.Consume(addr, "other"); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("expected ErrUnknownChallenge, got %v", err)
	}
	if err := c.Consume(addr, msg); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := c.Consume(addr, msg); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("expected replay to fail, got %v", err)
	}

	msg, _ = c.Issue(addr)
	now = now.Add(2 * time.Minute)
	if err := c.Consume(addr, msg); !errors.Is(err, ErrUnknownChallenge) {
		t.Fatalf("expected expired challenge to fail, got %v", err)
	}
}
