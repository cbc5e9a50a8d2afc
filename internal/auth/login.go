package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// LoginMessage is the text a wallet signs with personal_sign to obtain a
// token.
func LoginMessage(addr common.Address, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("SpikeShield login\nAddress: %s\nNonce: %s\nIssued At: %s",
		addr.Hex(), nonce, issuedAt.UTC().Format(time.RFC3339))
}

// VerifySignature checks that sigHex is an EIP-191 personal signature of
// message made by addr. Both 0/1 and 27/28 recovery ids are accepted.
func VerifySignature(addr common.Address, message, sigHex string) error {
	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrInvalidSignature
	}
	return nil
}

type challenge struct {
	message string
	expires time.Time
}

// Challenges hands out single-use login messages, one outstanding per
// address.
type Challenges struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[common.Address]challenge
}

func NewChallenges(ttl time.Duration) *Challenges {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Challenges{ttl: ttl, now: time.Now, pending: make(map[common.Address]challenge)}
}

// Issue creates a fresh login message for addr, replacing any earlier one.
func (c *Challenges) Issue(addr common.Address) (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for a, ch := range c.pending {
		if now.After(ch.expires) {
			delete(c.pending, a)
		}
	}
	ch := challenge{message: LoginMessage(addr, uuid.NewString(), now), expires: now.Add(c.ttl)}
	c.pending[addr] = ch
	return ch.message, ch.expires
}

// Consume verifies that message is the outstanding challenge for addr and
// retires it.
func (c *Challenges) Consume(addr common.Address, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[addr]
	if !ok || ch.message != message {
		return ErrUnknownChallenge
	}
	delete(c.pending, addr)
	if c.now().After(ch.expires) {
		return ErrUnknownChallenge
	}
	return nil
}
