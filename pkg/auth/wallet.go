package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/decloud/orchestrator/pkg/errdefs"
)

// challengeTTL bounds how long a login nonce stays redeemable.
const challengeTTL = 5 * time.Minute

// ChallengeMessage renders the text a wallet must personal-sign to log in.
func ChallengeMessage(wallet, nonce string) string {
	return fmt.Sprintf("DeCloud login\nWallet: %s\nNonce: %s", strings.ToLower(wallet), nonce)
}

// ChallengeStore hands out single-use login nonces per wallet.
type ChallengeStore struct {
	mu      sync.Mutex
	pending map[string]challenge
	now     func() time.Time
}

type challenge struct {
	nonce     string
	expiresAt time.Time
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{pending: make(map[string]challenge), now: time.Now}
}

// Issue creates a fresh nonce for the wallet, replacing any prior one.
func (s *ChallengeStore) Issue(wallet string) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "generate nonce")
	}
	nonce := hex.EncodeToString(b)

	s.mu.Lock()
	s.pending[strings.ToLower(wallet)] = challenge{nonce: nonce, expiresAt: s.now().Add(challengeTTL)}
	s.mu.Unlock()
	return nonce, nil
}

// Redeem consumes the wallet's nonce if it matches and has not expired.
func (s *ChallengeStore) Redeem(wallet, nonce string) error {
	key := strings.ToLower(wallet)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pending[key]
	if !ok || c.nonce != nonce {
		return errdefs.New(errdefs.KindUnauthorized, "unknown login challenge")
	}
	delete(s.pending, key)
	if s.now().After(c.expiresAt) {
		return errdefs.New(errdefs.KindUnauthorized, "login challenge expired")
	}
	return nil
}

// VerifyWalletSignature checks that signature is an EIP-191 personal_sign of
// the challenge message by the claimed wallet.
func VerifyWalletSignature(wallet, nonce, signature string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return errdefs.New(errdefs.KindUnauthorized, "malformed signature")
	}
	// MetaMask and friends use the legacy 27/28 recovery id
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest := accounts.TextHash([]byte(ChallengeMessage(wallet, nonce)))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return errdefs.New(errdefs.KindUnauthorized, "unrecoverable signature")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return errdefs.New(errdefs.KindUnauthorized, "signature does not match wallet")
	}
	return nil
}
