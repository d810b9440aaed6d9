package auth

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signChallenge(t *testing.T, wallet, nonce string, keyHex string) string {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	digest := accounts.TextHash([]byte(ChallengeMessage(wallet, nonce)))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

func TestWalletLoginRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()
	keyHex := hexutil.Encode(crypto.FromECDSA(key))[2:]

	store := NewChallengeStore()
	nonce, err := store.Issue(wallet)
	require.NoError(t, err)

	sig := signChallenge(t, wallet, nonce, keyHex)
	require.NoError(t, VerifyWalletSignature(wallet, nonce, sig))
	require.NoError(t, store.Redeem(wallet, nonce))

	// nonce is single use
	assert.Error(t, store.Redeem(wallet, nonce))
}

func TestWalletSignatureWrongKey(t *testing.T) {
	victim, err := crypto.GenerateKey()
	require.NoError(t, err)
	attacker, err := crypto.GenerateKey()
	require.NoError(t, err)

	wallet := crypto.PubkeyToAddress(victim.PublicKey).Hex()
	attackerHex := hexutil.Encode(crypto.FromECDSA(attacker))[2:]

	sig := signChallenge(t, wallet, "nonce", attackerHex)
	assert.Error(t, VerifyWalletSignature(wallet, "nonce", sig))
}

func TestWalletSignatureMalformed(t *testing.T) {
	assert.Error(t, VerifyWalletSignature("0xaa", "nonce", "not-hex"))
	assert.Error(t, VerifyWalletSignature("0xaa", "nonce", "0xdead"))
}

func TestChallengeExpiry(t *testing.T) {
	store := NewChallengeStore()
	nonce, err := store.Issue("0xaa")
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	err = store.Redeem("0xaa", nonce)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}
