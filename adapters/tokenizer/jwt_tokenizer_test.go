package tokenizer_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layer-3/pingmark/adapters/tokenizer"
	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

func newTokenizer(t *testing.T) (*ecdsa.PrivateKey, ports.Tokenizer) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key, tokenizer.NewJWTTokenizer(key)
}

func TestReceiptRoundTrip(t *testing.T) {
	_, tok := newTokenizer(t)

	receipt := &core.Receipt{
		ClientID:    "0x1111111111111111111111111111111111111111",
		SessionID:   "sess-1",
		EpochID:     123,
		Root:        core.Hash{0xab, 0xcd},
		Eligibility: core.Eligibility{Tier150: true, Tier300: true},
		IssuedAt:    time.Now().Truncate(time.Second),
	}

	token, err := tok.ReceiptToToken(receipt)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	parsed, err := tok.TokenToReceipt(token)
	require.NoError(t, err)
	require.Equal(t, receipt.ClientID, parsed.ClientID)
	require.Equal(t, receipt.SessionID, parsed.SessionID)
	require.Equal(t, receipt.EpochID, parsed.EpochID)
	require.Equal(t, receipt.Root, parsed.Root)
	require.Equal(t, receipt.Eligibility, parsed.Eligibility)
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	_, signer := newTokenizer(t)
	_, verifier := newTokenizer(t)

	token, err := signer.ReceiptToToken(&core.Receipt{
		ClientID:  "0x2222222222222222222222222222222222222222",
		SessionID: "sess-2",
		EpochID:   5,
		Root:      core.Hash{1},
		IssuedAt:  time.Now(),
	})
	require.NoError(t, err)

	_, err = verifier.TokenToReceipt(token)
	require.Error(t, err)
}

func TestGarbageTokenRejected(t *testing.T) {
	_, tok := newTokenizer(t)

	_, err := tok.TokenToReceipt("not.a.token")
	require.Error(t, err)
}
