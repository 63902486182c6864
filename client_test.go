package pingmark_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/pingmark"
	"github.com/layer-3/pingmark/adapters/ledger"
	"github.com/layer-3/pingmark/adapters/store"
	"github.com/layer-3/pingmark/adapters/tokenizer"
	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/merkle"
	"github.com/layer-3/pingmark/ports"
	"github.com/layer-3/pingmark/service"
	transport "github.com/layer-3/pingmark/transport/http"
)

func startServer(t *testing.T) (*httptest.Server, *ledger.MockLedger, ports.Tokenizer, *service.EpochService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tok := tokenizer.NewJWTTokenizer(key)

	sessionStore := store.NewMemorySessionStore()
	mock := ledger.NewMockLedger()
	epochs := service.NewEpochService(
		sessionStore,
		store.NewMemoryCommitmentStore(),
		mock,
		nil,
		merkle.MiMCHasher{},
		service.EpochConfig{TreeDepth: merkle.DefaultDepth, CommitmentTTL: time.Minute, AnchorAttempts: 2, AnchorBackoff: time.Millisecond},
	)
	sessions := service.NewSessionService(sessionStore, epochs, nil, tok, service.SessionConfig{
		ChallengeCount: 4,
		Interval:       5 * time.Millisecond,
		Jitter:         time.Millisecond,
		ChallengeTTL:   1500 * time.Millisecond,
		TailWait:       100 * time.Millisecond,
		EpochWindow:    core.DefaultEpochWindow,
		StoreTTL:       time.Minute,
	})

	srv := httptest.NewServer(transport.SetupRouter(sessions, epochs, tok))
	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
		epochs.Close()
	})
	return srv, mock, tok, epochs
}

func TestClientAttestEndToEnd(t *testing.T) {
	srv, mock, tok, epochs := startServer(t)
	clientID := "0x1111111111111111111111111111111111111111"

	client := pingmark.NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Attest(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, result.Echoed, 4)
	require.NotEmpty(t, result.Root)

	// Everything was echoed over loopback, well under the deadline.
	for idx, echo := range result.Echoed {
		require.True(t, echo.Valid, "challenge %d", idx)
	}

	receipt, err := tok.TokenToReceipt(result.Receipt)
	require.NoError(t, err)
	require.Equal(t, clientID, receipt.ClientID)
	require.Equal(t, result.EpochID, receipt.EpochID)
	require.Equal(t, result.Root, receipt.Root.String())

	// The same root the client saw is anchored on the ledger.
	epochs.Close()
	root, finalized, err := mock.RootOf(ctx, result.EpochID)
	require.NoError(t, err)
	require.True(t, finalized)
	require.Equal(t, result.Root, root.String())
}

func TestClientRejectedOnBadClientID(t *testing.T) {
	srv, _, _, _ := startServer(t)

	client := pingmark.NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Attest(ctx, "not-an-address")
	require.Error(t, err)
}
