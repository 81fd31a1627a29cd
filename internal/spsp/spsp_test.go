package spsp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/ledger/memory"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

type testEnv struct {
	router  chi.Router
	stream  *stream.Server
	events  *event.MemSink
	address walletaddress.WalletAddress
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := ledger.NewRegistry()
	led := memory.New(manual, registry)
	log := zap.NewNop()

	assets := asset.NewMemStore()
	a, err := asset.NewService(assets, led, manual, log).Create(ctx, "USD", 2, asset.CreateOptions{})
	require.NoError(t, err)

	addresses := walletaddress.NewMemStore()
	addressSvc := walletaddress.NewService(addresses, assets, led, registry, manual, time.Minute, log)
	addr, err := addressSvc.Create(ctx, walletaddress.CreateParams{
		URL:     "https://wallet.example/alice",
		AssetID: a.ID,
	})
	require.NoError(t, err)

	streamServer, err := stream.NewServer(bytes.Repeat([]byte{3}, stream.SecretLen), "test.halcyon")
	require.NoError(t, err)

	events := event.NewMemSink()
	handler := NewHandler(addressSvc, assets, streamServer, events, manual, "https://wallet.example", log)
	router := chi.NewRouter()
	handler.Mount(router)

	return &testEnv{router: router, stream: streamServer, events: events, address: addr}
}

func (e *testEnv) get(path, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Accept", accept)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/alice", ContentType)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentType, rec.Header().Get("Content-Type"))

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "USD", resp.Asset.Code)
	assert.Equal(t, uint8(2), resp.Asset.Scale)
	assert.True(t, strings.HasPrefix(resp.DestinationAccount, "test.halcyon."))

	secret, err := base64.RawURLEncoding.DecodeString(resp.SharedSecret)
	require.NoError(t, err)
	assert.Len(t, secret, stream.SecretLen)

	// The minted destination resolves back to the wallet address.
	tag, _, ok := env.stream.DecodeDestination(resp.DestinationAccount)
	require.True(t, ok)
	assert.Equal(t, stream.TagWalletAddress, tag.Kind)
	assert.Equal(t, env.address.ID, tag.ID)
}

func TestQueryDeterministic(t *testing.T) {
	env := newTestEnv(t)

	first := env.get("/alice", ContentType)
	second := env.get("/alice", ContentType)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestUnknownAddress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/nobody", ContentType)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	missed := env.events.OfType(event.TypeWalletAddressNotFound)
	require.Len(t, missed, 1)
	assert.Contains(t, string(missed[0].Data), "https://wallet.example/nobody")
}

func TestWrongAccept(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get("/alice", "text/html")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}
