package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/localsigner/internal/capability"
	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/internal/gateway"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/infra/kvstore"
	"github.com/aegis-sign/localsigner/internal/rpcapi"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

type fakeEngine struct {
	engine.Unconfigured
}

func (fakeEngine) Execute(_ context.Context, req engine.ExecuteRequest) (string, error) {
	if req.Function == "broke" {
		return "", engine.NewError("insufficient balance", nil)
	}
	return "at1" + req.ProgramID + "/" + req.Function + "/" + strings.Join(req.Inputs, ","), nil
}

func (fakeEngine) DecryptRecords(_ context.Context, req engine.DecryptRecordsRequest) ([]string, error) {
	return req.Records, nil
}

type noopUpdates struct{}

func (noopUpdates) Check(string) {}

func startServer(t *testing.T) (string, *identity.Store) {
	t.Helper()
	kv, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	store, err := identity.NewStore(kv, identity.Options{KDF: identity.KDFParams{N: 1 << 10, R: 8, P: 1}})
	require.NoError(t, err)
	id, err := store.EnsureIdentity(context.Background())
	require.NoError(t, err)

	gw, err := gateway.New(gateway.Config{Engine: fakeEngine{}, Identity: store, Updates: noopUpdates{}, Version: "0.0.15"})
	require.NoError(t, err)
	mux := http.NewServeMux()
	rpcapi.NewHandler(gw, store, rpcapi.Options{}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return capability.Build(id.Fingerprint.String(), port), store
}

func TestEndToEndEncryptedCall(t *testing.T) {
	capURL, _ := startServer(t)
	ctx := context.Background()
	c, err := New(ctx, capURL)
	require.NoError(t, err)
	require.Equal(t, "0.0.15", c.Info().Version)
	require.True(t, c.Supports("execute"))
	require.NoError(t, c.RequireVersion("0.0.14"))
	require.ErrorIs(t, c.RequireVersion("0.1.0"), ErrVersionTooOld)

	var tx string
	err = c.Call(ctx, "execute", []any{"APrivateKey1", "credits.aleo", "transfer_public", []string{"aleo1x", "5u64"}}, &tx)
	require.NoError(t, err)
	require.Equal(t, "at1credits.aleo/transfer_public/aleo1x,5u64", tx)

	var plain []string
	err = c.Call(ctx, "decrypt_recordsv2", map[string]any{"view_key": "AViewKey1", "records": []string{"r1"}}, &plain)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, plain)

	require.NoError(t, c.Call(ctx, "update", []string{"0.0.15"}, nil))
}

func TestEngineErrorSurfacesVerbatim(t *testing.T) {
	capURL, _ := startServer(t)
	c, err := New(context.Background(), capURL)
	require.NoError(t, err)

	err = c.Call(context.Background(), "execute", []any{"k", "credits.aleo", "broke", []string{}}, nil)
	var rpcErr *apierrors.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, 500, rpcErr.Code)
	require.Equal(t, "insufficient balance", rpcErr.Message)
}

func TestLockedServerReturnsLocked(t *testing.T) {
	capURL, store := startServer(t)
	c, err := New(context.Background(), capURL)
	require.NoError(t, err)
	require.NoError(t, store.SetPassword(nil, []byte("pw")))
	store.Lock()

	err = c.Call(context.Background(), "execute", []any{"k", "p.aleo", "main", []string{}}, nil)
	require.True(t, apierrors.IsRPC(err, 423))
}

func TestFingerprintMismatch(t *testing.T) {
	capURL, _ := startServer(t)
	capab, err := capability.Parse(capURL)
	require.NoError(t, err)
	forged := capability.Build(strings.Repeat("ab", 32), capab.Port)

	_, err = New(context.Background(), forged)
	require.ErrorIs(t, err, capability.ErrFingerprintMismatch)
}

func TestUnsupportedMethod(t *testing.T) {
	capURL, _ := startServer(t)
	c, err := New(context.Background(), capURL)
	require.NoError(t, err)
	require.ErrorIs(t, c.Call(context.Background(), "mint", nil, nil), ErrNotSupported)
}
