package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/localsigner/internal/engine"
	"github.com/aegis-sign/localsigner/internal/gateway/dispatch"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/infra/kvstore"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

type stubEngine struct {
	engine.Unconfigured

	calls      atomic.Int64
	executeErr error
	panicOn    string
	delay      time.Duration

	mu       sync.Mutex
	transfer engine.TransferRequest
}

func (s *stubEngine) enter(method string) {
	s.calls.Add(1)
	if s.panicOn == method {
		panic("boom")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
}

func (s *stubEngine) Execute(_ context.Context, req engine.ExecuteRequest) (string, error) {
	s.enter("execute")
	if s.executeErr != nil {
		return "", s.executeErr
	}
	return fmt.Sprintf("tx:%s/%s", req.ProgramID, req.Function), nil
}

func (s *stubEngine) Transfer(_ context.Context, req engine.TransferRequest) (string, error) {
	s.enter("transfer")
	s.mu.Lock()
	s.transfer = req
	s.mu.Unlock()
	return "tx:transfer", nil
}

func (s *stubEngine) Split(_ context.Context, req engine.SplitRequest) (string, error) {
	s.enter("split")
	return fmt.Sprintf("split:%d", req.Amount), nil
}

func (s *stubEngine) DecryptRecords(_ context.Context, req engine.DecryptRecordsRequest) ([]string, error) {
	s.enter("decrypt_records")
	out := make([]string, len(req.Records))
	for i, r := range req.Records {
		out[i] = "plain:" + r
	}
	return out, nil
}

type recordingUpdates struct {
	versions chan string
}

func (r *recordingUpdates) Check(required string) {
	r.versions <- required
}

func newIdentity(t *testing.T, ensure bool) *identity.Store {
	t.Helper()
	kv, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	store, err := identity.NewStore(kv, identity.Options{KDF: identity.KDFParams{N: 1 << 10, R: 8, P: 1}})
	require.NoError(t, err)
	if ensure {
		_, err = store.EnsureIdentity(context.Background())
		require.NoError(t, err)
	}
	return store
}

type fixture struct {
	gw      *Gateway
	engine  *stubEngine
	store   *identity.Store
	updates *recordingUpdates
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, eng *stubEngine, disp Dispatcher) *fixture {
	t.Helper()
	if eng == nil {
		eng = &stubEngine{}
	}
	store := newIdentity(t, true)
	updates := &recordingUpdates{versions: make(chan string, 4)}
	reg := prometheus.NewRegistry()
	gw, err := New(Config{
		Engine:     eng,
		Identity:   store,
		Updates:    updates,
		Dispatcher: disp,
		Metrics:    NewMetrics(reg),
		Version:    "0.0.15",
	})
	require.NoError(t, err)
	return &fixture{gw: gw, engine: eng, store: store, updates: updates, reg: reg}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Identity: newIdentity(t, false)})
	require.Error(t, err)
}

func TestMethodsOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.Equal(t, []string{
		"discovery", "update", "deploy", "execute", "transfer", "join", "split",
		"deployment_cost", "execution_cost", "decrypt_records",
		"transaction_from_authorization", "deploy_from_authorization",
		"execution_costv2", "decrypt_recordsv2",
	}, f.gw.Methods())
}

func TestUnknownMethodNeverReachesEngine(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.gw.Call(context.Background(), "sign_everything", nil)
	require.True(t, apierrors.HasCode(err, apierrors.CodeMethodNotFound))
	require.Equal(t, apierrors.RPCMethodNotFound, apierrors.ToRPC(err).Code)
	require.Zero(t, f.engine.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(f.gw.metrics.requests.WithLabelValues("unknown", "not_found")))
}

func TestInvalidParamsNeverReachEngine(t *testing.T) {
	f := newFixture(t, nil, nil)
	cases := map[string]struct {
		method string
		params json.RawMessage
	}{
		"missing required":  {"execute", raw(t, []any{"APrivateKey1"})},
		"too many":          {"split", raw(t, []any{"k", "r", 1, nil, "extra"})},
		"unknown name":      {"split", raw(t, map[string]any{"private_key": "k", "record": "r", "amount": 1, "bogus": 1})},
		"zero amount":       {"split", raw(t, []any{"k", "r", 0})},
		"negative amount":   {"split", raw(t, []any{"k", "r", -5})},
		"bad transfer fn":   {"transfer", raw(t, []any{"k", "aleo1x", 10, "sideways"})},
		"bad query scheme":  {"execute", raw(t, []any{"k", "p.aleo", "main", []string{}, nil, nil, "ftp://node"})},
		"empty records":     {"decrypt_records", raw(t, []any{"AViewKey1", []string{}})},
		"wrong type":        {"execute", raw(t, []any{"k", 42, "main", []string{}})},
		"scalar params":     {"execute", json.RawMessage(`"k"`)},
		"empty identifier":  {"execute", raw(t, []any{"k", " ", "main", []string{}})},
		"empty list member": {"execute", raw(t, []any{"k", "p.aleo", "main", []string{""}})},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.gw.Call(context.Background(), tc.method, tc.params)
			require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidParams), "got %v", err)
			require.Equal(t, apierrors.RPCInvalidParams, apierrors.ToRPC(err).Code)
		})
	}
	require.Zero(t, f.engine.calls.Load())
}

func TestNamedAndPositionalParamsAreEquivalent(t *testing.T) {
	f := newFixture(t, nil, nil)
	positional, err := f.gw.Call(context.Background(), "transfer",
		raw(t, []any{"APrivateKey1", "aleo1dest", "1500", "public", nil, nil, 25}))
	require.NoError(t, err)
	require.Equal(t, "tx:transfer", positional)

	f.engine.mu.Lock()
	first := f.engine.transfer
	f.engine.mu.Unlock()
	require.Equal(t, uint64(1500), first.Amount)
	require.NotNil(t, first.Fee)
	require.Equal(t, uint64(25), *first.Fee)
	require.Nil(t, first.InputRecord)

	_, err = f.gw.Call(context.Background(), "transfer", raw(t, map[string]any{
		"private_key": "APrivateKey1",
		"recipient":   "aleo1dest",
		"amount":      1500,
		"function":    "public",
		"fee":         "25",
	}))
	require.NoError(t, err)
	f.engine.mu.Lock()
	second := f.engine.transfer
	f.engine.mu.Unlock()
	require.Equal(t, first, second)
}

func TestDiscoveryWithoutPassword(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.gw.Call(context.Background(), MethodDiscovery, nil)
	require.NoError(t, err)

	info, ok := res.(DiscoveryInfo)
	require.True(t, ok)
	id, err := f.store.Identity()
	require.NoError(t, err)
	require.Equal(t, "0.0.15", info.Version)
	require.Equal(t, id.Fingerprint.String(), info.Pubkey)
	require.Equal(t, id.PublicKeyHex(), info.PublicKey)
	require.NotContains(t, info.Features, MethodDiscovery)
	require.Contains(t, info.Features, "execute")
	require.Contains(t, info.Features, "decrypt_recordsv2")
	require.Zero(t, f.engine.calls.Load())
}

func TestDiscoveryWhileLocked(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.store.SetPassword(nil, []byte("hunter2")))
	f.store.Lock()

	_, err := f.gw.Call(context.Background(), MethodDiscovery, json.RawMessage(`[]`))
	require.NoError(t, err)
}

func TestDiscoveryWithoutIdentity(t *testing.T) {
	gw, err := New(Config{
		Identity: newIdentity(t, false),
		Updates:  &recordingUpdates{versions: make(chan string, 1)},
	})
	require.NoError(t, err)
	_, err = gw.Call(context.Background(), MethodDiscovery, nil)
	require.True(t, apierrors.HasCode(err, apierrors.CodeNoIdentity))
}

func TestLockedIdentityNeverReachesEngine(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.store.SetPassword(nil, []byte("hunter2")))
	f.store.Lock()

	_, err := f.gw.Call(context.Background(), "split", raw(t, []any{"k", "r", 3}))
	require.True(t, apierrors.HasCode(err, apierrors.CodeLocked))
	require.Equal(t, 423, apierrors.ToRPC(err).Code)
	require.Zero(t, f.engine.calls.Load())

	require.NoError(t, f.store.InputPassword([]byte("hunter2")))
	res, err := f.gw.Call(context.Background(), "split", raw(t, []any{"k", "r", 3}))
	require.NoError(t, err)
	require.Equal(t, "split:3", res)
}

func TestEngineFailureIsVerbatim(t *testing.T) {
	root := errors.New("insufficient balance")
	eng := &stubEngine{executeErr: engine.NewError("insufficient balance", fmt.Errorf("fee transition: %w", root))}
	f := newFixture(t, eng, nil)

	_, err := f.gw.Call(context.Background(), "execute",
		raw(t, []any{"APrivateKey1", "credits.aleo", "transfer_public", []string{"aleo1x", "5u64"}}))
	require.Error(t, err)
	rpc := apierrors.ToRPC(err)
	require.Equal(t, 500, rpc.Code)
	require.Equal(t, "insufficient balance", rpc.Message)
	require.Contains(t, rpc.Data, "fee transition")
	require.Equal(t, 1.0, testutil.ToFloat64(f.gw.metrics.requests.WithLabelValues("execute", "error")))
}

func TestPanicBecomesEngineFailure(t *testing.T) {
	f := newFixture(t, &stubEngine{panicOn: "execute"}, nil)
	_, err := f.gw.Call(context.Background(), "execute",
		raw(t, []any{"k", "credits.aleo", "main", []string{}}))
	require.True(t, apierrors.HasCode(err, apierrors.CodeEngineFailure))
	rpc := apierrors.ToRPC(err)
	require.Equal(t, 500, rpc.Code)
	require.Contains(t, rpc.Message, "boom")

	// 后续调用不受影响
	res, err := f.gw.Call(context.Background(), "split", raw(t, []any{"k", "r", 1}))
	require.NoError(t, err)
	require.Equal(t, "split:1", res)
}

func TestAliasesRouteToSameHandler(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.gw.Call(context.Background(), "decrypt_recordsv2", raw(t, []any{"AViewKey1", []string{"r1", "r2"}}))
	require.NoError(t, err)
	require.Equal(t, []string{"plain:r1", "plain:r2"}, res)
}

func TestUpdateReturnsImmediately(t *testing.T) {
	f := newFixture(t, nil, nil)
	res, err := f.gw.Call(context.Background(), MethodUpdate, raw(t, []any{"0.0.16"}))
	require.NoError(t, err)
	require.Nil(t, res)
	require.Equal(t, "0.0.16", <-f.updates.versions)

	_, err = f.gw.Call(context.Background(), MethodUpdate, nil)
	require.True(t, apierrors.HasCode(err, apierrors.CodeInvalidParams))
}

func TestOverlappingCallsThroughDispatcher(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Workers: 4, MaxQueue: 16})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	f := newFixture(t, &stubEngine{delay: 20 * time.Millisecond}, d)

	var wg sync.WaitGroup
	results := make([]any, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.gw.Call(context.Background(), "split", raw(t, []any{"k", "r", i + 1}))
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("split:%d", i+1), results[i])
	}
	require.EqualValues(t, 8, f.engine.calls.Load())
}

type fullDispatcher struct{}

func (fullDispatcher) Do(context.Context, string, dispatch.Task) (any, error) {
	return nil, dispatch.ErrQueueFull
}

func TestQueueFullMapsToRetryLater(t *testing.T) {
	f := newFixture(t, nil, fullDispatcher{})
	_, err := f.gw.Call(context.Background(), "split", raw(t, []any{"k", "r", 1}))
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeRetryLater, apiErr.Code)
	require.Equal(t, "1", apiErr.RetryAfterHint())
	require.Zero(t, f.engine.calls.Load())

	// discovery 不经过队列
	_, err = f.gw.Call(context.Background(), MethodDiscovery, nil)
	require.NoError(t, err)
}
