package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

type recordingEngine struct {
	mu    sync.Mutex
	last  *structpb.Struct
	proxy []string
}

func (r *recordingEngine) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	r.mu.Lock()
	r.last = req
	r.proxy = md.Get(ProxyMetadataKey)
	r.mu.Unlock()
	switch req.GetFields()["method"].GetStringValue() {
	case "execute":
		st := status.New(codes.FailedPrecondition, "insufficient balance")
		st, err := st.WithDetails(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewStringValue("fee record holds 10 microcredits"),
			structpb.NewStringValue("required 1500"),
		}})
		if err != nil {
			return nil, err
		}
		return nil, st.Err()
	case "decrypt_records":
		return structpb.NewValue([]any{"record-a", "record-b"})
	default:
		return structpb.NewStringValue("at1transaction"), nil
	}
}

func (r *recordingEngine) lastParams() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last.GetFields()["params"].GetStructValue().AsMap()
}

func (r *recordingEngine) lastProxy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy
}

func newRemote(t *testing.T, opts ...RemoteOption) (*Remote, *recordingEngine) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	eng := &recordingEngine{}
	engineclient.RegisterEngineServer(srv, eng)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := engineclient.DefaultConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 2
	cfg.HealthCheckInterval = time.Hour
	pool, err := engineclient.NewPool(cfg,
		engineclient.WithRegisterer(prometheus.NewRegistry()),
		engineclient.WithDialer(func(ctx context.Context, target engineclient.Target, _ engineclient.Config) (*grpc.ClientConn, error) {
			return grpc.DialContext(ctx, target.Endpoint,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
			)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	pool.RegisterTarget(engineclient.Target{ID: "engine", Endpoint: "passthrough:///buf"})

	selector, err := NewRoundRobinSelector([]string{"engine"})
	require.NoError(t, err)
	remote, err := NewRemote(pool, selector, opts...)
	require.NoError(t, err)
	return remote, eng
}

func TestRemoteTransferEncodesParams(t *testing.T) {
	remote, eng := newRemote(t)
	fee := uint64(1 << 60)
	tx, err := remote.Transfer(context.Background(), TransferRequest{
		PrivateKey: "APrivateKey1zkp",
		Recipient:  "aleo1recipient",
		Amount:     1500000,
		Function:   TransferPublic,
		Fee:        &fee,
	})
	require.NoError(t, err)
	require.Equal(t, "at1transaction", tx)

	params := eng.lastParams()
	require.Equal(t, "1500000", params["amount"])
	require.Equal(t, "1152921504606846976", params["fee"])
	require.Equal(t, "public", params["function"])
	require.NotContains(t, params, "query")
}

func TestRemoteExecuteFailureKeepsMessage(t *testing.T) {
	remote, _ := newRemote(t)
	_, err := remote.Execute(context.Background(), ExecuteRequest{
		PrivateKey: "APrivateKey1zkp",
		ProgramID:  "credits.aleo",
		Function:   "transfer_public",
		Inputs:     []string{"aleo1x", "1u64"},
	})
	require.Error(t, err)
	require.Equal(t, "insufficient balance", err.Error())

	rpc := apierrors.ToRPC(err)
	require.Equal(t, 500, rpc.Code)
	require.Equal(t, "insufficient balance", rpc.Message)
	require.Contains(t, rpc.Data, "required 1500")
}

func TestRemoteDecryptRecords(t *testing.T) {
	remote, _ := newRemote(t)
	out, err := remote.DecryptRecords(context.Background(), DecryptRecordsRequest{ViewKey: "AViewKey1", Records: []string{"record1"}})
	require.NoError(t, err)
	require.Equal(t, []string{"record-a", "record-b"}, out)
}

func TestRoundRobinSelector(t *testing.T) {
	_, err := NewRoundRobinSelector(nil)
	require.Error(t, err)
	sel, err := NewRoundRobinSelector([]string{"a", "b"})
	require.NoError(t, err)
	var got []string
	for i := 0; i < 4; i++ {
		id, err := sel.Select(context.Background(), "deploy")
		require.NoError(t, err)
		got = append(got, id)
	}
	require.Equal(t, []string{"a", "b", "a", "b"}, got)

	require.ErrorIs(t, sel.SetTargets(nil), errNoTargets)
	require.NoError(t, sel.SetTargets([]string{"c"}))
	id, err := sel.Select(context.Background(), "deploy")
	require.NoError(t, err)
	require.Equal(t, "c", id)
}

func TestUnconfiguredEngine(t *testing.T) {
	_, err := Unconfigured{}.Deploy(context.Background(), DeployRequest{})
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Equal(t, "signing engine not configured", err.Error())
}

func TestRemotePassesProxyToEngine(t *testing.T) {
	remote, eng := newRemote(t, WithProxy("socks5://127.0.0.1:1080"))
	ctx := context.Background()

	_, err := remote.Deploy(ctx, DeployRequest{PrivateKey: "APrivateKey1zkp"})
	require.NoError(t, err)
	require.Equal(t, []string{"socks5://127.0.0.1:1080"}, eng.lastProxy())

	remote.SetProxy("")
	_, err = remote.Deploy(ctx, DeployRequest{PrivateKey: "APrivateKey1zkp"})
	require.NoError(t, err)
	require.Empty(t, eng.lastProxy())
}
