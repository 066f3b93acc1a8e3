package engineclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

type echoEngine struct{}

func (echoEngine) Invoke(_ context.Context, req *structpb.Struct) (*structpb.Value, error) {
	method := req.GetFields()["method"].GetStringValue()
	if method == "fail" {
		return nil, status.Error(codes.FailedPrecondition, "insufficient balance")
	}
	return structpb.NewStringValue("ok:" + method), nil
}

func setupBufConn(t *testing.T) (*grpc.Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	RegisterEngineServer(srv, echoEngine{})
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() {
		_ = srv.Serve(lis)
	}()
	return srv, lis
}

func bufDialer(lis *bufconn.Listener) Dialer {
	return func(ctx context.Context, target Target, _ Config) (*grpc.ClientConn, error) {
		return grpc.DialContext(ctx, target.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		)
	}
}

func TestPoolAcquireAndInvoke(t *testing.T) {
	srv, lis := setupBufConn(t)
	t.Cleanup(srv.Stop)
	cfg := DefaultConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 2
	cfg.HealthCheckInterval = 50 * time.Millisecond
	cfg.AcquireTimeout = 200 * time.Millisecond
	pool, err := NewPool(cfg, WithRegisterer(prometheus.NewRegistry()), WithDialer(bufDialer(lis)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	pool.RegisterTarget(Target{ID: "engine", Endpoint: "passthrough:///buf"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := pool.Acquire(ctx, "engine")
	require.NoError(t, err)
	require.NotNil(t, lease.Conn())
	resp, err := lease.Invoke(ctx, "deploy", map[string]any{"program": "program a.aleo;"})
	require.NoError(t, err)
	require.Equal(t, "ok:deploy", resp.GetStringValue())
	lease.Release(nil)

	grown := pool.Config()
	grown.MinConns = 2
	grown.MaxConns = 3
	pool.UpdateConfig(grown)
	require.Equal(t, 2, pool.Config().MinConns)
	require.Eventually(t, func() bool {
		st := pool.Status()
		return len(st) == 1 && st[0].Conns >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestPoolKeepsConnectionOnEngineFailure(t *testing.T) {
	srv, lis := setupBufConn(t)
	t.Cleanup(srv.Stop)
	cfg := DefaultConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 1
	pool, err := NewPool(cfg, WithRegisterer(prometheus.NewRegistry()), WithDialer(bufDialer(lis)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	pool.RegisterTarget(Target{ID: "engine", Endpoint: "passthrough:///buf"})

	ctx := context.Background()
	lease, err := pool.Acquire(ctx, "engine")
	require.NoError(t, err)
	conn := lease.Conn()
	_, err = lease.Invoke(ctx, "fail", nil)
	require.Error(t, err)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	lease.Release(err)

	again, err := pool.Acquire(ctx, "engine")
	require.NoError(t, err)
	require.Same(t, conn, again.Conn())
	again.Release(nil)
}

func TestPoolRemoveTargetDrains(t *testing.T) {
	srv, lis := setupBufConn(t)
	t.Cleanup(srv.Stop)
	cfg := DefaultConfig()
	cfg.MinConns = 1
	cfg.MaxConns = 1
	cfg.HealthCheckInterval = time.Second
	pool, err := NewPool(cfg, WithRegisterer(prometheus.NewRegistry()), WithDialer(bufDialer(lis)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	pool.RegisterTarget(Target{ID: "engine", Endpoint: "passthrough:///buf"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := pool.Acquire(ctx, "engine")
	require.NoError(t, err)

	pool.mu.RLock()
	removed := pool.targets["engine"]
	pool.mu.RUnlock()
	require.NoError(t, pool.RemoveTarget("engine"))
	require.ErrorIs(t, pool.RemoveTarget("engine"), ErrTargetNotFound)
	require.Empty(t, pool.Status())

	_, err = pool.Acquire(ctx, "engine")
	require.ErrorIs(t, err, ErrTargetNotFound)
	// 已拿到目标引用的并发借用方看到的是 draining。
	_, err = removed.acquire(ctx)
	require.True(t, errors.Is(err, ErrPoolDraining))

	conn := lease.Conn()
	lease.Release(nil)
	require.Equal(t, connectivity.Shutdown, conn.GetState())
}

func TestConnPoolRace(t *testing.T) {
	srv, lis := setupBufConn(t)
	t.Cleanup(srv.Stop)
	cfg := DefaultConfig()
	cfg.MinConns = 2
	cfg.MaxConns = 4
	cfg.HealthCheckInterval = 200 * time.Millisecond
	pool, err := NewPool(cfg, WithRegisterer(prometheus.NewRegistry()), WithDialer(bufDialer(lis)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	pool.RegisterTarget(Target{ID: "race", Endpoint: "passthrough:///buf"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx, "race")
			if err != nil {
				return
			}
			_, callErr := lease.Invoke(ctx, "split", map[string]any{"amount": "1"})
			lease.Release(callErr)
		}()
	}
	wg.Wait()
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MinConns = 8
	cfg.MaxConns = 2
	cfg.DialTimeout = 0
	cfg.Redial.Spread = 1.5
	err := cfg.Validate()
	require.ErrorContains(t, err, "below min conns")
	require.ErrorContains(t, err, "dial timeout")
	require.ErrorContains(t, err, "redial spread")

	_, err = NewPool(cfg)
	require.ErrorContains(t, err, "engine pool config")
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{MinConns: 1, MaxConns: 1, AcquireTimeout: time.Second, DialTimeout: time.Second}.withDefaults()
	def := DefaultConfig()
	require.Equal(t, def.HealthCheckInterval, cfg.HealthCheckInterval)
	require.Equal(t, def.Redial.Base, cfg.Redial.Base)
	require.Equal(t, def.Redial.Cap, cfg.Redial.Cap)
}

func TestRedialerGrowth(t *testing.T) {
	r := newRedialer(RedialConfig{Base: 25 * time.Millisecond, Cap: 200 * time.Millisecond})
	require.Equal(t, 25*time.Millisecond, r.delay())
	require.Equal(t, 50*time.Millisecond, r.delay())
	require.Equal(t, 100*time.Millisecond, r.delay())
	require.Equal(t, 200*time.Millisecond, r.delay())
	require.Equal(t, 200*time.Millisecond, r.delay())
	r.connected()
	require.Equal(t, 25*time.Millisecond, r.delay())
}

func TestRedialerSpreadStaysInBounds(t *testing.T) {
	r := newRedialer(RedialConfig{Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond, Spread: 0.5})
	for i := 0; i < 50; i++ {
		d := r.delay()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 80*time.Millisecond)
	}
}

func TestTargetHealthTransitions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newTargetHealth(2, time.Second)
	h.now = func() time.Time { return now }

	require.Equal(t, stateHealthy, h.state())
	require.False(t, h.failed())
	require.True(t, h.failed())
	require.False(t, h.failed())
	require.Equal(t, stateDegraded, h.state())
	require.True(t, h.admit())

	now = now.Add(2 * time.Second)
	require.Equal(t, stateHealthy, h.state())

	require.False(t, h.failed())
	h.succeeded()
	require.False(t, h.failed())
	require.Equal(t, stateHealthy, h.state())

	h.drain()
	require.False(t, h.admit())
	require.Equal(t, stateDraining, h.state())
	require.False(t, h.failed())
}

func TestParseVsock(t *testing.T) {
	cid, port, err := parseVsock("3:5005")
	require.NoError(t, err)
	require.Equal(t, uint32(3), cid)
	require.Equal(t, uint32(5005), port)
	_, _, err = parseVsock("3")
	require.Error(t, err)
	_, _, err = parseVsock("x:1")
	require.Error(t, err)
}

func TestShouldRecycle(t *testing.T) {
	require.True(t, shouldRecycle(status.Error(codes.Unavailable, "gone")))
	require.True(t, shouldRecycle(errors.New("raw transport error")))
	require.False(t, shouldRecycle(status.Error(codes.FailedPrecondition, "insufficient balance")))
}
