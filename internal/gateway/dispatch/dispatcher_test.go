package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsTask(t *testing.T) {
	d, err := New(Config{MaxQueue: 4, Workers: 1, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	got, err := d.Do(context.Background(), "deploy", func(context.Context) (any, error) {
		return "at1tx", nil
	})
	require.NoError(t, err)
	require.Equal(t, "at1tx", got)

	_, err = d.Do(context.Background(), "execute", func(context.Context) (any, error) {
		return nil, errors.New("insufficient balance")
	})
	require.EqualError(t, err, "insufficient balance")
}

func TestDispatcherOverlappingCallsAreIndependent(t *testing.T) {
	d, err := New(Config{MaxQueue: 4, Workers: 2, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	release := make(chan struct{})
	slow, err := d.Submit(context.Background(), "deploy", func(context.Context) (any, error) {
		<-release
		return "slow", nil
	})
	require.NoError(t, err)

	fast, err := d.Do(context.Background(), "deployment_cost", func(context.Context) (any, error) {
		return "fast", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fast", fast)

	close(release)
	res := <-slow
	require.NoError(t, res.Err)
	require.Equal(t, "slow", res.Value)
}

func TestDispatcherQueueFull(t *testing.T) {
	d, err := New(Config{MaxQueue: 1, Workers: 1, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := func(context.Context) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}
	_, err = d.Submit(context.Background(), "a", blocking)
	require.NoError(t, err)
	<-started
	_, err = d.Submit(context.Background(), "b", blocking)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), "c", blocking)
	require.ErrorIs(t, err, ErrQueueFull)

	close(release)
	d.Close()
	_, err = d.Submit(context.Background(), "d", blocking)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherCallerCancelDoesNotCancelTask(t *testing.T) {
	d, err := New(Config{MaxQueue: 2, Workers: 1, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	var finished atomic.Bool
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Do(ctx, "transfer", func(taskCtx context.Context) (any, error) {
			<-release
			if taskCtx.Err() == nil {
				finished.Store(true)
			}
			return "done", nil
		})
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	close(release)
	require.Eventually(t, finished.Load, time.Second, 5*time.Millisecond)
}

func TestDispatcherRateLimit(t *testing.T) {
	d, err := New(Config{MaxQueue: 2, Workers: 1, RateLimit: 1, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	noop := func(context.Context) (any, error) { return nil, nil }
	_, err = d.Submit(context.Background(), "split", noop)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), "split", noop)
	require.ErrorIs(t, err, ErrRateLimited)

	d.UpdateRateLimit(0)
	_, err = d.Submit(context.Background(), "split", noop)
	require.NoError(t, err)
}

func TestDispatcherStats(t *testing.T) {
	d, err := New(Config{MaxQueue: 2, Workers: 1, Metrics: NewMetrics(newPromRegistry())})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	done, err := d.Submit(context.Background(), "join", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	rec := httptest.NewRecorder()
	d.DebugHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/dispatch", nil))
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, 1, st.Running)
	require.Equal(t, map[string]int{"join": 1}, st.ByMethod)
	require.Equal(t, 1, st.Workers)
	require.Equal(t, 2, st.MaxQueue)

	close(release)
	<-done
}

func newPromRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func TestSubmitRacingCloseNeverStrandsJob(t *testing.T) {
	for round := 0; round < 20; round++ {
		d, err := New(Config{MaxQueue: 64, Workers: 2, Metrics: NewMetrics(newPromRegistry())})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs := make(chan error, 32)
		var wg sync.WaitGroup
		for i := 0; i < cap(errs); i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.Do(ctx, "split", func(context.Context) (any, error) { return "ok", nil })
				errs <- err
			}()
		}
		d.Close()
		wg.Wait()
		cancel()
		close(errs)
		for err := range errs {
			if err != nil {
				require.ErrorIs(t, err, ErrClosed)
			}
		}
	}
}
