package lifecycle

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func TestNewServerRejectsNonLoopback(t *testing.T) {
	_, err := NewServer(okHandler(), ServerOptions{Host: "0.0.0.0", Port: 0})
	require.ErrorIs(t, err, ErrNotLoopback)
	_, err = NewServer(okHandler(), ServerOptions{Host: "192.168.1.4", Port: 0})
	require.ErrorIs(t, err, ErrNotLoopback)
	_, err = NewServer(okHandler(), ServerOptions{Host: "::1", Port: 0})
	require.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	s, err := NewServer(okHandler(), ServerOptions{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	ctx := context.Background()

	addr, err := s.Start(ctx)
	require.NoError(t, err)
	require.True(t, s.Running())

	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	_, err = s.Start(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, s.Stop(ctx))
	require.False(t, s.Running())
	require.Nil(t, s.Addr())
	require.NoError(t, s.Stop(ctx))

	// 停止后可再次启动
	addr, err = s.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, addr)
	require.NoError(t, s.Stop(ctx))
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	first, err := NewServer(okHandler(), ServerOptions{Port: 0})
	require.NoError(t, err)
	addr, err := first.Start(context.Background())
	require.NoError(t, err)
	defer first.Stop(context.Background())

	second, err := NewServer(okHandler(), ServerOptions{Port: addr.(*net.TCPAddr).Port})
	require.NoError(t, err)
	_, err = second.Start(context.Background())
	require.Error(t, err)
	require.False(t, second.Running())
}

func TestIsLoopback(t *testing.T) {
	require.True(t, IsLoopback("127.0.0.1"))
	require.True(t, IsLoopback("localhost"))
	require.True(t, IsLoopback("::1"))
	require.False(t, IsLoopback("example.com"))
	require.False(t, IsLoopback("10.0.0.1"))
}
