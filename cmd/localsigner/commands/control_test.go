package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/infra/kvstore"
	"github.com/aegis-sign/localsigner/internal/lifecycle"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

// scriptedDialogs 依次返回预设口令，nil 表示用户取消。
type scriptedDialogs struct {
	mu        sync.Mutex
	passwords [][]byte
	err       error
	asked     int
	messages  chan string
}

func (d *scriptedDialogs) Confirm(string, string) (bool, error) { return false, nil }

func (d *scriptedDialogs) Message(_ string, text string) error {
	if d.messages != nil {
		d.messages <- text
	}
	return nil
}

func (d *scriptedDialogs) Password(string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked++
	if d.err != nil {
		return nil, false, d.err
	}
	if len(d.passwords) == 0 || d.passwords[0] == nil {
		return nil, false, nil
	}
	pw := append([]byte(nil), d.passwords[0]...)
	d.passwords = d.passwords[1:]
	return pw, true, nil
}

func (d *scriptedDialogs) OpenURL(string) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedStore 返回设置了口令 "correct horse" 且当前锁定的存储。
func lockedStore(t *testing.T) *identity.Store {
	t.Helper()
	kv, err := kvstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	store, err := identity.NewStore(kv, identity.Options{KDF: identity.KDFParams{N: 1 << 10, R: 8, P: 1}})
	require.NoError(t, err)
	_, err = store.EnsureIdentity(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.SetPassword(nil, []byte("correct horse")))
	store.Lock()
	require.False(t, store.Unlocked())
	return store
}

func TestUnlockAtStartupWithoutTerminalUsesDialog(t *testing.T) {
	store := lockedStore(t)
	dialogs := &scriptedDialogs{
		passwords: [][]byte{[]byte("wrong"), []byte("correct horse")},
		messages:  make(chan string, 4),
	}

	require.NoError(t, unlockAtStartup(store, dialogPrompt(dialogs), quietLogger()))
	require.True(t, store.Unlocked())
	require.Equal(t, 2, dialogs.asked)
	require.Equal(t, "Wrong password.", <-dialogs.messages)
}

func TestUnlockAtStartupStartsLockedWhenDialogUnavailable(t *testing.T) {
	cases := map[string]*scriptedDialogs{
		"cancelled":   {},
		"no display":  {err: errors.New("zenity: not found")},
		"three wrong": {passwords: [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("correct horse")}},
	}
	for name, dialogs := range cases {
		t.Run(name, func(t *testing.T) {
			store := lockedStore(t)
			require.NoError(t, unlockAtStartup(store, dialogPrompt(dialogs), quietLogger()))
			require.False(t, store.Unlocked())
			require.LessOrEqual(t, dialogs.asked, unlockAttempts)
		})
	}
}

func TestControlCommands(t *testing.T) {
	dialogs := &scriptedDialogs{messages: make(chan string, 1)}
	ctl := newControl(dialogs, quietLogger())

	reply := ctl.handle(lifecycle.Handoff{Command: commandUnlock, Secret: []byte("correct horse")})
	require.Equal(t, errNotReady.Error(), reply.Error)

	store := lockedStore(t)
	ctl.setStore(store)
	ctl.setURL("http://ab@127.0.0.1:4100")

	reply = ctl.handle(lifecycle.Handoff{Command: commandStatus})
	require.Equal(t, lifecycle.Reply{URL: "http://ab@127.0.0.1:4100", HasPassword: true, Locked: true}, reply)

	reply = ctl.handle(lifecycle.Handoff{Command: commandCheck, Secret: []byte("nope")})
	require.Equal(t, string(apierrors.CodeWrongPassword), reply.Code)

	reply = ctl.handle(lifecycle.Handoff{Command: commandUnlock, Secret: []byte("nope")})
	require.Equal(t, string(apierrors.CodeWrongPassword), reply.Code)
	require.True(t, reply.Locked)

	reply = ctl.handle(lifecycle.Handoff{Command: commandUnlock, Secret: []byte("correct horse")})
	require.Empty(t, reply.Error)
	require.False(t, reply.Locked)
	require.True(t, store.Unlocked())

	reply = ctl.handle(lifecycle.Handoff{Command: commandSetPassword, Secret: []byte("correct horse"), NewSecret: []byte("battery staple")})
	require.Empty(t, reply.Error)
	ok, err := store.TryPassword([]byte("battery staple"))
	require.NoError(t, err)
	require.True(t, ok)

	reply = ctl.handle(lifecycle.Handoff{Command: "reboot"})
	require.Contains(t, reply.Error, "unknown command")

	// 第二次启动：应答携带 URL，提示框异步弹出。
	reply = ctl.handle(lifecycle.Handoff{Args: []string{"serve"}})
	require.Equal(t, "http://ab@127.0.0.1:4100", reply.URL)
	select {
	case text := <-dialogs.messages:
		require.Contains(t, text, "http://ab@127.0.0.1:4100")
	case <-time.After(3 * time.Second):
		t.Fatal("running notice not shown")
	}
}

func TestCommandsReachRunningInstance(t *testing.T) {
	dir, err := os.MkdirTemp("", "ls")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	ctl := newControl(&scriptedDialogs{}, quietLogger())
	store := lockedStore(t)
	ctl.setStore(store)
	const served = "http://0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef@127.0.0.1:4200"
	ctl.setURL(served)
	inst, err := lifecycle.AcquireInstance(dir, appName, ctl.handle, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	// badger 目录被运行实例占用时，url 仍然可用并返回实际监听地址。
	out := run(t, "url", "--data-dir", dir, "--port", "9")
	require.Equal(t, served, strings.TrimSpace(out))

	out = run(t, "status", "--data-dir", dir)
	require.Contains(t, out, "Identity: locked")

	cfg.DataDir = dir
	_, _, err = askInstance(lifecycle.Handoff{Command: commandUnlock, Secret: []byte("wrong")})
	require.ErrorIs(t, err, identity.ErrWrongPassword)
	_, _, err = askInstance(lifecycle.Handoff{Command: commandUnlock, Secret: []byte("correct horse")})
	require.NoError(t, err)
	require.True(t, store.Unlocked())

	out = run(t, "status", "--data-dir", dir)
	require.Contains(t, out, "Identity: unlocked")
}

func TestPasswordUnlockNeedsRunningInstance(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"password", "unlock", "--data-dir", t.TempDir()})
	require.ErrorIs(t, root.Execute(), errNotRunning)
}
