package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrAnotherInstance 表示已有实例在运行，本次启动的参数已转交给它。
	ErrAnotherInstance = errors.New("another instance is running")
	// ErrNoInstance 表示没有可连接的运行实例。
	ErrNoInstance = errors.New("no running instance")
)

var errLockBusy = errors.New("instance lock busy")

const handoffTimeout = 2 * time.Second

// Handoff 是发给运行实例的消息。Command 为空时表示第二次启动转交的参数，
// 否则是命令行对运行实例的查询或操作，Secret 与 NewSecret 只在需要口令的命令中携带。
type Handoff struct {
	Args      []string `cbor:"args"`
	Cwd       string   `cbor:"cwd"`
	Command   string   `cbor:"command,omitempty"`
	Secret    []byte   `cbor:"secret,omitempty"`
	NewSecret []byte   `cbor:"new_secret,omitempty"`
}

// Reply 是运行实例的应答。
type Reply struct {
	URL         string `cbor:"url,omitempty"`
	HasPassword bool   `cbor:"has_password"`
	Locked      bool   `cbor:"locked"`
	Error       string `cbor:"error,omitempty"`
	// Code 是 Error 对应的业务错误码，可能为空。
	Code string `cbor:"code,omitempty"`
}

// AnotherInstanceError 携带运行实例对第二次启动的应答，errors.Is 匹配 ErrAnotherInstance。
type AnotherInstanceError struct {
	Reply Reply
}

func (e *AnotherInstanceError) Error() string { return ErrAnotherInstance.Error() }

func (e *AnotherInstanceError) Is(target error) bool { return target == ErrAnotherInstance }

// Instance 持有单实例锁与转交监听。
type Instance struct {
	lock     *os.File
	ln       net.Listener
	sockPath string
	logger   *slog.Logger
	once     sync.Once
	wg       sync.WaitGroup
}

// AcquireInstance 在 dir 下获取名为 name 的单实例锁。
// 锁已被占用时把本进程参数发送给持锁实例并返回 *AnotherInstanceError。
func AcquireInstance(dir, name string, onHandoff func(Handoff) Reply, logger *slog.Logger) (*Instance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}
	lockPath := filepath.Join(dir, name+".lock")
	sockPath := socketPath(dir, name)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open instance lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if !errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("lock instance: %w", err)
		}
		cwd, _ := os.Getwd()
		reply, sendErr := exchange(sockPath, Handoff{Args: os.Args[1:], Cwd: cwd})
		if sendErr != nil {
			logger.Warn("failed to hand off to running instance", slog.Any("error", sendErr))
		}
		return nil, &AnotherInstanceError{Reply: reply}
	}

	_ = os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, fmt.Errorf("listen handoff socket: %w", err)
	}
	inst := &Instance{lock: f, ln: ln, sockPath: sockPath, logger: logger}
	inst.wg.Add(1)
	go inst.acceptLoop(onHandoff)
	return inst, nil
}

func (i *Instance) acceptLoop(onHandoff func(Handoff) Reply) {
	defer i.wg.Done()
	for {
		conn, err := i.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				i.logger.Warn("handoff accept failed", slog.Any("error", err))
			}
			return
		}
		i.serve(conn, onHandoff)
	}
}

func (i *Instance) serve(conn net.Conn, onHandoff func(Handoff) Reply) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handoffTimeout))
	var h Handoff
	if err := readMessage(conn, &h); err != nil {
		i.logger.Warn("invalid handoff message", slog.Any("error", err))
		return
	}
	defer func() {
		clear(h.Secret)
		clear(h.NewSecret)
	}()
	if h.Command == "" {
		i.logger.Info("second launch handed off", slog.Any("args", h.Args), slog.String("cwd", h.Cwd))
	} else {
		i.logger.Debug("instance command received", slog.String("command", h.Command))
	}
	var reply Reply
	if onHandoff != nil {
		reply = onHandoff(h)
	}
	payload, err := cbor.Marshal(reply)
	if err != nil {
		i.logger.Warn("encode handoff reply failed", slog.Any("error", err))
		return
	}
	if _, err := conn.Write(payload); err != nil {
		i.logger.Debug("handoff reply not delivered", slog.Any("error", err))
	}
}

// Send 把 h 发给 dir 下名为 name 的运行实例并返回其应答。没有实例在监听时返回 ErrNoInstance。
func Send(dir, name string, h Handoff) (Reply, error) {
	return exchange(socketPath(dir, name), h)
}

func socketPath(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

func exchange(sockPath string, h Handoff) (Reply, error) {
	payload, err := cbor.Marshal(h)
	if err != nil {
		return Reply{}, err
	}
	defer clear(payload)
	conn, err := net.DialTimeout("unix", sockPath, handoffTimeout)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNoInstance, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(handoffTimeout))
	if _, err := conn.Write(payload); err != nil {
		return Reply{}, fmt.Errorf("send handoff: %w", err)
	}
	// 半关闭写端，对端据此读到完整消息。
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := hc.CloseWrite(); err != nil {
			return Reply{}, fmt.Errorf("send handoff: %w", err)
		}
	}
	var reply Reply
	if err := readMessage(conn, &reply); err != nil {
		return Reply{}, fmt.Errorf("read handoff reply: %w", err)
	}
	return reply, nil
}

func readMessage(r io.Reader, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return err
	}
	return cbor.Unmarshal(raw, v)
}

// Close 释放锁并停止接收转交。
func (i *Instance) Close() error {
	var err error
	i.once.Do(func() {
		err = i.ln.Close()
		i.wg.Wait()
		_ = os.Remove(i.sockPath)
		if uerr := unlockFile(i.lock); uerr != nil && err == nil {
			err = uerr
		}
		_ = i.lock.Close()
	})
	return err
}
