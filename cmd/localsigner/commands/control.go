package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aegis-sign/localsigner/internal/desktop"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/lifecycle"
	"github.com/aegis-sign/localsigner/pkg/apierrors"
)

// 运行实例在转交 socket 上接受的命令。
const (
	commandStatus      = "status"
	commandUnlock      = "unlock"
	commandCheck       = "check-password"
	commandSetPassword = "set-password"
)

var errNotReady = errors.New("localsigner is still starting")

// control 应答命令行与第二次启动发给运行实例的请求。
// store 与 url 在启动过程中陆续就绪，之前收到的命令返回 errNotReady。
type control struct {
	dialogs desktop.Dialogs
	logger  *slog.Logger
	store   atomic.Pointer[identity.Store]
	url     atomic.Pointer[string]
}

func newControl(dialogs desktop.Dialogs, logger *slog.Logger) *control {
	return &control{dialogs: dialogs, logger: logger}
}

func (c *control) setStore(s *identity.Store) { c.store.Store(s) }

func (c *control) setURL(u string) { c.url.Store(&u) }

func (c *control) handle(h lifecycle.Handoff) lifecycle.Reply {
	switch h.Command {
	case "":
		reply := c.status()
		text := "localsigner is already running."
		if reply.URL != "" {
			text += "\n\nCapability URL:\n" + reply.URL
		}
		// 对话框阻塞到用户关闭，不能占住转交 socket。
		go func() {
			if err := c.dialogs.Message(appName, text); err != nil {
				c.logger.Warn("show running notice failed", slog.Any("error", err))
			}
		}()
		return reply
	case commandStatus:
		return c.status()
	case commandUnlock:
		return c.withStore(func(s *identity.Store) error {
			if err := s.InputPassword(h.Secret); err != nil {
				return err
			}
			c.logger.Info("identity unlocked from command line")
			return nil
		})
	case commandCheck:
		return c.withStore(func(s *identity.Store) error {
			ok, err := s.TryPassword(h.Secret)
			if err != nil {
				return err
			}
			if !ok {
				return identity.ErrWrongPassword
			}
			return nil
		})
	case commandSetPassword:
		return c.withStore(func(s *identity.Store) error {
			return s.SetPassword(h.Secret, h.NewSecret)
		})
	default:
		return lifecycle.Reply{Error: fmt.Sprintf("unknown command %q", h.Command)}
	}
}

func (c *control) withStore(fn func(*identity.Store) error) lifecycle.Reply {
	s := c.store.Load()
	if s == nil {
		return lifecycle.Reply{Error: errNotReady.Error()}
	}
	err := fn(s)
	reply := c.status()
	if err != nil {
		reply.Error = err.Error()
		if apiErr, ok := apierrors.FromError(err); ok {
			reply.Code = string(apiErr.Code)
		}
	}
	return reply
}

func (c *control) status() lifecycle.Reply {
	var reply lifecycle.Reply
	if u := c.url.Load(); u != nil {
		reply.URL = *u
	}
	if s := c.store.Load(); s != nil {
		reply.HasPassword = s.HasPassword()
		reply.Locked = s.HasPassword() && !s.Unlocked()
	}
	return reply
}

// askInstance 把命令发给运行实例。没有实例时 running 为 false，调用方改为直接打开存储。
func askInstance(h lifecycle.Handoff) (reply lifecycle.Reply, running bool, err error) {
	reply, err = lifecycle.Send(cfg.DataDir, appName, h)
	if errors.Is(err, lifecycle.ErrNoInstance) {
		return lifecycle.Reply{}, false, nil
	}
	if err != nil {
		return lifecycle.Reply{}, true, err
	}
	if reply.Error != "" {
		return reply, true, instanceError(reply)
	}
	return reply, true, nil
}

// instanceError 还原运行实例返回的错误，口令错误保持可用 errors.Is 判断。
func instanceError(reply lifecycle.Reply) error {
	switch apierrors.Code(reply.Code) {
	case "":
		return fmt.Errorf("running instance: %s", reply.Error)
	case apierrors.CodeWrongPassword:
		return identity.ErrWrongPassword
	case apierrors.CodeNoPassword:
		return identity.ErrNoPassword
	default:
		return apierrors.New(apierrors.Code(reply.Code), reply.Error)
	}
}
