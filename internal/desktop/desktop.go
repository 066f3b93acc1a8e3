// Package desktop 封装面向用户的系统对话框与浏览器调用。进程启动时构造一次，之后只读共享。
package desktop

import (
	"errors"
	"log/slog"

	"github.com/ncruces/zenity"
	"github.com/pkg/browser"
)

// Dialogs 是用户交互句柄。
type Dialogs interface {
	// Confirm 阻塞直到用户选择，确认返回 true。
	Confirm(title, text string) (bool, error)
	Message(title, text string) error
	// Password 弹出口令输入框，用户取消时 ok 为 false。
	Password(title string) (pw []byte, ok bool, err error)
	OpenURL(url string) error
}

// Native 使用系统原生对话框。
type Native struct {
	AppName string
}

func (n Native) Confirm(title, text string) (bool, error) {
	err := zenity.Question(text,
		zenity.Title(n.title(title)),
		zenity.OKLabel("OK"),
		zenity.CancelLabel("Cancel"))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, zenity.ErrCanceled):
		return false, nil
	default:
		return false, err
	}
}

func (n Native) Message(title, text string) error {
	return zenity.Info(text, zenity.Title(n.title(title)))
}

func (n Native) Password(title string) ([]byte, bool, error) {
	_, pw, err := zenity.Password(zenity.Title(n.title(title)))
	switch {
	case err == nil:
		return []byte(pw), true, nil
	case errors.Is(err, zenity.ErrCanceled):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (n Native) OpenURL(url string) error {
	return browser.OpenURL(url)
}

func (n Native) title(t string) string {
	if t == "" {
		return n.AppName
	}
	return t
}

// Headless 用于无桌面环境：只记录日志，确认框一律视为取消。
type Headless struct {
	Logger *slog.Logger
}

func (h Headless) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h Headless) Confirm(title, text string) (bool, error) {
	h.logger().Warn("confirmation skipped without desktop", slog.String("title", title), slog.String("text", text))
	return false, nil
}

func (h Headless) Message(title, text string) error {
	h.logger().Info("desktop message", slog.String("title", title), slog.String("text", text))
	return nil
}

func (h Headless) Password(title string) ([]byte, bool, error) {
	h.logger().Warn("password prompt skipped without desktop", slog.String("title", title))
	return nil, false, nil
}

func (h Headless) OpenURL(url string) error {
	h.logger().Info("open url skipped without desktop", slog.String("url", url))
	return nil
}
