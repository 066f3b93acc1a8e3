// Package update 处理调用方的版本要求：版本不足时提示用户下载新版本。
package update

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/mod/semver"

	"github.com/aegis-sign/localsigner/internal/desktop"
)

// DefaultReleaseURL 是新版本下载页。
const DefaultReleaseURL = "https://github.com/aegis-sign/localsigner/releases"

// Options 配置 Gate。
type Options struct {
	Running    string
	ReleaseURL string
	Dialogs    desktop.Dialogs
	Logger     *slog.Logger
}

// Gate 比较调用方要求的版本与当前版本，需要时异步弹出确认框。
type Gate struct {
	running    string
	releaseURL string
	dialogs    desktop.Dialogs
	logger     *slog.Logger

	prompting atomic.Bool
	wg        sync.WaitGroup
}

// NewGate 构造 Gate。
func NewGate(opts Options) *Gate {
	if opts.ReleaseURL == "" {
		opts.ReleaseURL = DefaultReleaseURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialogs == nil {
		opts.Dialogs = desktop.Headless{Logger: opts.Logger}
	}
	return &Gate{
		running:    opts.Running,
		releaseURL: opts.ReleaseURL,
		dialogs:    opts.Dialogs,
		logger:     opts.Logger,
	}
}

// NeedsPrompt 报告 required 是否高于 running。任一方不是合法 semver 时退化为字符串不等。
func NeedsPrompt(required, running string) bool {
	r, c := canonical(required), canonical(running)
	if r == "" || c == "" {
		return strings.TrimSpace(required) != strings.TrimSpace(running)
	}
	return semver.Compare(r, c) > 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// Check 立即返回。需要提示且当前没有正在显示的提示时，在后台弹出确认框。
func (g *Gate) Check(required string) {
	if !NeedsPrompt(required, g.running) {
		return
	}
	if !g.prompting.CompareAndSwap(false, true) {
		g.logger.Debug("update prompt already showing", slog.String("required", required))
		return
	}
	g.logger.Info("newer version required",
		slog.String("required", required),
		slog.String("running", g.running))
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.prompting.Store(false)
		g.prompt(required)
	}()
}

func (g *Gate) prompt(required string) {
	text := fmt.Sprintf("version %s is required, current version is %s, click OK to download newer version",
		required, g.running)
	ok, err := g.dialogs.Confirm("Local signer update", text)
	if err != nil {
		g.logger.Warn("update dialog failed", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	if err := g.dialogs.OpenURL(g.releaseURL); err != nil {
		g.logger.Warn("open release page failed", slog.String("url", g.releaseURL), slog.Any("error", err))
	}
}

// Wait 等待后台提示结束，用于退出前与测试。
func (g *Gate) Wait() {
	g.wg.Wait()
}
