// Package buildinfo 保存通过 -ldflags 注入的构建信息。
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version 是对外报告的版本号，discovery 与版本提示都使用它。
	Version = "0.0.15"
	Commit  = ""
	// BuildTime 为 RFC3339 时间。
	BuildTime = ""
)

// Info 汇总构建信息。
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Get 返回当前构建信息，未注入 Commit 时尝试读取 vcs 信息。
func Get() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime, GoVersion: runtime.Version()}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.Commit = s.Value
				case "vcs.time":
					if info.BuildTime == "" {
						info.BuildTime = s.Value
					}
				}
			}
		}
	}
	return info
}

func (i Info) String() string {
	out := "localsigner " + i.Version
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		out += fmt.Sprintf(" (%s)", commit)
	}
	if i.BuildTime != "" {
		out += " built " + i.BuildTime
	}
	return out + " " + i.GoVersion
}
