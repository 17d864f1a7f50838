package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit,omitempty" yaml:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
}

// readBuildInfo is swapped out in tests.
var readBuildInfo = debug.ReadBuildInfo

// Resolve prefers the -ldflags values and falls back to the module and VCS
// stamps embedded by the go tool.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
	if bi, ok := readBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

func String() string {
	info := Resolve()
	var b strings.Builder
	b.WriteString(info.Version)
	if info.Commit != "" {
		b.WriteString(" (" + shortCommit(info.Commit))
		if info.Modified {
			b.WriteString(", dirty")
		}
		b.WriteString(")")
	}
	return b.String()
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
