// Package buildinfo holds version and build metadata. The release
// build stamps it with -ldflags; plain "go build" binaries fall back to
// the VCS details the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/schedulebot/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var (
	startTime = time.Now()
	vcsOnce   sync.Once
)

// fillFromVCS replaces unstamped commit and build time with the values
// recorded by the Go toolchain, when there are any.
func fillFromVCS() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 7 {
					GitCommit = s.Value[:7]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// BuildInfo returns build and runtime details as a map, for the
// version command's JSON output.
func BuildInfo() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String is the one-line form used in logs and the version command.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("ScheduleBot %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is sent on every outbound HTTP request. Discord requires
// bots to identify themselves in the DiscordBot (url, version) form.
func UserAgent() string {
	return fmt.Sprintf("DiscordBot (https://github.com/nugget/schedulebot, %s)", Version)
}
