// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package version reports build metadata injected through -ldflags, falling
// back to what the Go toolchain stamped into the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const unknown = "unknown"

var (
	// Version is the release version, set with -ldflags "-X .../version.Version=v1.2.3".
	Version = "dev"
	// GitCommit is the source revision.
	GitCommit = unknown
	// BuildDate is the build timestamp in RFC 3339.
	BuildDate = unknown
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"gitCommit"`
	Dirty     bool      `json:"dirty,omitempty"`
	BuildDate string    `json:"buildDate"`
	BuildTime time.Time `json:"buildTime,omitempty"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
}

// GetBuildInfo returns the build metadata. Values not injected at link time
// are taken from the VCS stamp of the binary when it has one.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := readBuildInfo(); ok {
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == unknown {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == unknown {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}

	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildTime = t
	}
	return info
}

// String is the one-line form printed by the version command.
func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("mail-dispatch %s (commit: %s, built: %s, %s %s)", b.Version, commit, b.BuildDate, b.GoVersion, b.Platform)
}
