// Package sysinfo reports build and process information for echotun.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// Version is the release version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/echotun/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	startTime = time.Now()
)

func init() {
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion turns "dev" into dev-<commit>[-dirty] using the VCS
// stamp embedded by the Go toolchain, or dev-<timestamp> when none exists.
func enhanceDevVersion() string {
	var revision string
	var modified bool
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = s.Value
			case "vcs.modified":
				modified = s.Value == "true"
			}
		}
	}

	if revision == "" {
		return "dev-" + startTime.UTC().Format("20060102-150405")
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		return "dev-" + revision + "-dirty"
	}
	return "dev-" + revision
}

// Info describes the running process.
type Info struct {
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	StartTime int64  `json:"start_time"`
}

// Collect gathers Info for this process.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		StartTime: startTime.Unix(),
	}
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the uptime in whole seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
