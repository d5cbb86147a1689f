// Package version reports which reel build is running. The CLI banner,
// `reel version`, /health and the job feed hello frame all read it.
package version

import (
	"fmt"
	"runtime"
)

const devVersion = "dev"

// Set with -ldflags "-X github.com/teranos/reel/version.Version=v1.0.0" and
// likewise for CommitHash and BuildTime. Unset values stay as below.
var (
	CommitHash = devVersion
	BuildTime  = "unknown"
	Version    = devVersion
)

// Info describes the running binary.
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get collects the linked-in build values and the runtime platform.
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// IsRelease reports whether the binary was built from a tagged version.
func (i Info) IsRelease() bool {
	return i.Version != "" && i.Version != devVersion
}

func (i Info) String() string {
	v := devVersion
	if i.IsRelease() {
		v = i.Version
	}
	return fmt.Sprintf("reel %s (commit %s, built %s)", v, i.Short(), i.BuildTime)
}

// Short is the seven character commit prefix sent to feed clients.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
