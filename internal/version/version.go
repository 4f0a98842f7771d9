// Package version holds build identification, injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info describes the running binary
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	Platform  string `json:"platform"`
	GoVersion string `json:"go_version"`
}

// Get returns build information for the running binary
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion: runtime.Version(),
	}
}

// String returns a one-line version string
func (i Info) String() string {
	return fmt.Sprintf("stormline %s (%s, built %s)", i.Version, i.Commit, i.BuildTime)
}
