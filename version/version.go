// Package version reports build and schema information of the weft binary.
package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/db"
)

// Build information, set at build time via ldflags:
//
//	go build -ldflags "-X github.com/teranos/weft/version.Version=1.2.0 -X github.com/teranos/weft/version.CommitHash=$(git rev-parse HEAD)"
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version, build and schema information
type Info struct {
	CommitHash    string `json:"commit_hash"`
	BuildTime     string `json:"build_time"`
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	schema, err := db.SchemaVersion()
	if err != nil {
		schema = "unknown"
	}
	return Info{
		CommitHash:    CommitHash,
		BuildTime:     BuildTime,
		Version:       Version,
		SchemaVersion: schema,
		GoVersion:     runtime.Version(),
		Platform:      fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// SemVer parses Version. Development builds have no semantic version.
func (i Info) SemVer() (*semver.Version, bool) {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, false
	}
	return v, true
}

// String returns a human-readable version string
func (i Info) String() string {
	if v, ok := i.SemVer(); ok {
		return fmt.Sprintf("weft %s (commit %s, built %s, schema %s)", v, i.Short(), i.BuildTime, i.SchemaVersion)
	}
	return fmt.Sprintf("weft dev (commit %s, built %s, schema %s)", i.Short(), i.BuildTime, i.SchemaVersion)
}

// Short returns the commit hash cut to seven characters
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
