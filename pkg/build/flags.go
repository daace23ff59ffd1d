// SPDX-License-Identifier: MIT
//
// Package build carries the metadata embedded into the pitchtoy binary at
// link time: application name, description, build timestamp, Git commit and
// semantic version. The values are set with -ldflags, for example:
//
//	go build -ldflags "-X pitchtoy/pkg/build.buildName=pitchtoy \
//	  -X pitchtoy/pkg/build.buildVersion=v0.3.0 ..."
//
// Development builds fall back to "dev" values so the CLI stays usable
// without a release pipeline.
package build

import (
	"errors"
	"fmt"
)

// Info is the resolved build metadata.
type Info struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String renders the version line printed by --version.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", i.Name, i.Version, i.Commit, i.Time)
}

// Package-level variables populated by -ldflags during compilation.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = devInfo()
)

// ErrMissingFlag is returned by Initialize when a release build lacks one
// of the required linker flags.
var ErrMissingFlag = errors.New("build flag is required")

func devInfo() *Info {
	return &Info{
		Name:        "pitchtoy",
		Description: "Real-time pitch tuner",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
}

// Initialize validates and copies the ldflags variables into the build
// info. If none of the flags were set the binary is a development build and
// the defaults are kept. A partially populated set is an error.
func Initialize() error {
	if buildName == "" && buildTime == "" && buildCommit == "" && buildVersion == "" {
		return nil
	}

	required := []struct {
		name  string
		value string
	}{
		{"BuildName", buildName},
		{"BuildTime", buildTime},
		{"BuildCommit", buildCommit},
		{"BuildVersion", buildVersion},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s: %w", r.name, ErrMissingFlag)
		}
	}

	buildInfo.Name = buildName
	buildInfo.Time = buildTime
	buildInfo.Commit = buildCommit
	buildInfo.Version = buildVersion

	return nil
}

// GetBuildInfo returns the current build information. Initialize should be
// called first so release metadata is applied.
func GetBuildInfo() Info {
	return *buildInfo
}
