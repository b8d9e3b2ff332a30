// Package version reports what is running. Release builds stamp the variables with
// -ldflags "-X github.com/pscheid92/consultq/internal/platform/version.Version=...";
// other builds fall back to the VCS data the toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

const Service = "consultq"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var resolve = sync.OnceValue(func() Info {
	info := Info{Service: Service, Version: Version, Commit: Commit, BuildTime: BuildTime, GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildSettings(&info, bi.Settings)
	}
	return info
})

func Get() Info {
	return resolve()
}

// applyBuildSettings fills fields still at their defaults from embedded VCS settings.
func applyBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "unknown" && s.Value != "":
			info.Commit = s.Value
			if len(info.Commit) > 12 {
				info.Commit = info.Commit[:12]
			}
		case s.Key == "vcs.time" && info.BuildTime == "unknown" && s.Value != "":
			info.BuildTime = s.Value
		case s.Key == "vcs.modified" && s.Value == "true" && info.Version == "dev":
			info.Version = "dev-dirty"
		}
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (%s, built %s, %s)", i.Service, i.Version, i.Commit, i.BuildTime, i.GoVersion)
}
